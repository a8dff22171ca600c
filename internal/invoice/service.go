package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/birdhaven/donations/internal/audit"
	"github.com/birdhaven/donations/internal/currency"
	"github.com/birdhaven/donations/internal/fees"
	"github.com/birdhaven/donations/internal/metrics"
	"github.com/birdhaven/donations/internal/pagination"
	"github.com/birdhaven/donations/internal/payerr"
	"github.com/birdhaven/donations/internal/syncutil"
	"github.com/birdhaven/donations/internal/traces"
)

// Policy constants.
const (
	DefaultTTL        = 30 * time.Minute
	DefaultRateMaxAge = 60 * time.Second
	DefaultListLimit  = 50
	MaxListLimit      = 200
)

var ErrMerchantNotConfigured = errors.New("merchant address not configured for network")

// Rate is a fiat-per-token snapshot.
type Rate struct {
	Fiat      currency.Fiat   `json:"fiat"`
	Token     string          `json:"token"`
	Value     decimal.Decimal `json:"value"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// RateSource supplies exchange-rate snapshots.
type RateSource interface {
	Rate(ctx context.Context, fiat currency.Fiat, token string) (Rate, error)
}

// Recorder appends audit events without failing the caller.
type Recorder interface {
	Record(ctx context.Context, invoiceID string, typ audit.EventType, data map[string]any) *audit.Event
}

// ChangeListener is told about every persisted invoice change.
type ChangeListener interface {
	InvoiceChanged(ctx context.Context, inv *Invoice)
}

// CreateRequest contains the parameters for creating an invoice.
type CreateRequest struct {
	BirdID        string          `json:"birdId"`
	AmountFiat    decimal.Decimal `json:"amountFiat"`
	FiatCurrency  string          `json:"fiatCurrency" binding:"required"`
	PaymentMethod string          `json:"paymentMethod" binding:"required"`
	CoverFee      bool            `json:"coverFee"`
	PaymentSource string          `json:"paymentSource"`
}

// Config carries deployment policy for the service.
type Config struct {
	TTL               time.Duration
	RateMaxAge        time.Duration
	MerchantAddresses map[currency.Network]string
	// TokenMints overrides the registry's mint per method.
	TokenMints map[currency.PaymentMethod]string
}

// Service implements invoice business logic.
type Service struct {
	store     Store
	registry  *currency.Registry
	rates     RateSource
	registrar Registrar
	recorder  Recorder
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	listeners []ChangeListener
	locks     *syncutil.KeyedMutex // serializes poller, sweep and cancel writes per invoice
}

// NewService creates a new invoice service.
func NewService(store Store, registry *currency.Registry, rates RateSource, registrar Registrar,
	recorder Recorder, cfg Config, logger *slog.Logger) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RateMaxAge <= 0 {
		cfg.RateMaxAge = DefaultRateMaxAge
	}
	return &Service{
		store:     store,
		registry:  registry,
		rates:     rates,
		registrar: registrar,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		locks:     syncutil.NewKeyedMutex(),
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithListener registers a change listener.
func (s *Service) WithListener(l ChangeListener) *Service {
	s.listeners = append(s.listeners, l)
	return s
}

// Registry returns the currency registry the service validates against.
func (s *Service) Registry() *currency.Registry {
	return s.registry
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", payerr.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Create validates req, snapshots an exchange rate, registers the invoice and
// persists it as PENDING_PAYMENT. Nothing is stored when any step fails.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Invoice, error) {
	ctx, span := traces.StartSpan(ctx, "invoice.create", traces.PaymentMethod(req.PaymentMethod))
	inv, err := s.create(ctx, req)
	traces.End(span, err)
	return inv, err
}

func (s *Service) create(ctx context.Context, req CreateRequest) (*Invoice, error) {
	method, ok := currency.ParsePaymentMethod(req.PaymentMethod)
	if !ok {
		return nil, invalid("unknown payment method %q", req.PaymentMethod)
	}
	info, ok := s.registry.Lookup(method)
	if !ok || !s.registry.Enabled(method) {
		return nil, invalid("payment method %s is not accepted", method)
	}
	fiat, ok := currency.ParseFiat(req.FiatCurrency)
	if !ok {
		return nil, invalid("unsupported fiat currency %q", req.FiatCurrency)
	}
	if !req.AmountFiat.IsPositive() {
		return nil, invalid("amount must be greater than zero")
	}
	if !req.AmountFiat.Equal(fees.RoundFiat(req.AmountFiat)) {
		return nil, invalid("amount has more than %d decimal places", fees.Places)
	}
	source, ok := ParsePaymentSource(req.PaymentSource)
	if !ok {
		return nil, invalid("unknown payment source %q", req.PaymentSource)
	}

	var merchant, mint string
	if info.IsCrypto() {
		if !s.registry.IsValidCombination(info.Currency, string(info.Network)) {
			return nil, invalid("%s on %s is not accepted", info.Currency, info.Network)
		}
		merchant = s.cfg.MerchantAddresses[info.Network]
		if !currency.ValidateMerchantAddress(info.Network, merchant) {
			return nil, fmt.Errorf("%w: %s", ErrMerchantNotConfigured, info.Network)
		}
		mint = s.tokenMint(info)
	}

	breakdown, err := fees.Default(req.AmountFiat, req.CoverFee)
	if err != nil {
		return nil, invalid("%v", err)
	}

	rate, token, err := s.snapshotRate(ctx, fiat, info)
	if err != nil {
		return nil, err
	}

	expected := breakdown.TotalAmount.DivRound(rate.Value, info.Decimals)
	if !expected.IsPositive() {
		return nil, invalid("amount is below the smallest payable unit of %s", token)
	}

	now := s.now()
	inv := &Invoice{
		BirdID:                req.BirdID,
		AmountFiat:            breakdown.Amount,
		FiatCurrency:          fiat,
		CoverFee:              req.CoverFee,
		FeeAmount:             breakdown.FeeAmount,
		ChargeFiat:            breakdown.TotalAmount,
		ExpectedTokenAmount:   expected,
		TokenSymbol:           token,
		ExchangeRate:          rate.Value,
		RateFetchedAt:         rate.FetchedAt,
		PaymentMethod:         method,
		Network:               info.Network,
		MerchantAddress:       merchant,
		Status:                StatusDraft,
		RequiredConfirmations: s.registry.RequiredConfirmations(method),
		PaymentSource:         source,
		CreatedAt:             now,
		ExpiresAt:             now.Add(s.cfg.TTL),
		UpdatedAt:             now,
	}

	reg, err := s.registrar.Register(ctx, RegisterRequest{
		BirdID:              inv.BirdID,
		AmountFiat:          inv.AmountFiat,
		FiatCurrency:        inv.FiatCurrency,
		PaymentMethod:       inv.PaymentMethod,
		CoverFee:            inv.CoverFee,
		ChargeFiat:          inv.ChargeFiat,
		ExpectedTokenAmount: inv.ExpectedTokenAmount,
		TokenSymbol:         inv.TokenSymbol,
		ExchangeRate:        inv.ExchangeRate,
		MerchantAddress:     inv.MerchantAddress,
		ExpiresAt:           inv.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("register invoice: %w", err)
	}
	if reg.ID == "" {
		return nil, fmt.Errorf("register invoice: %w: empty id", payerr.ErrTransientNetwork)
	}
	inv.ID = reg.ID

	if info.IsCrypto() {
		inv.PaymentURI = BuildPaymentURI(ExpectedPaymentRequest(inv, mint))
		if reg.PaymentURI != "" && reg.PaymentURI != inv.PaymentURI {
			s.logger.Warn("backend payment URI differs from local build",
				"invoice_id", inv.ID, "backend", reg.PaymentURI, "local", inv.PaymentURI)
		}
	} else {
		if reg.PaymentURI == "" {
			return nil, fmt.Errorf("register invoice: %w: no checkout link for %s", payerr.ErrTransientNetwork, method)
		}
		inv.PaymentURI = reg.PaymentURI
	}

	if err := inv.Transition(StatusPendingPayment, now); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to store invoice: %w", err)
	}

	s.recorder.Record(ctx, inv.ID, audit.EventInvoiceCreated, map[string]any{
		"status":              string(inv.Status),
		"amountFiat":          inv.AmountFiat.String(),
		"fiatCurrency":        string(inv.FiatCurrency),
		"chargeFiat":          inv.ChargeFiat.String(),
		"expectedTokenAmount": inv.ExpectedTokenAmount.String(),
		"tokenSymbol":         inv.TokenSymbol,
		"exchangeRate":        inv.ExchangeRate.String(),
		"paymentMethod":       string(inv.PaymentMethod),
		"paymentUri":          inv.PaymentURI,
	})
	metrics.InvoicesCreatedTotal.WithLabelValues(string(method)).Inc()
	s.logger.Info("invoice created",
		"invoice_id", inv.ID, "method", method, "amount", inv.AmountFiat.String(),
		"charge", inv.ChargeFiat.String(), "expected", inv.ExpectedTokenAmount.String(), "token", token)

	return inv.Clone(), nil
}

// snapshotRate returns the rate and token symbol for info. Fiat rails settle
// in the donation currency at 1.
func (s *Service) snapshotRate(ctx context.Context, fiat currency.Fiat, info currency.MethodInfo) (Rate, string, error) {
	if !info.IsCrypto() {
		return Rate{Fiat: fiat, Token: string(fiat), Value: decimal.NewFromInt(1), FetchedAt: s.now()}, string(fiat), nil
	}

	rate, err := s.rates.Rate(ctx, fiat, info.Currency)
	if err != nil {
		if errors.Is(err, payerr.ErrRateUnavailable) {
			return Rate{}, "", err
		}
		return Rate{}, "", fmt.Errorf("%w: %v", payerr.ErrRateUnavailable, err)
	}
	if !rate.Value.IsPositive() {
		return Rate{}, "", fmt.Errorf("%w: non-positive rate %s", payerr.ErrRateUnavailable, rate.Value)
	}
	if rate.FetchedAt.IsZero() || s.now().Sub(rate.FetchedAt) > s.cfg.RateMaxAge {
		return Rate{}, "", fmt.Errorf("%w: rate snapshot is stale", payerr.ErrRateUnavailable)
	}
	return rate, info.Currency, nil
}

func (s *Service) tokenMint(info currency.MethodInfo) string {
	if m := s.cfg.TokenMints[info.Method]; m != "" {
		return m
	}
	return info.TokenMint
}

// TokenMint returns the SPL mint used for inv's payment URI.
func (s *Service) TokenMint(inv *Invoice) string {
	info, ok := s.registry.Lookup(inv.PaymentMethod)
	if !ok {
		return ""
	}
	return s.tokenMint(info)
}

// Get returns an invoice by id.
func (s *Service) Get(ctx context.Context, id string) (*Invoice, error) {
	return s.store.Get(ctx, id)
}

// Page is one slice of a bird's donation history.
type Page struct {
	Invoices   []*Invoice `json:"invoices"`
	NextCursor string     `json:"nextCursor,omitempty"`
	HasMore    bool       `json:"hasMore"`
}

// ListByBird returns a page of a bird's invoices, newest first. cursor is the
// NextCursor of the previous page, or empty for the first.
func (s *Service) ListByBird(ctx context.Context, birdID, cursor string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, invalid("%v", err)
	}

	items, err := s.store.ListByBird(ctx, birdID, after, limit+1)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(inv *Invoice) (time.Time, string) {
		return inv.CreatedAt, inv.ID
	})
	return &Page{Invoices: items, NextCursor: next, HasMore: more}, nil
}

// Mutate applies fn to a fresh copy of the invoice under its lock and stores
// the result. A terminal invoice is returned unchanged with
// ErrInvoiceFinalized. If fn fails nothing is written.
func (s *Service) Mutate(ctx context.Context, id string, fn func(inv *Invoice) error) (*Invoice, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsTerminal() {
		return current, ErrInvoiceFinalized
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return current, err
	}
	next.UpdatedAt = s.now()

	if err := s.store.Update(ctx, next); err != nil {
		if errors.Is(err, ErrInvoiceFinalized) {
			if latest, gerr := s.store.Get(ctx, id); gerr == nil {
				return latest, err
			}
		}
		return current, err
	}

	for _, l := range s.listeners {
		l.InvoiceChanged(ctx, next.Clone())
	}
	return next.Clone(), nil
}

// Expire moves an invoice past its expiresAt to EXPIRED and appends an
// EXPIRED event. source names who noticed ("poller", "sweep").
func (s *Service) Expire(ctx context.Context, id, source string) (*Invoice, error) {
	now := s.now()
	inv, err := s.Mutate(ctx, id, func(inv *Invoice) error {
		if !inv.Expired(now) {
			return ErrNotExpired
		}
		return inv.Transition(StatusExpired, now)
	})
	if err != nil {
		return inv, err
	}

	s.recorder.Record(ctx, id, audit.EventExpired, map[string]any{
		"status":        string(inv.Status),
		"expiresAt":     inv.ExpiresAt,
		"confirmations": inv.Confirmations,
		"source":        source,
	})
	metrics.InvoicesExpiredTotal.WithLabelValues(source).Inc()
	s.logger.Info("invoice expired", "invoice_id", id, "source", source)
	return inv, nil
}

// Cancel moves a non-terminal invoice to CANCELLED on the donor's request and
// appends a FAILED event with reason "cancelled".
func (s *Service) Cancel(ctx context.Context, id, detail string) (*Invoice, error) {
	now := s.now()
	inv, err := s.Mutate(ctx, id, func(inv *Invoice) error {
		return inv.Transition(StatusCancelled, now)
	})
	if err != nil {
		return inv, err
	}

	data := map[string]any{"status": string(inv.Status), "reason": "cancelled"}
	if detail != "" {
		data["detail"] = detail
	}
	s.recorder.Record(ctx, id, audit.EventFailed, data)
	s.logger.Info("invoice cancelled", "invoice_id", id)
	return inv, nil
}
