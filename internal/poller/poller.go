// Package poller reconciles an invoice against the payments backend.
//
// One Poller follows one invoice: it checks immediately, then once per
// interval, until the invoice reaches a terminal status, expires, the backend
// rejects the credential, or the poller is stopped. Each check's full response
// is applied before the next one is issued, so status changes are observed in
// order.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/birdhaven/donations/internal/audit"
	"github.com/birdhaven/donations/internal/invoice"
	"github.com/birdhaven/donations/internal/metrics"
	"github.com/birdhaven/donations/internal/payerr"
	"github.com/birdhaven/donations/internal/paymentsapi"
	"github.com/birdhaven/donations/internal/traces"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultCheckTimeout = 15 * time.Second
)

// errUnchanged aborts a Mutate that would write nothing new.
var errUnchanged = errors.New("no change")

// Checker asks the backend for an invoice's payment status.
type Checker interface {
	CheckStatus(ctx context.Context, invoiceID string) (*paymentsapi.CheckResult, error)
}

// Transition is one observed status change.
type Transition struct {
	InvoiceID     string             `json:"invoiceId"`
	From          paymentsapi.Status `json:"from"`
	To            paymentsapi.Status `json:"to"`
	Confirmations int                `json:"confirmations"`
	Invoice       *invoice.Invoice   `json:"invoice"`
	At            time.Time          `json:"at"`
}

// Listener is told about status changes and failed checks.
type Listener interface {
	OnStatusChange(ctx context.Context, t Transition)
	OnCheckError(ctx context.Context, invoiceID string, err error)
}

// Config tunes a poller.
type Config struct {
	Interval     time.Duration
	CheckTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = DefaultCheckTimeout
	}
	return c
}

// Poller follows a single invoice.
type Poller struct {
	id        string
	service   *invoice.Service
	checker   Checker
	recorder  invoice.Recorder
	listeners []Listener
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	checkMu sync.Mutex // serializes scheduled and forced checks
	last    paymentsapi.Status
	seen    bool
	highest int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
	checks   atomic.Int64

	errMu sync.Mutex
	err   error
}

// New creates a poller for invoice id. It does nothing until Start or Check.
func New(id string, service *invoice.Service, checker Checker, recorder invoice.Recorder,
	cfg Config, logger *slog.Logger, listeners ...Listener) *Poller {
	return &Poller{
		id:        id,
		service:   service,
		checker:   checker,
		recorder:  recorder,
		listeners: listeners,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("invoice_id", id),
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// WithClock overrides the clock used for expiry and transition stamps.
func (p *Poller) WithClock(now func() time.Time) *Poller {
	p.now = now
	return p
}

// InvoiceID returns the followed invoice's id.
func (p *Poller) InvoiceID() string { return p.id }

// Checks returns how many status checks have been issued.
func (p *Poller) Checks() int64 { return p.checks.Load() }

// Start runs the poll loop in a goroutine. Calling it again is a no-op.
func (p *Poller) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	metrics.ActivePollers.Inc()
	go p.run(ctx)
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	defer metrics.ActivePollers.Dec()

	if p.stopped() || p.safeCheck(ctx) {
		return
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			if p.stopped() {
				return
			}
			if p.safeCheck(ctx) {
				return
			}
		}
	}
}

// Stop halts scheduling. An in-flight check completes but no further tick
// fires. Safe to call any number of times.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Done is closed once the poll loop has exited.
func (p *Poller) Done() <-chan struct{} { return p.done }

// Err returns the error that halted polling, if any. It is set for
// authentication failures, expired invoices and invoices that no longer exist.
func (p *Poller) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

func (p *Poller) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (p *Poller) halt(err error) {
	if err != nil {
		p.errMu.Lock()
		if p.err == nil {
			p.err = err
		}
		p.errMu.Unlock()
	}
	p.Stop()
}

func (p *Poller) safeCheck(ctx context.Context) (finished bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in status check", "panic", fmt.Sprint(r))
			finished = false
		}
	}()
	// Detached so that Stop lets an in-flight check finish.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CheckTimeout)
	defer cancel()
	_, finished, _ = p.check(cctx)
	return finished
}

// Check performs one out-of-band status check without touching the schedule.
// It returns the invoice as stored after the check and the check's error. A
// check that reaches a terminal state also stops the poller.
func (p *Poller) Check(ctx context.Context) (*invoice.Invoice, error) {
	inv, _, err := p.check(ctx)
	return inv, err
}

func (p *Poller) check(ctx context.Context) (*invoice.Invoice, bool, error) {
	p.checkMu.Lock()
	defer p.checkMu.Unlock()

	ctx, span := traces.StartSpan(ctx, "poller.check", traces.InvoiceID(p.id))
	inv, finished, err := p.checkLocked(ctx)
	traces.End(span, err)

	if finished {
		p.halt(haltingError(err))
	}
	return inv, finished, err
}

func haltingError(err error) error {
	if errors.Is(err, payerr.ErrAuth) || errors.Is(err, payerr.ErrExpiredInvoice) ||
		errors.Is(err, invoice.ErrInvoiceNotFound) {
		return err
	}
	return nil
}

func (p *Poller) checkLocked(ctx context.Context) (*invoice.Invoice, bool, error) {
	current, err := p.service.Get(ctx, p.id)
	if err != nil {
		p.reportError(ctx, err)
		return nil, errors.Is(err, invoice.ErrInvoiceNotFound), err
	}
	if !p.seen {
		p.last = StatusOf(current)
		p.highest = current.Confirmations
		p.seen = true
	}

	p.checks.Add(1)
	res, err := p.checker.CheckStatus(ctx, p.id)
	if err != nil {
		p.reportError(ctx, err)
		switch {
		case errors.Is(err, payerr.ErrAuth):
			metrics.StatusChecksTotal.WithLabelValues("auth").Inc()
			return current, true, err
		case current.IsTerminal():
			metrics.StatusChecksTotal.WithLabelValues("error").Inc()
			return current, true, err
		}
		metrics.StatusChecksTotal.WithLabelValues("transient").Inc()
		if current.Expired(p.now()) {
			return p.expire(ctx, current, err)
		}
		return current, false, err
	}
	metrics.StatusChecksTotal.WithLabelValues("ok").Inc()

	if current.IsTerminal() {
		return current, true, nil
	}

	status := res.Status
	if rank(status) < rank(p.last) {
		p.logger.Debug("ignoring status regression", "last", p.last, "reported", status)
		status = p.last
	}
	if res.Confirmations > p.highest {
		p.highest = res.Confirmations
	}
	if res.RequiredConfirmations > 0 && res.RequiredConfirmations != current.RequiredConfirmations {
		p.logger.Debug("backend reports different required confirmations",
			"backend", res.RequiredConfirmations, "invoice", current.RequiredConfirmations)
	}

	next, err := p.apply(ctx, current, status, res)
	if err != nil {
		if errors.Is(err, invoice.ErrInvoiceFinalized) {
			// Finalized elsewhere (sweep or cancel) since the read above.
			return next, true, nil
		}
		p.reportError(ctx, err)
		return current, false, err
	}

	p.recordEvents(ctx, current, next, status)
	if status != p.last {
		p.notify(ctx, p.last, status, next)
		p.last = status
	}

	if next.IsTerminal() {
		return next, true, nil
	}
	if next.Expired(p.now()) {
		return p.expire(ctx, next, nil)
	}
	return next, false, nil
}

// apply writes the backend's answer to the invoice. Confirmations and the
// transaction hash only ever move forward.
func (p *Poller) apply(ctx context.Context, current *invoice.Invoice, status paymentsapi.Status,
	res *paymentsapi.CheckResult) (*invoice.Invoice, error) {
	now := p.now()
	next, err := p.service.Mutate(ctx, p.id, func(inv *invoice.Invoice) error {
		changed := false
		if p.highest > inv.Confirmations {
			inv.Confirmations = p.highest
			changed = true
		}
		if inv.TransactionHash == "" && res.TransactionHash != "" {
			inv.TransactionHash = res.TransactionHash
			changed = true
		}
		if inv.PayerAddress == "" && res.PayerAddress != "" {
			inv.PayerAddress = res.PayerAddress
			changed = true
		}
		target := invoiceStatus(status)
		if target != inv.Status {
			if err := inv.Transition(target, now); err != nil {
				return err
			}
			changed = true
		}
		if status == paymentsapi.StatusCompleted && inv.CompletedAt == nil {
			if err := inv.MarkCompleted(now); err != nil {
				return err
			}
			changed = true
		}
		if !changed {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return current, nil
	}
	return next, err
}

func (p *Poller) expire(ctx context.Context, current *invoice.Invoice, cause error) (*invoice.Invoice, bool, error) {
	inv, err := p.service.Expire(ctx, p.id, "poller")
	switch {
	case err == nil:
		p.notify(ctx, p.last, paymentsapi.StatusExpired, inv)
		p.last = paymentsapi.StatusExpired
		closed := fmt.Errorf("%w: payment window ended at %s",
			payerr.ErrExpiredInvoice, inv.ExpiresAt.UTC().Format(time.RFC3339))
		p.reportError(ctx, closed)
		if cause != nil {
			return inv, true, errors.Join(closed, cause)
		}
		return inv, true, closed
	case errors.Is(err, invoice.ErrInvoiceFinalized):
		return inv, true, cause
	default:
		p.reportError(ctx, err)
		return current, false, err
	}
}

func (p *Poller) recordEvents(ctx context.Context, prev, next *invoice.Invoice, status paymentsapi.Status) {
	if !detected(prev) && detected(next) {
		p.recorder.Record(ctx, p.id, audit.EventPaymentDetected, map[string]any{
			"status":          string(status),
			"transactionHash": next.TransactionHash,
			"confirmations":   next.Confirmations,
		})
	}
	if prev.ConfirmedAt == nil && next.ConfirmedAt != nil {
		// confirmations may have been lifted to the required count on
		// entering CONFIRMED; reportedConfirmations is what the backend said.
		p.recorder.Record(ctx, p.id, audit.EventPaymentConfirmed, map[string]any{
			"transactionHash":       next.TransactionHash,
			"confirmations":         next.Confirmations,
			"reportedConfirmations": p.highest,
			"requiredConfirmations": next.RequiredConfirmations,
		})
	}
	if prev.CompletedAt == nil && next.CompletedAt != nil {
		p.recorder.Record(ctx, p.id, audit.EventInvoiceIssued, map[string]any{
			"transactionHash": next.TransactionHash,
		})
		p.recorder.Record(ctx, p.id, audit.EventCompleted, map[string]any{
			"completedAt": next.CompletedAt,
		})
	}
	if prev.Status != next.Status {
		switch next.Status {
		case invoice.StatusFailed, invoice.StatusCancelled:
			p.recorder.Record(ctx, p.id, audit.EventFailed, map[string]any{
				"status": string(next.Status),
				"reason": string(status),
			})
		case invoice.StatusExpired:
			p.recorder.Record(ctx, p.id, audit.EventExpired, map[string]any{
				"status":        string(next.Status),
				"expiresAt":     next.ExpiresAt,
				"confirmations": next.Confirmations,
				"source":        "backend",
			})
			metrics.InvoicesExpiredTotal.WithLabelValues("backend").Inc()
		}
	}
}

func (p *Poller) notify(ctx context.Context, from, to paymentsapi.Status, inv *invoice.Invoice) {
	metrics.StatusTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	p.logger.Info("payment status changed", "from", from, "to", to, "confirmations", inv.Confirmations)

	t := Transition{
		InvoiceID:     p.id,
		From:          from,
		To:            to,
		Confirmations: inv.Confirmations,
		Invoice:       inv,
		At:            p.now(),
	}
	for _, l := range p.listeners {
		t.Invoice = inv.Clone()
		l.OnStatusChange(ctx, t)
	}
}

func (p *Poller) reportError(ctx context.Context, err error) {
	level := slog.LevelWarn
	switch {
	case errors.Is(err, payerr.ErrAuth):
		level = slog.LevelError
	case errors.Is(err, payerr.ErrExpiredInvoice):
		level = slog.LevelInfo
	}
	p.logger.Log(ctx, level, "status check failed", "error", err, "kind", payerr.Classify(err))
	for _, l := range p.listeners {
		l.OnCheckError(ctx, p.id, err)
	}
}
