// Package invoice turns a donation request into a payable invoice and owns
// every later change to it.
//
// Lifecycle:
//  1. Create: DRAFT, then PENDING_PAYMENT once a payment URI is issued
//  2. Poller sees a transaction: PROCESSING
//  3. Backend reports confirmed or completed: CONFIRMED
//  4. Backend reports failed/cancelled, or the user cancels: FAILED / CANCELLED
//  5. expiresAt passes first: EXPIRED (poller or sweep)
//
// CONFIRMED, FAILED, EXPIRED and CANCELLED are terminal; a terminal invoice is
// never written again.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/birdhaven/donations/internal/currency"
	"github.com/birdhaven/donations/internal/pagination"
)

var (
	ErrInvoiceNotFound   = errors.New("invoice not found")
	ErrInvoiceFinalized  = errors.New("invoice already in a terminal status")
	ErrInvalidTransition = errors.New("invalid invoice status transition")
	ErrNotExpired        = errors.New("invoice has not reached its expiry")
)

// Status represents the state of an invoice.
type Status string

const (
	StatusDraft          Status = "DRAFT"
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusProcessing     Status = "PROCESSING"
	StatusConfirmed      Status = "CONFIRMED"
	StatusFailed         Status = "FAILED"
	StatusExpired        Status = "EXPIRED"
	StatusCancelled      Status = "CANCELLED"
)

// IsTerminal returns true for statuses that admit no further change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusDraft:          {StatusPendingPayment, StatusCancelled},
	StatusPendingPayment: {StatusProcessing, StatusConfirmed, StatusFailed, StatusExpired, StatusCancelled},
	StatusProcessing:     {StatusConfirmed, StatusFailed, StatusExpired, StatusCancelled},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PaymentSource records how the donor paid.
type PaymentSource string

const (
	SourceManual  PaymentSource = "manual"
	SourcePhantom PaymentSource = "phantom"
)

// ParsePaymentSource accepts "", "manual" and "phantom".
func ParsePaymentSource(s string) (PaymentSource, bool) {
	switch ps := PaymentSource(s); ps {
	case "", SourceManual, SourcePhantom:
		return ps, true
	}
	return "", false
}

// Invoice is one donation payment attempt.
type Invoice struct {
	ID     string `json:"id"`
	BirdID string `json:"birdId,omitempty"`

	AmountFiat          decimal.Decimal `json:"amountFiat"`
	FiatCurrency        currency.Fiat   `json:"fiatCurrency"`
	CoverFee            bool            `json:"coverFee"`
	FeeAmount           decimal.Decimal `json:"feeAmount"`
	ChargeFiat          decimal.Decimal `json:"chargeFiat"`
	ExpectedTokenAmount decimal.Decimal `json:"expectedTokenAmount"`
	TokenSymbol         string          `json:"tokenSymbol"`
	ExchangeRate        decimal.Decimal `json:"exchangeRate"`
	RateFetchedAt       time.Time       `json:"rateFetchedAt"`

	PaymentMethod   currency.PaymentMethod `json:"paymentMethod"`
	Network         currency.Network       `json:"network,omitempty"`
	MerchantAddress string                 `json:"merchantAddress,omitempty"`
	PaymentURI      string                 `json:"paymentUri"`

	Status                Status `json:"status"`
	Confirmations         int    `json:"confirmations"`
	RequiredConfirmations int    `json:"requiredConfirmations"`

	TransactionHash string        `json:"transactionHash,omitempty"`
	PayerAddress    string        `json:"payerAddress,omitempty"`
	PaymentSource   PaymentSource `json:"paymentSource,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the invoice is in a final state.
func (inv *Invoice) IsTerminal() bool {
	return inv.Status.IsTerminal()
}

// IsCrypto reports whether the invoice settles on-chain.
func (inv *Invoice) IsCrypto() bool {
	return inv.Network != currency.NetworkNone
}

// Expired reports whether the payment window has closed at now.
func (inv *Invoice) Expired(now time.Time) bool {
	return now.After(inv.ExpiresAt)
}

// Clone returns a deep copy.
func (inv *Invoice) Clone() *Invoice {
	cp := *inv
	if inv.ConfirmedAt != nil {
		t := *inv.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	if inv.CompletedAt != nil {
		t := *inv.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Transition moves the invoice to status to. Moving to the current
// non-terminal status is a no-op. Entering CONFIRMED stamps ConfirmedAt once
// and lifts Confirmations to RequiredConfirmations if the backend reported
// fewer.
func (inv *Invoice) Transition(to Status, now time.Time) error {
	if inv.IsTerminal() {
		return ErrInvoiceFinalized
	}
	if inv.Status == to {
		return nil
	}
	if !CanTransition(inv.Status, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, inv.Status, to)
	}

	inv.Status = to
	if to == StatusConfirmed {
		if inv.Confirmations < inv.RequiredConfirmations {
			inv.Confirmations = inv.RequiredConfirmations
		}
		if inv.ConfirmedAt == nil {
			t := inv.stamp(now)
			inv.ConfirmedAt = &t
		}
	}
	inv.UpdatedAt = now
	return nil
}

// MarkCompleted stamps CompletedAt once. Only a confirmed invoice completes.
func (inv *Invoice) MarkCompleted(now time.Time) error {
	if inv.Status != StatusConfirmed {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, inv.Status)
	}
	if inv.CompletedAt == nil {
		t := inv.stamp(now)
		inv.CompletedAt = &t
	}
	return nil
}

// stamp keeps lifecycle timestamps from preceding creation under clock skew.
func (inv *Invoice) stamp(now time.Time) time.Time {
	if now.Before(inv.CreatedAt) {
		return inv.CreatedAt
	}
	return now
}

// Store persists invoices. Update must refuse to overwrite an invoice whose
// stored status is terminal, returning ErrInvoiceFinalized.
type Store interface {
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	Update(ctx context.Context, inv *Invoice) error
	// ListByBird returns a bird's invoices newest first, starting after the
	// cursor when one is given.
	ListByBird(ctx context.Context, birdID string, after *pagination.Cursor, limit int) ([]*Invoice, error)
	// ListExpired returns non-terminal invoices whose expiresAt is before the given time.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Invoice, error)
}
