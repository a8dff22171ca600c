// Package audit keeps the append-only lifecycle record of every invoice.
//
// The trail is a side channel: the invoice state machine never reads it, and a
// failed write never blocks or reverts a state transition. Failed writes are
// queued and retried in the background.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventInvoiceCreated   EventType = "INVOICE_CREATED"
	EventPaymentDetected  EventType = "PAYMENT_DETECTED"
	EventPaymentConfirmed EventType = "PAYMENT_CONFIRMED"
	EventInvoiceIssued    EventType = "INVOICE_ISSUED"
	EventCompleted        EventType = "COMPLETED"
	EventFailed           EventType = "FAILED"
	EventExpired          EventType = "EXPIRED"
)

// IsTerminal reports whether no event may follow t for the same invoice.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventCompleted, EventFailed, EventExpired:
		return true
	}
	return false
}

// Event is one immutable audit record.
type Event struct {
	ID        string         `json:"id"`
	InvoiceID string         `json:"invoiceId"`
	Type      EventType      `json:"eventType"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       int64          `json:"seq"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventStore persists events. Appending an event whose ID is already stored
// is a no-op so queued retries cannot duplicate history.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	// GetEvents returns the invoice's events ordered by timestamp, then Seq.
	GetEvents(ctx context.Context, invoiceID string) ([]*Event, error)
}

// ErrInvalidSequence is returned by ValidateSequence.
var ErrInvalidSequence = errors.New("audit: event sequence inconsistent with invoice lifecycle")

// ValidateSequence checks that events (already ordered) could have been
// produced by one invoice's lifecycle.
func ValidateSequence(events []*Event) error {
	if len(events) == 0 {
		return fmt.Errorf("%w: no events", ErrInvalidSequence)
	}
	if events[0].Type != EventInvoiceCreated {
		return fmt.Errorf("%w: first event is %s", ErrInvalidSequence, events[0].Type)
	}

	seen := make(map[EventType]bool, len(events))
	var prev *Event
	for i, e := range events {
		if prev != nil {
			if prev.Type.IsTerminal() {
				return fmt.Errorf("%w: %s after terminal %s", ErrInvalidSequence, e.Type, prev.Type)
			}
			if e.Timestamp.Before(prev.Timestamp) {
				return fmt.Errorf("%w: event %d out of order", ErrInvalidSequence, i)
			}
			if e.InvoiceID != prev.InvoiceID {
				return fmt.Errorf("%w: mixed invoices %s and %s", ErrInvalidSequence, prev.InvoiceID, e.InvoiceID)
			}
		}

		switch e.Type {
		case EventInvoiceCreated:
			if i != 0 {
				return fmt.Errorf("%w: duplicate %s", ErrInvalidSequence, e.Type)
			}
		case EventPaymentConfirmed:
			if !seen[EventPaymentDetected] {
				return fmt.Errorf("%w: %s before %s", ErrInvalidSequence, e.Type, EventPaymentDetected)
			}
		case EventInvoiceIssued:
			if !seen[EventPaymentConfirmed] {
				return fmt.Errorf("%w: %s before %s", ErrInvalidSequence, e.Type, EventPaymentConfirmed)
			}
		case EventCompleted:
			if !seen[EventInvoiceIssued] {
				return fmt.Errorf("%w: %s before %s", ErrInvalidSequence, e.Type, EventInvoiceIssued)
			}
		case EventPaymentDetected, EventFailed, EventExpired:
		default:
			return fmt.Errorf("%w: unknown event type %q", ErrInvalidSequence, e.Type)
		}

		if e.Type != EventFailed && e.Type != EventExpired && seen[e.Type] {
			return fmt.Errorf("%w: duplicate %s", ErrInvalidSequence, e.Type)
		}
		seen[e.Type] = true
		prev = e
	}
	return nil
}
