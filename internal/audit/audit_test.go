package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqOf(types ...EventType) []*Event {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]*Event, len(types))
	for i, typ := range types {
		out[i] = &Event{
			ID:        string(rune('a' + i)),
			InvoiceID: "inv_1",
			Type:      typ,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Seq:       int64(i + 1),
		}
	}
	return out
}

func TestValidateSequence_Valid(t *testing.T) {
	valid := [][]EventType{
		{EventInvoiceCreated},
		{EventInvoiceCreated, EventExpired},
		{EventInvoiceCreated, EventPaymentDetected, EventPaymentConfirmed},
		{EventInvoiceCreated, EventPaymentDetected, EventPaymentConfirmed, EventInvoiceIssued, EventCompleted},
		{EventInvoiceCreated, EventPaymentDetected, EventFailed},
	}
	for _, types := range valid {
		assert.NoError(t, ValidateSequence(seqOf(types...)), "%v", types)
	}
}

func TestValidateSequence_Invalid(t *testing.T) {
	invalid := map[string][]EventType{
		"empty":                   {},
		"not created first":       {EventPaymentDetected, EventInvoiceCreated},
		"confirmed before detect": {EventInvoiceCreated, EventPaymentConfirmed, EventPaymentDetected},
		"completed before issued": {EventInvoiceCreated, EventPaymentDetected, EventPaymentConfirmed, EventCompleted},
		"issued before confirmed": {EventInvoiceCreated, EventPaymentDetected, EventInvoiceIssued},
		"event after terminal":    {EventInvoiceCreated, EventExpired, EventPaymentDetected},
		"duplicate detected":      {EventInvoiceCreated, EventPaymentDetected, EventPaymentDetected},
		"second created":          {EventInvoiceCreated, EventInvoiceCreated},
		"unknown type":            {EventInvoiceCreated, EventType("REFUNDED")},
	}
	for name, types := range invalid {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateSequence(seqOf(types...)), ErrInvalidSequence)
		})
	}
}

func TestValidateSequence_TimestampRegression(t *testing.T) {
	events := seqOf(EventInvoiceCreated, EventPaymentDetected)
	events[1].Timestamp = events[0].Timestamp.Add(-time.Second)
	assert.ErrorIs(t, ValidateSequence(events), ErrInvalidSequence)
}

func TestValidateSequence_MixedInvoices(t *testing.T) {
	events := seqOf(EventInvoiceCreated, EventPaymentDetected)
	events[1].InvoiceID = "inv_2"
	assert.ErrorIs(t, ValidateSequence(events), ErrInvalidSequence)
}

func TestEventType_IsTerminal(t *testing.T) {
	require.True(t, EventCompleted.IsTerminal())
	require.True(t, EventFailed.IsTerminal())
	require.True(t, EventExpired.IsTerminal())
	require.False(t, EventPaymentConfirmed.IsTerminal())
	require.False(t, EventInvoiceCreated.IsTerminal())
}
