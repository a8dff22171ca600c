package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEventStore_OrdersByTimestampThenSeq(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEventStore()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// A retried event lands after a newer one but keeps its place.
	require.NoError(t, s.AppendEvent(ctx, &Event{ID: "e2", InvoiceID: "inv", Type: EventPaymentDetected, Timestamp: t0.Add(time.Second), Seq: 2}))
	require.NoError(t, s.AppendEvent(ctx, &Event{ID: "e1", InvoiceID: "inv", Type: EventInvoiceCreated, Timestamp: t0, Seq: 1}))
	require.NoError(t, s.AppendEvent(ctx, &Event{ID: "e3", InvoiceID: "inv", Type: EventPaymentConfirmed, Timestamp: t0.Add(time.Second), Seq: 3}))

	got, err := s.GetEvents(ctx, "inv")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"e1", "e2", "e3"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestMemoryEventStore_DuplicateIDIgnored(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEventStore()
	e := &Event{ID: "e1", InvoiceID: "inv", Type: EventInvoiceCreated, Timestamp: time.Now()}

	require.NoError(t, s.AppendEvent(ctx, e))
	require.NoError(t, s.AppendEvent(ctx, e))

	got, _ := s.GetEvents(ctx, "inv")
	assert.Len(t, got, 1)
}

func TestMemoryEventStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEventStore()
	require.NoError(t, s.AppendEvent(ctx, &Event{ID: "e1", InvoiceID: "inv", Type: EventInvoiceCreated, Data: map[string]any{"k": "v"}}))

	got, _ := s.GetEvents(ctx, "inv")
	got[0].Data["k"] = "mutated"
	got[0].Type = EventFailed

	again, _ := s.GetEvents(ctx, "inv")
	assert.Equal(t, "v", again[0].Data["k"])
	assert.Equal(t, EventInvoiceCreated, again[0].Type)
}

func TestMemoryEventStore_UnknownInvoice(t *testing.T) {
	got, err := NewMemoryEventStore().GetEvents(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, got)
}
