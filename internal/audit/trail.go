package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/birdhaven/donations/internal/idgen"
	"github.com/birdhaven/donations/internal/metrics"
	"github.com/birdhaven/donations/internal/payerr"
	"github.com/birdhaven/donations/internal/retry"
)

// DefaultMaxQueue bounds the retry queue. On overflow the oldest queued event
// is dropped and logged.
const DefaultMaxQueue = 10000

// Trail appends lifecycle events and queues the ones the store rejects.
type Trail struct {
	store    EventStore
	logger   *slog.Logger
	now      func() time.Time
	policy   retry.Policy
	maxQueue int
	interval time.Duration

	seq atomic.Int64

	mu    sync.Mutex
	queue []*Event

	flushMu  sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTrail creates a trail writing to store.
func NewTrail(store EventStore, logger *slog.Logger) *Trail {
	return &Trail{
		store:    store,
		logger:   logger,
		now:      time.Now,
		policy:   retry.Default,
		maxQueue: DefaultMaxQueue,
		interval: 5 * time.Second,
		stop:     make(chan struct{}),
	}
}

// WithClock overrides the timestamp source.
func (t *Trail) WithClock(now func() time.Time) *Trail {
	t.now = now
	return t
}

// WithRetryPolicy overrides the policy used when draining the queue.
func (t *Trail) WithRetryPolicy(p retry.Policy) *Trail {
	t.policy = p
	return t
}

// WithMaxQueue overrides the retry queue bound.
func (t *Trail) WithMaxQueue(n int) *Trail {
	if n > 0 {
		t.maxQueue = n
	}
	return t
}

// WithInterval overrides how often the background loop drains the queue.
func (t *Trail) WithInterval(d time.Duration) *Trail {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Record appends an event and never fails. Write errors are logged and the
// event is queued for retry.
func (t *Trail) Record(ctx context.Context, invoiceID string, typ EventType, data map[string]any) *Event {
	e, _ := t.append(ctx, invoiceID, typ, data)
	return e
}

// Append is Record for callers that want to know about a write failure. The
// event is queued either way; the error wraps payerr.ErrAuditWrite.
func (t *Trail) Append(ctx context.Context, invoiceID string, typ EventType, data map[string]any) error {
	_, err := t.append(ctx, invoiceID, typ, data)
	return err
}

func (t *Trail) append(ctx context.Context, invoiceID string, typ EventType, data map[string]any) (*Event, error) {
	e := &Event{
		ID:        idgen.WithPrefix("evt_"),
		InvoiceID: invoiceID,
		Type:      typ,
		Timestamp: t.now().UTC(),
		Seq:       t.seq.Add(1),
		Data:      data,
	}

	if err := t.store.AppendEvent(ctx, e); err != nil {
		metrics.AuditWriteFailuresTotal.Inc()
		t.logger.Warn("audit write failed, queued for retry",
			"invoice_id", invoiceID, "event_type", typ, "error", err)
		t.enqueue(e)
		return e, fmt.Errorf("%w: %s for %s: %v", payerr.ErrAuditWrite, typ, invoiceID, err)
	}
	return e, nil
}

func (t *Trail) enqueue(events ...*Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.queue = append(t.queue, events...)
	if over := len(t.queue) - t.maxQueue; over > 0 {
		for _, dropped := range t.queue[:over] {
			t.logger.Error("audit queue full, dropping event",
				"invoice_id", dropped.InvoiceID, "event_type", dropped.Type, "event_id", dropped.ID)
		}
		metrics.AuditEventsDroppedTotal.Add(float64(over))
		t.queue = append([]*Event(nil), t.queue[over:]...)
	}
	metrics.AuditQueueDepth.Set(float64(len(t.queue)))
}

// Pending returns the number of events waiting to be retried.
func (t *Trail) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Events returns the stored events for an invoice, ordered.
func (t *Trail) Events(ctx context.Context, invoiceID string) ([]*Event, error) {
	return t.store.GetEvents(ctx, invoiceID)
}

// Flush retries every queued event once under the retry policy. Events that
// still fail go back to the front of the queue in their original order.
func (t *Trail) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	batch := t.queue
	t.queue = nil
	t.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var (
		failed  []*Event
		lastErr error
	)
	for i, e := range batch {
		if ctx.Err() != nil {
			failed = append(failed, batch[i:]...)
			lastErr = ctx.Err()
			break
		}
		err := retry.Do(ctx, t.policy, func(ctx context.Context) error {
			return t.store.AppendEvent(ctx, e)
		})
		if err != nil {
			failed = append(failed, e)
			lastErr = err
		}
	}

	t.mu.Lock()
	t.queue = append(failed, t.queue...)
	t.mu.Unlock()
	t.enqueue()

	if lastErr != nil {
		t.logger.Warn("audit flush incomplete", "remaining", len(failed), "error", lastErr)
		return fmt.Errorf("%w: %d events still queued: %v", payerr.ErrAuditWrite, len(failed), lastErr)
	}
	t.logger.Info("audit queue flushed", "written", len(batch))
	return nil
}

// Running reports whether the drain loop is active.
func (t *Trail) Running() bool {
	return t.running.Load()
}

// Start drains the queue periodically until ctx is done or Stop is called.
// Call in a goroutine.
func (t *Trail) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeFlush(ctx)
		}
	}
}

// Stop signals the drain loop to stop. Safe to call more than once.
func (t *Trail) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Trail) safeFlush(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in audit flush", "panic", fmt.Sprint(r))
		}
	}()
	if t.Pending() == 0 {
		return
	}
	_ = t.Flush(ctx)
}
