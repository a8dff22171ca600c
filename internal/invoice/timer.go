package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// sweepBatch bounds how many invoices one sweep expires.
const sweepBatch = 100

// Timer periodically expires open invoices whose payment window has closed.
// It covers invoices nobody is polling.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a new expiry sweep timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
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
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in invoice expiry sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep expires one batch of overdue invoices and returns how many it moved.
func (t *Timer) Sweep(ctx context.Context) int {
	expired, err := t.store.ListExpired(ctx, t.service.now(), sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list expired invoices", "error", err)
		return 0
	}

	n := 0
	for _, inv := range expired {
		if _, err := t.service.Expire(ctx, inv.ID, "sweep"); err != nil {
			if errors.Is(err, ErrInvoiceFinalized) || errors.Is(err, ErrNotExpired) {
				continue
			}
			t.logger.Warn("failed to expire invoice", "invoice_id", inv.ID, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		t.logger.Info("expiry sweep", "expired", n)
	}
	return n
}
