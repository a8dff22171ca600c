package poller

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/birdhaven/donations/internal/invoice"
	"github.com/birdhaven/donations/internal/payerr"
)

// Manager owns at most one poller per invoice id. Pollers run on the
// manager's own context so that they outlive the request that started them.
type Manager struct {
	service  *invoice.Service
	checker  Checker
	recorder invoice.Recorder
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pollers   map[string]*Poller
	listeners []Listener
	wg        sync.WaitGroup
}

// NewManager creates a poller manager.
func NewManager(service *invoice.Service, checker Checker, recorder invoice.Recorder, cfg Config, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		service:  service,
		checker:  checker,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		pollers:  make(map[string]*Poller),
	}
}

// WithClock overrides the clock handed to new pollers.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// AddListener subscribes l to every poller started afterwards.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// newPollerLocked must be called with m.mu held.
func (m *Manager) newPollerLocked(id string) *Poller {
	listeners := append([]Listener(nil), m.listeners...)
	return New(id, m.service, m.checker, m.recorder, m.cfg, m.logger, listeners...).WithClock(m.now)
}

// Start begins polling invoice id. If a poller for id is already running it
// is returned and started is false.
func (m *Manager) Start(ctx context.Context, id string) (p *Poller, started bool, err error) {
	if _, err := m.service.Get(ctx, id); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return nil, false, context.Canceled
	}
	p, ok := m.pollers[id]
	switch {
	case ok && p.started.Load():
		return p, false, nil
	case !ok:
		p = m.newPollerLocked(id)
		m.pollers[id] = p
	}
	// An unstarted poller here belongs to an in-flight ForceCheck and is
	// adopted, so the invoice never has two pollers with separate state.
	m.wg.Add(1)
	p.Start(m.ctx)
	go m.reap(p)
	return p, true, nil
}

func (m *Manager) reap(p *Poller) {
	defer m.wg.Done()
	<-p.Done()
	m.mu.Lock()
	if m.pollers[p.id] == p {
		delete(m.pollers, p.id)
	}
	m.mu.Unlock()
	switch err := p.Err(); {
	case errors.Is(err, payerr.ErrExpiredInvoice):
		m.logger.Info("poller finished on expiry", "invoice_id", p.id)
	case err != nil:
		m.logger.Warn("poller halted", "invoice_id", p.id, "error", err)
	}
}

// Get returns the running poller for id, if any.
func (m *Manager) Get(id string) (*Poller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pollers[id]
	if !ok || !p.started.Load() {
		return nil, false
	}
	return p, true
}

// Stop stops the poller for id. It reports whether one was running.
func (m *Manager) Stop(id string) bool {
	m.mu.Lock()
	p, ok := m.pollers[id]
	m.mu.Unlock()
	if !ok || !p.started.Load() {
		return false
	}
	p.Stop()
	return true
}

// ForceCheck runs one immediate check for id. It goes through the registered
// poller when there is one so the check is ordered with scheduled ones.
// Otherwise a temporary poller is registered for the duration of the check.
func (m *Manager) ForceCheck(ctx context.Context, id string) (*invoice.Invoice, error) {
	m.mu.Lock()
	p, ok := m.pollers[id]
	if !ok {
		p = m.newPollerLocked(id)
		m.pollers[id] = p
	}
	m.mu.Unlock()

	if !ok {
		defer func() {
			m.mu.Lock()
			if m.pollers[id] == p && !p.started.Load() {
				delete(m.pollers, id)
			}
			m.mu.Unlock()
		}()
	}
	return p.Check(ctx)
}

// Active returns the ids of invoices being polled, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pollers))
	for id, p := range m.pollers {
		if p.started.Load() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Shutdown stops every poller and waits for their loops to exit or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, p := range m.pollers {
		p.Stop()
	}
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
