package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/birdhaven/donations/internal/audit"
	"github.com/birdhaven/donations/internal/currency"
	"github.com/birdhaven/donations/internal/invoice"
	"github.com/birdhaven/donations/internal/logging"
	"github.com/birdhaven/donations/internal/payerr"
	"github.com/birdhaven/donations/internal/paymentsapi"
)

const testMerchant = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixedRates struct{ clock *testClock }

func (r fixedRates) Rate(_ context.Context, fiat currency.Fiat, token string) (invoice.Rate, error) {
	return invoice.Rate{Fiat: fiat, Token: token, Value: decimal.NewFromInt(1), FetchedAt: r.clock.Now()}, nil
}

// step is one scripted backend answer.
type step struct {
	res *paymentsapi.CheckResult
	err error
}

func reply(status paymentsapi.Status) step {
	return step{res: &paymentsapi.CheckResult{Status: status}}
}

func transient() step {
	return step{err: errors.Join(payerr.ErrTransientNetwork, errors.New("503 from backend"))}
}

// scriptedChecker replays steps in order and repeats the last one forever.
type scriptedChecker struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (s *scriptedChecker) CheckStatus(context.Context, string) (*paymentsapi.CheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++
	st := s.steps[i]
	if st.err != nil {
		return nil, st.err
	}
	res := *st.res
	return &res, nil
}

func (s *scriptedChecker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// downEventStore fails every write, like an unreachable audit database.
type downEventStore struct{}

func (downEventStore) AppendEvent(context.Context, *audit.Event) error {
	return errors.New("audit db unreachable")
}

func (downEventStore) GetEvents(context.Context, string) ([]*audit.Event, error) {
	return nil, errors.New("audit db unreachable")
}

type recordingListener struct {
	mu          sync.Mutex
	transitions []Transition
	errs        []error
}

func (l *recordingListener) OnStatusChange(_ context.Context, t Transition) {
	l.mu.Lock()
	l.transitions = append(l.transitions, t)
	l.mu.Unlock()
}

func (l *recordingListener) OnCheckError(_ context.Context, _ string, err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func (l *recordingListener) Transitions() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transition(nil), l.transitions...)
}

func (l *recordingListener) Errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

type fixture struct {
	svc      *invoice.Service
	store    *invoice.MemoryStore
	trail    *audit.Trail
	clock    *testClock
	listener *recordingListener
}

func newFixture() *fixture {
	return newFixtureWithEvents(audit.NewMemoryEventStore())
}

func newFixtureWithEvents(events audit.EventStore) *fixture {
	clock := &testClock{t: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	store := invoice.NewMemoryStore()
	trail := audit.NewTrail(events, logging.Discard()).WithClock(clock.Now)
	svc := invoice.NewService(store, currency.New(), fixedRates{clock: clock}, invoice.LocalRegistrar{}, trail,
		invoice.Config{MerchantAddresses: map[currency.Network]string{currency.NetworkSolana: testMerchant}},
		logging.Discard()).WithClock(clock.Now)
	return &fixture{svc: svc, store: store, trail: trail, clock: clock, listener: &recordingListener{}}
}

func (f *fixture) createInvoice(t *testing.T) *invoice.Invoice {
	t.Helper()
	inv, err := f.svc.Create(context.Background(), invoice.CreateRequest{
		BirdID:        "bird-42",
		AmountFiat:    decimal.RequireFromString("50"),
		FiatCurrency:  "USD",
		PaymentMethod: "usdc-solana",
	})
	require.NoError(t, err)
	return inv
}

func (f *fixture) poller(id string, checker Checker, interval time.Duration) *Poller {
	return New(id, f.svc, checker, f.trail, Config{Interval: interval}, logging.Discard(), f.listener).
		WithClock(f.clock.Now)
}

func (f *fixture) get(t *testing.T, id string) *invoice.Invoice {
	t.Helper()
	inv, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return inv
}

func (f *fixture) eventTypes(id string) []audit.EventType {
	events, _ := f.trail.Events(context.Background(), id)
	out := make([]audit.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func waitDone(t *testing.T, p *Poller) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}
