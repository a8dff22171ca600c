package invoice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/birdhaven/donations/internal/audit"
	"github.com/birdhaven/donations/internal/currency"
	"github.com/birdhaven/donations/internal/logging"
)

const testMerchant = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
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

type fakeRates struct {
	clock *testClock
	value decimal.Decimal
	age   time.Duration
	err   error
	calls int
}

func (f *fakeRates) Rate(_ context.Context, fiat currency.Fiat, token string) (Rate, error) {
	f.calls++
	if f.err != nil {
		return Rate{}, f.err
	}
	return Rate{Fiat: fiat, Token: token, Value: f.value, FetchedAt: f.clock.Now().Add(-f.age)}, nil
}

type fakeRegistrar struct {
	mu    sync.Mutex
	n     int
	uri   string
	err   error
	calls []RegisterRequest
}

func (f *fakeRegistrar) Register(_ context.Context, req RegisterRequest) (*Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	f.n++
	return &Registration{ID: "inv_" + string(rune('a'+f.n-1)), PaymentURI: f.uri}, nil
}

type recordingListener struct {
	mu      sync.Mutex
	changes []*Invoice
}

func (l *recordingListener) InvoiceChanged(_ context.Context, inv *Invoice) {
	l.mu.Lock()
	l.changes = append(l.changes, inv)
	l.mu.Unlock()
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) Create(context.Context, *Invoice) error {
	return errors.New("connection reset")
}

type fixture struct {
	svc       *Service
	store     *MemoryStore
	trail     *audit.Trail
	rates     *fakeRates
	registrar *fakeRegistrar
	clock     *testClock
}

func newFixture() *fixture {
	clock := newTestClock()
	store := NewMemoryStore()
	trail := audit.NewTrail(audit.NewMemoryEventStore(), logging.Discard()).WithClock(clock.Now)
	rates := &fakeRates{clock: clock, value: decimal.NewFromInt(1)}
	reg := &fakeRegistrar{}
	svc := NewService(store, currency.New(), rates, reg, trail, Config{
		MerchantAddresses: map[currency.Network]string{currency.NetworkSolana: testMerchant},
	}, logging.Discard()).WithClock(clock.Now)
	return &fixture{svc: svc, store: store, trail: trail, rates: rates, registrar: reg, clock: clock}
}

func (f *fixture) events(id string) []*audit.Event {
	events, _ := f.trail.Events(context.Background(), id)
	return events
}

func usd(amount string, method string) CreateRequest {
	return CreateRequest{
		BirdID:        "bird-42",
		AmountFiat:    decimal.RequireFromString(amount),
		FiatCurrency:  "USD",
		PaymentMethod: method,
	}
}
