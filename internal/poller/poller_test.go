package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdhaven/donations/internal/audit"
	"github.com/birdhaven/donations/internal/invoice"
	"github.com/birdhaven/donations/internal/payerr"
	"github.com/birdhaven/donations/internal/paymentsapi"
)

func TestPoller_PendingThreeTimesChangesNothing(t *testing.T) {
	f := newFixture()
	inv := f.createInvoice(t)
	checker := &scriptedChecker{steps: []step{reply(paymentsapi.StatusPending)}}
	p := f.poller(inv.ID, checker, time.Hour)

	for i := 0; i < 3; i++ {
		_, finished, err := p.check(context.Background())
		require.NoError(t, err)
		assert.False(t, finished)
	}

	assert.Empty(t, f.listener.Transitions())
	assert.Equal(t, []audit.EventType{audit.EventInvoiceCreated}, f.eventTypes(inv.ID))
	assert.Equal(t, invoice.StatusPendingPayment, f.get(t, inv.ID).Status)
	assert.False(t, p.stopped())
}

func TestPoller_DetectedThenConfirmed(t *testing.T) {
	f := newFixture()
	inv := f.createInvoice(t)
	checker := &scriptedChecker{steps: []step{
		reply(paymentsapi.StatusPending),
		{res: &paymentsapi.CheckResult{Status: paymentsapi.StatusConfirming, TransactionHash: "0xabc"}},
		{res: &paymentsapi.CheckResult{Status: paymentsapi.StatusConfirmed, Confirmations: 1, RequiredConfirmations: 1}},
		reply(paymentsapi.StatusCompleted),
	}}
	p := f.poller(inv.ID, checker, 5*time.Millisecond)

	p.Start(context.Background())
	waitDone(t, p)

	assert.Equal(t, 3, checker.Calls(), "polling must stop after the confirmed response")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, checker.Calls())

	transitions := f.listener.Transitions()
	require.Len(t, transitions, 2)
	assert.Equal(t, paymentsapi.StatusPending, transitions[0].From)
	assert.Equal(t, paymentsapi.StatusConfirming, transitions[0].To)
	assert.Equal(t, paymentsapi.StatusConfirming, transitions[1].From)
	assert.Equal(t, paymentsapi.StatusConfirmed, transitions[1].To)

	assert.Equal(t, []audit.EventType{
		audit.EventInvoiceCreated,
		audit.EventPaymentDetected,
		audit.EventPaymentConfirmed,
	}, f.eventTypes(inv.ID))

	got := f.get(t, inv.ID)
	assert.Equal(t, invoice.StatusConfirmed, got.Status)
	assert.Equal(t, "0xabc", got.TransactionHash)
	assert.Equal(t, 1, got.Confirmations)
	assert.NotNil(t, got.ConfirmedAt)
	assert.NoError(t, p.Err())
}

func TestPoller_ExpiresWhilePending(t *testing.T) {
	f := newFixture()
	inv := f.createInvoice(t)
	checker := &scriptedChecker{steps: []step{reply(paymentsapi.StatusPending)}}
	p := f.poller(inv.ID, checker, time.Hour)

	_, finished, err := p.check(context.Background())
	require.NoError(t, err)
	require.False(t, finished)

	f.clock.Advance(31 * time.Minute)
	got, finished, err := p.check(context.Background())
	assert.ErrorIs(t, err, payerr.ErrExpiredInvoice)
	assert.Equal(t, payerr.KindClosed, payerr.Classify(err))
	assert.True(t, finished)
	assert.Equal(t, invoice.StatusExpired, got.Status)
	assert.True(t, p.stopped())
	assert.ErrorIs(t, p.Err(), payerr.ErrExpiredInvoice)

	errs := f.listener.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, payerr.KindClosed, payerr.Classify(errs[0]))

	types := f.eventTypes(inv.ID)
	assert.Equal(t, audit.EventExpired, types[len(types)-1])

	transitions := f.listener.Transitions()
	require.Len(t, transitions, 1)
	assert.Equal(t, paymentsapi.StatusExpired, transitions[0].To)

	// A stopped poller issues no further checks.
	p.Start(context.Background())
	waitDone(t, p)
	assert.Equal(t, 2, checker.Calls())
}

func TestPoller_ExpiresDuringBackendOutage(t *testing.T) {
	f := newFixture()
	inv := f.createInvoice(t)
	checker := &scriptedChecker{steps: []step{transient()}}
	p := f.poller(inv.ID, checker, time.Hour)

	f.clock.Advance(31 * time.Minute)
	got, finished, err := p.check(context.Background())
	assert.ErrorIs(t, err, payerr.ErrTransientNetwork)
	assert.ErrorIs(t, err, payerr.ErrExpiredInvoice)
	assert.Equal(t, payerr.KindClosed, payerr.Classify(err))
	assert.True(t, finished)
	assert.Equal(t, invoice.StatusExpired, got.Status)
	assert.Equal(t, payerr.KindClosed, KindOf(got, err))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		status invoice.Status
		err    error
		want   payerr.Kind
	}{
		{invoice.StatusPendingPayment, nil, payerr.KindWaiting},
		{invoice.StatusConfirmed, nil, payerr.KindWaiting},
		{invoice.StatusExpired, nil, payerr.KindClosed},
		{invoice.StatusCancelled, nil, payerr.KindClosed},
		{invoice.StatusFailed, nil, payerr.KindClosed},
		{invoice.StatusExpired, payerr.ErrTransientNetwork, payerr.KindClosed},
		{invoice.StatusPendingPayment, payerr.ErrAuth, payerr.KindActionRequired},
	}
	for _, tt := range tests {
		got := KindOf(&invoice.Invoice{Status: tt.status}, tt.err)
		assert.Equal(t, tt.want, got, "%s / %v", tt.status, tt.err)
	}
	assert.Equal(t, payerr.KindWaiting, KindOf(nil, nil))
}

func TestPoller_TransientErrorsKeepPolling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture()
	inv := f.createInvoice(t)
	client := paymentsapi.NewClient(paymentsapi.Config{BaseURL: srv.URL}, paymentsapi.StaticToken("tok"))
	p := f.poller(inv.ID, client, time.Hour)

	for i := 0; i < 5; i++ {
		_, finished, err := p.check(context.Background())
		assert.ErrorIs(t, err, payerr.ErrTransientNetwork)
		assert.NotErrorIs(t, err, payerr.ErrAuth)
		assert.False(t, finished)
	}

	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, invoice.StatusPendingPayment, f.get(t, inv.ID).Status)
	assert.Empty(t, f.listener.Transitions())
	errs := f.listener.Errors()
	require.Len(t, errs, 5)
	for _, err := range errs {
		assert.Equal(t, payerr.KindWaiting, payerr.Classify(err))
	}
	assert.False(t, p.stopped())
	assert.NoError(t, p.Err())
}

func TestPoller_AuthErrorHalts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := newFixture()
	inv := f.createInvoice(t)
	client := paymentsapi.NewClient(paymentsapi.Config{BaseURL: srv.URL}, paymentsapi.StaticToken("tok"))
	p := f.poller(inv.ID, client, 5*time.Millisecond)

	p.Start(context.Background())
	waitDone(t, p)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())
	assert.ErrorIs(t, p.Err(), payerr.ErrAuth)
	assert.NotErrorIs(t, p.Err(), payerr.ErrTransientNetwork)
	errs := f.listener.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, payerr.KindActionRequired, payerr.Classify(errs[0]))
	assert.Equal(t, invoice.StatusPendingPayment, f.get(t, inv.ID).Status)
}

func TestPoller_StopIsIdempotent(t *testing.T) {
	f := newFixture()
	inv := f.createInvoice(t)
	checker := &scriptedChecker{steps: []step{reply(paymentsapi.StatusPending)}}
	p := f.poller(inv.ID, checker, 5*time.Millisecond)

	p.Start(context.Background())
	p.Start(context.Background())
	assert.Eventually(t, func() bool { return checker.Calls() >= 2 }, time.Second, time.Millisecond)

	p.Stop()
	p.Stop()
	waitDone(t, p)
	p.Stop()

	n := checker.Calls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, checker.Calls())
	assert.Empty(t, f.listener.Transitions())
}

func TestPoller_ConfirmationsNeverDecrease(t *testing.T) {
	f := newFixture()
	inv := f.createInvoice(t)
	confirming := func(n int) step {
		return step{res: &paymentsapi.CheckResult{Status: paymentsapi.StatusConfirming, Confirmations: n, TransactionHash: "5sig"}}
	}
	checker := &scriptedChecker{steps: []step{confirming(5), confirming(3), confirming(7)}}
	p := f.poller(inv.ID, checker, time.Hour)

	var seen []int
	for i := 0; i < 3; i++ {
		got, _, err := p.check(context.Background())
		require.NoError(t, err)
		seen = append(seen, got.Confirmations)
	}

	assert.Equal(t, []int{5, 5, 7}, seen)
	assert.Len(t, f.listener.Transitions(), 1, "confirmation changes alone never fire a transition")
}

func TestPoller_IgnoresStatusRegression(t *testing.T) {
	f := newFixture()
	inv := f.createInvoice(t)
	checker := &scriptedChecker{steps: []step{
		reply(paymentsapi.StatusConfirming),
		reply(paymentsapi.StatusPending),
	}}
	p := f.poller(inv.ID, checker, time.Hour)

	_, _, err := p.check(context.Background())
	require.NoError(t, err)
	_, finished, err := p.check(context.Background())
	require.NoError(t, err)
	assert.False(t, finished)

	assert.Equal(t, invoice.StatusProcessing, f.get(t, inv.ID).Status)
	assert.Len(t, f.listener.Transitions(), 1)
}

func TestPoller_TerminalInvoiceCheckedOnce(t *testing.T) {
	f := newFixture()
	inv := f.createInvoice(t)
	_, err := f.svc.Cancel(context.Background(), inv.ID, "")
	require.NoError(t, err)

	checker := &scriptedChecker{steps: []step{reply(paymentsapi.StatusCancelled)}}
	p := f.poller(inv.ID, checker, 5*time.Millisecond)
	p.Start(context.Background())
	waitDone(t, p)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, checker.Calls())
	assert.Empty(t, f.listener.Transitions())
	assert.Equal(t, invoice.StatusCancelled, f.get(t, inv.ID).Status)
}

func TestPoller_CompletedRecordsFullSequence(t *testing.T) {
	f := newFixture()
	inv := f.createInvoice(t)
	checker := &scriptedChecker{steps: []step{
		{res: &paymentsapi.CheckResult{Status: paymentsapi.StatusCompleted, Confirmations: 1, TransactionHash: "5sig"}},
	}}
	p := f.poller(inv.ID, checker, time.Hour)

	got, finished, err := p.check(context.Background())
	require.NoError(t, err)
	assert.True(t, finished)
	assert.Equal(t, invoice.StatusConfirmed, got.Status)
	assert.NotNil(t, got.CompletedAt)

	events, err := f.trail.Events(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.NoError(t, audit.ValidateSequence(events))
	assert.Equal(t, []audit.EventType{
		audit.EventInvoiceCreated,
		audit.EventPaymentDetected,
		audit.EventPaymentConfirmed,
		audit.EventInvoiceIssued,
		audit.EventCompleted,
	}, f.eventTypes(inv.ID))
}

func TestPoller_BackendEscapeStatuses(t *testing.T) {
	tests := []struct {
		backend paymentsapi.Status
		want    invoice.Status
		event   audit.EventType
	}{
		{paymentsapi.StatusFailed, invoice.StatusFailed, audit.EventFailed},
		{paymentsapi.StatusCancelled, invoice.StatusCancelled, audit.EventFailed},
		{paymentsapi.StatusExpired, invoice.StatusExpired, audit.EventExpired},
	}
	for _, tt := range tests {
		t.Run(string(tt.backend), func(t *testing.T) {
			f := newFixture()
			inv := f.createInvoice(t)
			p := f.poller(inv.ID, &scriptedChecker{steps: []step{reply(tt.backend)}}, time.Hour)

			got, finished, err := p.check(context.Background())
			require.NoError(t, err)
			assert.True(t, finished)
			assert.Equal(t, tt.want, got.Status)

			types := f.eventTypes(inv.ID)
			assert.Equal(t, tt.event, types[len(types)-1])
			require.Len(t, f.listener.Transitions(), 1)
		})
	}
}

func TestPoller_HashWhilePendingIsDetectedOnce(t *testing.T) {
	f := newFixture()
	inv := f.createInvoice(t)
	checker := &scriptedChecker{steps: []step{
		{res: &paymentsapi.CheckResult{Status: paymentsapi.StatusPending, TransactionHash: "5sig"}},
	}}
	p := f.poller(inv.ID, checker, time.Hour)

	for i := 0; i < 2; i++ {
		_, _, err := p.check(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, []audit.EventType{audit.EventInvoiceCreated, audit.EventPaymentDetected}, f.eventTypes(inv.ID))
	assert.Empty(t, f.listener.Transitions())
}

func TestPoller_CheckDoesNotDisturbSchedule(t *testing.T) {
	f := newFixture()
	inv := f.createInvoice(t)
	checker := &scriptedChecker{steps: []step{reply(paymentsapi.StatusPending)}}
	p := f.poller(inv.ID, checker, time.Hour)

	p.Start(context.Background())
	assert.Eventually(t, func() bool { return checker.Calls() == 1 }, time.Second, time.Millisecond)

	_, err := p.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, checker.Calls())
	assert.False(t, p.stopped())

	p.Stop()
	waitDone(t, p)
}

func TestPoller_MissingInvoiceHalts(t *testing.T) {
	f := newFixture()
	checker := &scriptedChecker{steps: []step{reply(paymentsapi.StatusPending)}}
	p := f.poller("inv_missing", checker, time.Hour)

	_, finished, err := p.check(context.Background())
	assert.ErrorIs(t, err, invoice.ErrInvoiceNotFound)
	assert.True(t, finished)
	assert.ErrorIs(t, p.Err(), invoice.ErrInvoiceNotFound)
	assert.Equal(t, 0, checker.Calls())
}

func TestPoller_AuditOutageDoesNotBlockTransitions(t *testing.T) {
	f := newFixtureWithEvents(downEventStore{})
	confirmed := f.createInvoice(t)
	pending := f.createInvoice(t)

	checker := &scriptedChecker{steps: []step{
		{res: &paymentsapi.CheckResult{Status: paymentsapi.StatusConfirmed, TransactionHash: "5sig", Confirmations: 1}},
	}}
	got, err := f.poller(confirmed.ID, checker, time.Hour).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusConfirmed, got.Status)
	assert.Equal(t, invoice.StatusConfirmed, f.get(t, confirmed.ID).Status)

	f.clock.Advance(31 * time.Minute)
	stale := &scriptedChecker{steps: []step{reply(paymentsapi.StatusPending)}}
	got, err = f.poller(pending.ID, stale, time.Hour).Check(context.Background())
	assert.ErrorIs(t, err, payerr.ErrExpiredInvoice)
	assert.Equal(t, invoice.StatusExpired, got.Status)
	assert.Equal(t, invoice.StatusExpired, f.get(t, pending.ID).Status)

	transitions := f.listener.Transitions()
	require.Len(t, transitions, 2)
	assert.Equal(t, paymentsapi.StatusConfirmed, transitions[0].To)
	assert.Equal(t, paymentsapi.StatusExpired, transitions[1].To)

	// Created, detected, confirmed and expired events wait for the store.
	assert.GreaterOrEqual(t, f.trail.Pending(), 5)
}

func TestPoller_ConfirmedEventKeepsReportedCount(t *testing.T) {
	f := newFixture()
	inv := f.createInvoice(t)
	require.Positive(t, inv.RequiredConfirmations)

	checker := &scriptedChecker{steps: []step{
		{res: &paymentsapi.CheckResult{Status: paymentsapi.StatusConfirmed, TransactionHash: "5sig", Confirmations: 0}},
	}}
	got, err := f.poller(inv.ID, checker, time.Hour).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, inv.RequiredConfirmations, got.Confirmations)

	events, err := f.trail.Events(context.Background(), inv.ID)
	require.NoError(t, err)
	var confirmed *audit.Event
	for _, e := range events {
		if e.Type == audit.EventPaymentConfirmed {
			confirmed = e
		}
	}
	require.NotNil(t, confirmed)
	assert.EqualValues(t, inv.RequiredConfirmations, confirmed.Data["confirmations"])
	assert.EqualValues(t, 0, confirmed.Data["reportedConfirmations"])
}
