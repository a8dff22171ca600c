package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/birdhaven/donations/internal/invoice"
	"github.com/birdhaven/donations/internal/logging"
	"github.com/birdhaven/donations/internal/payerr"
	"github.com/birdhaven/donations/internal/paymentsapi"
	"github.com/birdhaven/donations/internal/poller"
)

func testHub() *Hub {
	return NewHub(logging.Discard())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventStatusChanged, InvoiceID: "inv_1", Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_InvoiceFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{InvoiceIDs: []string{"inv_1"}}}

	if !h.shouldSend(client, &Event{Type: EventStatusChanged, InvoiceID: "inv_1"}) {
		t.Error("Should receive events for a subscribed invoice")
	}
	if h.shouldSend(client, &Event{Type: EventStatusChanged, InvoiceID: "inv_2"}) {
		t.Error("Should NOT receive events for other invoices")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{
		InvoiceIDs: []string{"inv_1"},
		EventTypes: []EventType{EventStatusChanged},
	}}

	if !h.shouldSend(client, &Event{Type: EventStatusChanged, InvoiceID: "inv_1"}) {
		t.Error("Should receive status_changed events")
	}
	if h.shouldSend(client, &Event{Type: EventInvoiceUpdated, InvoiceID: "inv_1"}) {
		t.Error("Should NOT receive invoice_updated events")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	if h.shouldSend(client, &Event{Type: EventStatusChanged, InvoiceID: "inv_1"}) {
		t.Error("Empty subscription should receive nothing")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{AllEvents: true}}

	h.register <- client
	h.unregister <- client
	time.Sleep(20 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}
}

func TestHub_ListenerEventsReachSubscriber(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{InvoiceIDs: []string{"inv_1"}}}
	h.register <- client

	h.OnStatusChange(ctx, poller.Transition{
		InvoiceID: "inv_1",
		From:      paymentsapi.StatusPending,
		To:        paymentsapi.StatusConfirming,
		At:        time.Now(),
	})
	h.OnCheckError(ctx, "inv_1", payerr.ErrAuth)
	h.InvoiceChanged(ctx, &invoice.Invoice{ID: "inv_2", Status: invoice.StatusConfirmed})

	want := []EventType{EventStatusChanged, EventCheckError}
	for _, typ := range want {
		select {
		case msg := <-client.send:
			var ev struct {
				Type      EventType      `json:"type"`
				InvoiceID string         `json:"invoiceId"`
				Data      map[string]any `json:"data"`
			}
			if err := json.Unmarshal(msg, &ev); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if ev.Type != typ || ev.InvoiceID != "inv_1" {
				t.Errorf("got %s for %s, want %s for inv_1", ev.Type, ev.InvoiceID, typ)
			}
			if typ == EventCheckError && ev.Data["kind"] != string(payerr.KindActionRequired) {
				t.Errorf("check_error kind = %v", ev.Data["kind"])
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", typ)
		}
	}

	select {
	case msg := <-client.send:
		t.Errorf("unexpected message for unsubscribed invoice: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?invoiceId=inv_9"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.OnCheckError(ctx, "inv_9", errors.Join(payerr.ErrTransientNetwork, errors.New("timeout")))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"check_error"`) || !strings.Contains(string(msg), `"waiting"`) {
		t.Errorf("unexpected message: %s", msg)
	}
}

func httpHandler(h *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWebSocket)
	return mux
}
