// Package deeplink reconciles invoices when the app is re-opened through a
// return URL, typically after a PayPal checkout or a wallet hand-off.
//
// The status carried in the URL is only a hint. Every recognized link
// triggers a fresh status check and the verified status is what gets
// reported. Links that do not match a known route, or carry no invoice id,
// are logged and ignored because deep links can come from unrelated sources.
package deeplink

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"github.com/birdhaven/donations/internal/invoice"
	"github.com/birdhaven/donations/internal/metrics"
	"github.com/birdhaven/donations/internal/payerr"
	"github.com/birdhaven/donations/internal/paymentsapi"
	"github.com/birdhaven/donations/internal/poller"
)

// Hint is what a return URL claims happened.
type Hint string

const (
	HintNone      Hint = ""
	HintSuccess   Hint = "success"
	HintCancelled Hint = "cancelled"
)

// Route maps a (scheme, host, path) tuple to a recognized callback.
type Route struct {
	Name   string
	Scheme string
	Host   string
	Path   string
	// Hint derives the claimed outcome from the query; nil means none.
	Hint func(q url.Values) Hint
}

func fixed(h Hint) func(url.Values) Hint {
	return func(url.Values) Hint { return h }
}

func fromStatusParam(q url.Values) Hint {
	switch strings.ToLower(q.Get("status")) {
	case "success", "succeeded", "completed", "approved":
		return HintSuccess
	case "cancel", "cancelled", "canceled":
		return HintCancelled
	}
	return HintNone
}

// DefaultRoutes lists the return URLs the app registers with providers.
var DefaultRoutes = []Route{
	{Name: "paypal_success", Scheme: "birdhaven", Host: "payments", Path: "/paypal/success", Hint: fixed(HintSuccess)},
	{Name: "paypal_cancel", Scheme: "birdhaven", Host: "payments", Path: "/paypal/cancel", Hint: fixed(HintCancelled)},
	{Name: "crypto_return", Scheme: "birdhaven", Host: "payments", Path: "/crypto/return"},
	{Name: "web_return", Scheme: "https", Host: "app.birdhaven.org", Path: "/payments/return", Hint: fromStatusParam},
}

// idParams are the query keys that may carry the invoice id, in order.
var idParams = []string{"invoiceId", "invoice_id", "id"}

// Reconciler runs a fresh status check for an invoice.
type Reconciler interface {
	ForceCheck(ctx context.Context, invoiceID string) (*invoice.Invoice, error)
}

// Result is a reconciled deep link.
type Result struct {
	Route      string             `json:"route"`
	InvoiceID  string             `json:"invoiceId"`
	Hint       Hint               `json:"hint,omitempty"`
	Status     paymentsapi.Status `json:"status,omitempty"`
	Invoice    *invoice.Invoice   `json:"invoice,omitempty"`
	Kind       payerr.Kind        `json:"kind"`
	CheckError string             `json:"checkError,omitempty"`
	// HintMismatch is set when the verified status contradicts the hint.
	HintMismatch bool `json:"hintMismatch,omitempty"`
}

// Handler resolves return URLs.
type Handler struct {
	routes     []Route
	reconciler Reconciler
	logger     *slog.Logger
}

// New creates a handler over routes. A nil routes slice uses DefaultRoutes.
func New(reconciler Reconciler, logger *slog.Logger, routes ...Route) *Handler {
	if len(routes) == 0 {
		routes = DefaultRoutes
	}
	return &Handler{routes: routes, reconciler: reconciler, logger: logger}
}

// Match finds the route for raw and extracts the invoice id and hint. ok is
// false for unparseable or unrecognized links.
func (h *Handler) Match(raw string) (route Route, invoiceID string, hint Hint, ok bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" {
		return Route{}, "", HintNone, false
	}
	path := "/" + strings.Trim(u.Path, "/")
	q := u.Query()

	for _, r := range h.routes {
		if !strings.EqualFold(u.Scheme, r.Scheme) || !strings.EqualFold(u.Host, r.Host) || path != r.Path {
			continue
		}
		for _, key := range idParams {
			if v := strings.TrimSpace(q.Get(key)); v != "" {
				invoiceID = v
				break
			}
		}
		if invoiceID == "" {
			return r, "", HintNone, false
		}
		if r.Hint != nil {
			hint = r.Hint(q)
		}
		return r, invoiceID, hint, true
	}
	return Route{}, "", HintNone, false
}

// HandleReturn reconciles the invoice named by raw. It returns false when the
// link was ignored.
func (h *Handler) HandleReturn(ctx context.Context, raw string) (*Result, bool) {
	route, id, hint, ok := h.Match(raw)
	if !ok {
		name := route.Name
		if name == "" {
			name = "unknown"
		}
		metrics.DeepLinksTotal.WithLabelValues(name, "ignored").Inc()
		h.logger.Info("ignoring deep link", "route", name, "url", redact(raw))
		return nil, false
	}

	inv, err := h.reconciler.ForceCheck(ctx, id)
	if inv == nil {
		if errors.Is(err, invoice.ErrInvoiceNotFound) || err == nil {
			metrics.DeepLinksTotal.WithLabelValues(route.Name, "ignored").Inc()
			h.logger.Info("ignoring deep link for unknown invoice", "route", route.Name, "invoice_id", id)
			return nil, false
		}
	}

	res := &Result{
		Route:     route.Name,
		InvoiceID: id,
		Hint:      hint,
		Invoice:   inv,
		Kind:      poller.KindOf(inv, err),
	}
	if inv != nil {
		res.Status = poller.StatusOf(inv)
		res.HintMismatch = contradicts(hint, res.Status)
	}
	outcome := "verified"
	if err != nil && !errors.Is(err, payerr.ErrExpiredInvoice) {
		outcome = "check_failed"
		res.CheckError = err.Error()
		h.logger.Warn("deep link status check failed", "route", route.Name, "invoice_id", id, "error", err)
	}
	if res.HintMismatch {
		h.logger.Info("deep link hint differs from verified status",
			"route", route.Name, "invoice_id", id, "hint", hint, "status", res.Status)
	}
	metrics.DeepLinksTotal.WithLabelValues(route.Name, outcome).Inc()
	return res, true
}

func contradicts(hint Hint, status paymentsapi.Status) bool {
	switch hint {
	case HintSuccess:
		return status == paymentsapi.StatusFailed || status == paymentsapi.StatusCancelled ||
			status == paymentsapi.StatusExpired
	case HintCancelled:
		return status == paymentsapi.StatusConfirmed || status == paymentsapi.StatusCompleted
	}
	return false
}

// redact drops the query string, which may carry provider tokens.
func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
