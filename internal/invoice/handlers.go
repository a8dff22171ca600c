package invoice

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/birdhaven/donations/internal/audit"
	"github.com/birdhaven/donations/internal/currency"
	"github.com/birdhaven/donations/internal/fees"
	"github.com/birdhaven/donations/internal/payerr"
)

// EventReader reads an invoice's audit trail.
type EventReader interface {
	Events(ctx context.Context, invoiceID string) ([]*audit.Event, error)
}

// Handler provides HTTP endpoints for invoices, payment methods and fee quotes.
type Handler struct {
	service *Service
	events  EventReader
}

// NewHandler creates a new invoice handler.
func NewHandler(service *Service, events EventReader) *Handler {
	return &Handler{service: service, events: events}
}

// RegisterRoutes sets up invoice routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payment-methods", h.ListPaymentMethods)
	r.POST("/fees/quote", h.QuoteFee)
	r.POST("/invoices", h.CreateInvoice)
	r.GET("/invoices/:id", h.GetInvoice)
	r.GET("/invoices/:id/events", h.ListEvents)
	r.POST("/invoices/:id/cancel", h.CancelInvoice)
	r.GET("/birds/:birdId/invoices", h.ListBirdInvoices)
}

// ListPaymentMethods handles GET /v1/payment-methods
// ?all=true includes deprecated methods for historical display.
func (h *Handler) ListPaymentMethods(c *gin.Context) {
	reg := h.service.Registry()
	methods := reg.EnabledPaymentMethods()
	if c.Query("all") == "true" {
		methods = reg.AllPaymentMethods()
	}

	type methodView struct {
		currency.MethodInfo
		Enabled bool `json:"enabled"`
	}
	out := make([]methodView, 0, len(methods))
	for _, m := range methods {
		out = append(out, methodView{MethodInfo: m, Enabled: reg.Enabled(m.Method)})
	}

	c.JSON(http.StatusOK, gin.H{
		"methods":       out,
		"recommended":   reg.RecommendedMethod(),
		"configVersion": reg.Version(),
	})
}

type quoteRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	CoverFee bool            `json:"coverFee"`
}

// QuoteFee handles POST /v1/fees/quote
func (h *Handler) QuoteFee(c *gin.Context) {
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !req.Amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount must be greater than zero",
		})
		return
	}

	b, err := fees.Default(req.Amount, req.CoverFee)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": b})
}

// CreateInvoice handles POST /v1/invoices
func (h *Handler) CreateInvoice(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	inv, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invoice": inv})
}

// GetInvoice handles GET /v1/invoices/:id
func (h *Handler) GetInvoice(c *gin.Context) {
	inv, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": h.service.View(inv)})
}

// ListEvents handles GET /v1/invoices/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	id := c.Param("id")
	inv, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		WriteError(c, err)
		return
	}

	events, err := h.events.Events(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load events",
		})
		return
	}

	resp := gin.H{"events": events, "consistent": true}
	if err := audit.ValidateSequence(events); err != nil {
		resp["consistent"] = false
		resp["problem"] = err.Error()
	}
	if err := VerifyPaymentURI(inv, h.service.TokenMint(inv)); err != nil {
		resp["paymentUriMismatch"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

type cancelRequest struct {
	Detail string `json:"detail"`
}

// CancelInvoice handles POST /v1/invoices/:id/cancel
func (h *Handler) CancelInvoice(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	inv, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.Detail)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

// ListBirdInvoices handles GET /v1/birds/:birdId/invoices
func (h *Handler) ListBirdInvoices(c *gin.Context) {
	limit := DefaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	page, err := h.service.ListByBird(c.Request.Context(), c.Param("birdId"), c.Query("cursor"), limit)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"invoices":   h.service.Views(page.Invoices),
		"count":      len(page.Invoices),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// WriteError maps lifecycle errors onto HTTP responses. "kind" tells the UI
// whether to keep waiting, ask the user to act, or show the window as closed.
func WriteError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrInvoiceNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvoiceFinalized):
		status, code = http.StatusConflict, "invoice_finalized"
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, payerr.ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, payerr.ErrAuth):
		status, code = http.StatusUnauthorized, "auth_error"
	case errors.Is(err, payerr.ErrRateUnavailable):
		status, code = http.StatusServiceUnavailable, "rate_unavailable"
	case errors.Is(err, payerr.ErrTransientNetwork):
		status, code = http.StatusServiceUnavailable, "backend_unavailable"
	case errors.Is(err, ErrMerchantNotConfigured):
		status, code = http.StatusServiceUnavailable, "merchant_not_configured"
	}

	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
		"kind":    payerr.Classify(err),
	})
}
