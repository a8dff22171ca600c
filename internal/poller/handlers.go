package poller

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/birdhaven/donations/internal/invoice"
	"github.com/birdhaven/donations/internal/payerr"
)

// Handler exposes polling control over HTTP.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new polling handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up polling routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/invoices/:id/polling", h.StartPolling)
	r.DELETE("/invoices/:id/polling", h.StopPolling)
	r.POST("/invoices/:id/check", h.ForceCheck)
	r.GET("/polling", h.ListActive)
}

// StartPolling handles POST /v1/invoices/:id/polling
func (h *Handler) StartPolling(c *gin.Context) {
	id := c.Param("id")
	_, started, err := h.manager.Start(c.Request.Context(), id)
	if err != nil {
		invoice.WriteError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"invoiceId": id,
		"polling":   true,
		"started":   started,
	})
}

// StopPolling handles DELETE /v1/invoices/:id/polling
func (h *Handler) StopPolling(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"invoiceId": id,
		"stopped":   h.manager.Stop(id),
	})
}

// ForceCheck handles POST /v1/invoices/:id/check
// A transient backend failure or a closed payment window still returns the
// stored invoice; only errors that need the user to act fail the request.
func (h *Handler) ForceCheck(c *gin.Context) {
	inv, err := h.manager.ForceCheck(c.Request.Context(), c.Param("id"))
	if err != nil && (inv == nil || !answerable(err)) {
		invoice.WriteError(c, err)
		return
	}

	resp := gin.H{
		"invoice": inv,
		"status":  StatusOf(inv),
		"kind":    KindOf(inv, err),
	}
	if err != nil {
		resp["checkError"] = err.Error()
	}
	if errors.Is(err, payerr.ErrTransientNetwork) {
		resp["retryable"] = true
	}
	c.JSON(http.StatusOK, resp)
}

// ListActive handles GET /v1/polling
func (h *Handler) ListActive(c *gin.Context) {
	ids := h.manager.Active()
	c.JSON(http.StatusOK, gin.H{"invoiceIds": ids, "count": len(ids)})
}

func answerable(err error) bool {
	return payerr.IsRetryable(err) || errors.Is(err, payerr.ErrExpiredInvoice)
}
