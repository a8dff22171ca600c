package deeplink

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type returnRequest struct {
	URL string `json:"url" binding:"required"`
}

// RegisterRoutes sets up deep-link routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/deeplinks", h.Return)
}

// Return handles POST /v1/deeplinks
// Ignored links answer 200 with handled=false; they are never user errors.
func (h *Handler) Return(c *gin.Context) {
	var req returnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url is required",
		})
		return
	}

	res, ok := h.HandleReturn(c.Request.Context(), req.URL)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"handled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"handled": true, "result": res})
}
