package realtime

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the WebSocket endpoint and hub stats.
func (h *Hub) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", func(c *gin.Context) {
		h.HandleWebSocket(c.Writer, c.Request)
	})
	r.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, h.Stats())
	})
}
