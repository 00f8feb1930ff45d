package handlers

import (
	"net/http"

	"flowcrm/internal/metrics"
	"flowcrm/internal/services"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse is the uniform success envelope for operations without a
// body.
type SuccessResponse struct {
	Message string `json:"message"`
}

type HealthHandler struct{}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HealthHandler) Ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// NotificationWSHandler exposes the realtime notification hub.
type NotificationWSHandler struct {
	hub *services.NotificationHub
}

func NewNotificationWSHandler(hub *services.NotificationHub) *NotificationWSHandler {
	return &NotificationWSHandler{hub: hub}
}

func (h *NotificationWSHandler) HandleWebSocket(c *gin.Context) {
	h.hub.HandleWebSocket(c)
}

func (h *NotificationWSHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"connected_clients": h.hub.ClientCount()})
}

// MetricsHandler exposes the in-process counter snapshots.
type MetricsHandler struct{}

func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{}
}

func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	enqueued, dropped, byStatus := metrics.AutomationSnapshot()
	rlTotal, rlByPrefix := metrics.RateLimitSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"automation": gin.H{
			"events_enqueued":      enqueued,
			"events_dropped":       dropped,
			"executions_by_status": byStatus,
		},
		"rate_limit": gin.H{
			"total":     rlTotal,
			"by_prefix": rlByPrefix,
		},
	})
}
