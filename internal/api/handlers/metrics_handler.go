package handlers

import (
	"net/http"

	"example.com/receiptops/internal/metrics"

	"github.com/gin-gonic/gin"
)

// MetricsHandler serves the in-process pipeline counters and step timers
type MetricsHandler struct {
	metrics *metrics.Metrics
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(collector *metrics.Metrics) *MetricsHandler {
	return &MetricsHandler{metrics: collector}
}

// RegisterRoutes registers the metrics routes
func (h *MetricsHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", h.getMetrics)
}

func (h *MetricsHandler) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}
