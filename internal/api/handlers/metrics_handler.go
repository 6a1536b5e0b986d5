package handlers

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/estate/services/searchsync/internal/metrics"
	"example.com/estate/services/searchsync/internal/tracing"
)

const healthTimeout = 2 * time.Second

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// MetricsHandler serves /metrics and /health
type MetricsHandler struct {
	metrics *metrics.Metrics
	tracer  tracing.Tracer
	checks  map[string]HealthCheck
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(collector *metrics.Metrics, tracer tracing.Tracer, checks map[string]HealthCheck) *MetricsHandler {
	return &MetricsHandler{
		metrics: collector,
		tracer:  tracer,
		checks:  checks,
	}
}

// HandleGetMetrics returns all metrics
func (h *MetricsHandler) HandleGetMetrics(c *gin.Context) {
	txn := h.tracer.StartTransaction("get-metrics")
	defer h.tracer.EndTransaction(txn)

	h.metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))

	c.JSON(http.StatusOK, h.metrics.GetAllMetrics())
}

// HandleGetHealthCheck probes every dependency and reports 503 if any is down
func (h *MetricsHandler) HandleGetHealthCheck(c *gin.Context) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	details := make(map[string]string, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		err := h.checks[name](ctx)
		cancel()

		h.metrics.SetHealth(name, err == nil)
		if err != nil {
			healthy = false
			details[name] = err.Error()
			continue
		}
		details[name] = "ok"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":  healthy,
		"details": details,
	})
}

// RegisterRoutes registers the handler's routes
func (h *MetricsHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", h.HandleGetMetrics)
	router.GET("/health", h.HandleGetHealthCheck)
}
