package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/estate/services/searchsync/config"
	"example.com/estate/services/searchsync/internal/api/handlers"
	"example.com/estate/services/searchsync/internal/metrics"
	"example.com/estate/services/searchsync/internal/tracing"
)

// Server is the worker's admin HTTP surface: health, metrics and sync status lookup
type Server struct {
	config     config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates the admin server
func NewServer(cfg config.Config, collector *metrics.Metrics, tracer tracing.Tracer, checks map[string]handlers.HealthCheck, status handlers.SyncStatusReader) *Server {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), requestMetrics(collector))
	if app := tracer.Application(); app != nil {
		router.Use(nrgin.Middleware(app))
	}

	handlers.NewMetricsHandler(collector, tracer, checks).RegisterRoutes(router)
	handlers.NewSyncStatusHandler(status).RegisterRoutes(router)

	return &Server{
		config: cfg.Server,
		router: router,
		httpServer: &http.Server{
			Addr:    cfg.Server.Address,
			Handler: router,
		},
	}
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Address).Msg("Starting admin HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down admin HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}
	return nil
}
