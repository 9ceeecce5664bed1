package api

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acme/outbound-call-dispatch/internal/api/handlers"
	"github.com/acme/outbound-call-dispatch/internal/service/buffer"
	"github.com/acme/outbound-call-dispatch/pkg/logger"
)

// BufferStatsFunc reports the dispatcher's pending buffer.
type BufferStatsFunc func() buffer.Stats

// OpsServer serves health, Prometheus and buffer endpoints for worker processes.
type OpsServer struct {
	app  *fiber.App
	port int
}

// NewOpsServer builds the ops listener. stats may be nil for processes without a buffer.
func NewOpsServer(port int, checks map[string]handlers.HealthCheck, gatherer prometheus.Gatherer, stats BufferStatsFunc, log *logger.Logger) *OpsServer {
	app := fiber.New(fiber.Config{
		ErrorHandler:          handlers.ErrorHandler(log),
		DisableStartupMessage: true,
	})

	app.Get("/healthz", handlers.HealthHandler(checks))
	app.Get("/internal/metrics", handlers.PrometheusHandler(gatherer))
	if stats != nil {
		app.Get("/internal/buffer", func(ctx *fiber.Ctx) error {
			return ctx.JSON(stats())
		})
	}

	return &OpsServer{app: app, port: port}
}

// App exposes the underlying fiber application.
func (s *OpsServer) App() *fiber.App {
	return s.app
}

// Start serves until ctx is cancelled.
func (s *OpsServer) Start(ctx context.Context) error {
	return serve(ctx, s.app, s.port)
}
