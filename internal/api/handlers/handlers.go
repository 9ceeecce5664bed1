package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	callsvc "github.com/acme/outbound-call-dispatch/internal/service/call"
	callbacksvc "github.com/acme/outbound-call-dispatch/internal/service/callback"
	"github.com/acme/outbound-call-dispatch/pkg/logger"
)

// HealthCheck pings one dependency.
type HealthCheck = func(ctx context.Context) error

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	calls     *callsvc.Service
	callbacks *callbacksvc.Service
	checks    map[string]HealthCheck
	gatherer  prometheus.Gatherer
	log       *logger.Logger
}

// NewHandlerSet creates a new handler bundle. gatherer may be nil to skip
// the Prometheus endpoint.
func NewHandlerSet(
	calls *callsvc.Service,
	callbacks *callbacksvc.Service,
	checks map[string]HealthCheck,
	gatherer prometheus.Gatherer,
	log *logger.Logger,
) *HandlerSet {
	if log == nil {
		log = logger.NewNop()
	}
	return &HandlerSet{
		calls:     calls,
		callbacks: callbacks,
		checks:    checks,
		gatherer:  gatherer,
		log:       log.Named("http"),
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)
	if h.gatherer != nil {
		app.Get("/internal/metrics", PrometheusHandler(h.gatherer))
	}

	v1 := app.Group("/api/v1")

	calls := v1.Group("/calls")
	calls.Post("/", h.createCall)
	calls.Get("/", h.listCalls)
	calls.Get("/:id", h.getCall)
	calls.Patch("/:id", h.updateCall)
	calls.Get("/:id/events", h.listCallEvents)

	v1.Get("/metrics", h.callMetrics)
	v1.Post("/callbacks/call-status", h.callStatus)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	return ErrorHandler(h.log)(ctx, err)
}

// ErrorHandler builds a fiber error handler that logs server errors.
func ErrorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(ctx *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := err.Error()

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			code = fiberErr.Code
			message = fiberErr.Message
		}

		if code >= fiber.StatusInternalServerError {
			log.WithContext(ctx.UserContext()).Error("request failed",
				zap.String("method", ctx.Method()),
				zap.String("path", ctx.Path()),
				zap.Error(err),
			)
			if code == fiber.StatusInternalServerError {
				message = "internal server error"
			}
		}

		body := fiber.Map{"error": message}
		if sc := trace.SpanContextFromContext(ctx.UserContext()); sc.HasTraceID() {
			body["traceId"] = sc.TraceID().String()
		}
		return ctx.Status(code).JSON(body)
	}
}

// PrometheusHandler serves the gatherer in the Prometheus text format.
func PrometheusHandler(gatherer prometheus.Gatherer) fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// HealthHandler reports the result of every check.
func HealthHandler(checks map[string]HealthCheck) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
		defer cancel()

		errs := make(map[string]string)
		for name, check := range checks {
			if err := check(healthCtx); err != nil {
				errs[name] = err.Error()
			}
		}

		status := fiber.StatusOK
		state := "ok"
		if len(errs) > 0 {
			status = fiber.StatusServiceUnavailable
			state = "degraded"
		}
		return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
	}
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	return HealthHandler(h.checks)(ctx)
}
