package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/app"
	campaignsvc "github.com/acme/campaign-dispatch/internal/service/campaign"
	"github.com/acme/campaign-dispatch/pkg/logger"
)

// HealthCheck checks one backing dependency.
type HealthCheck func(ctx context.Context) error

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	campaigns *campaignsvc.Service
	checks    map[string]HealthCheck
	logger    *logger.Logger
}

// NewHandlerSet creates the handler bundle from the container.
func NewHandlerSet(container *app.Container) *HandlerSet {
	checks := map[string]HealthCheck{
		"database": container.Database.Ping,
	}
	if container.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return container.Redis.Inner().Ping(ctx).Err()
		}
	}
	if container.Scylla != nil {
		checks["scylla"] = func(ctx context.Context) error {
			return container.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
		}
	}
	return New(container.Services().Campaign, container.Logger.Named("api"), checks)
}

// New creates a handler bundle from explicit collaborators.
func New(campaigns *campaignsvc.Service, lg *logger.Logger, checks map[string]HealthCheck) *HandlerSet {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &HandlerSet{campaigns: campaigns, checks: checks, logger: lg}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/", h.listCampaigns)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Put("/:id", h.updateCampaign)
	campaigns.Post("/:id/start", h.startCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/resume", h.resumeCampaign)
	campaigns.Post("/:id/complete", h.completeCampaign)
	campaigns.Put("/:id/concurrency", h.setConcurrency)
	campaigns.Get("/:id/stats", h.campaignStats)
	campaigns.Post("/:id/contacts", h.enrollContacts)
	campaigns.Get("/:id/entries", h.listEntries)

	entries := v1.Group("/entries")
	entries.Get("/:id", h.getEntry)
	entries.Post("/:id/reset", h.resetEntry)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.logger.WithContext(ctx.UserContext()).Error("request failed",
			zap.String("method", ctx.Method()),
			zap.String("path", ctx.Path()),
			zap.Error(err),
		)
		message = "internal error"
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.checks {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	label := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		label = "degraded"
	}
	return ctx.Status(status).JSON(fiber.Map{"status": label, "errors": errs})
}
