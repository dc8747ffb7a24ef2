package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/spec-kit/order-relay/internal/api/http/handlers"
	"github.com/spec-kit/order-relay/internal/auth"
	"github.com/spec-kit/order-relay/internal/observability"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Notifications  *handlers.NotificationsHandler
	AuthMiddleware *auth.AuthMiddleware
	Metrics        *observability.Metrics
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics.Handler()))

	inbox := app.Group("/notifications", cfg.AuthMiddleware.Handle)
	inbox.Get("/", cfg.Notifications.List)
	inbox.Get("/unread-count", cfg.Notifications.UnreadCount)
	inbox.Put("/read-all", cfg.Notifications.MarkAllRead)
	inbox.Put("/:id/read", cfg.Notifications.MarkRead)
}
