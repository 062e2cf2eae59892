package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-assessment-api/internal/config"
	"github.com/noah-isme/gema-assessment-api/internal/handler"
	"github.com/noah-isme/gema-assessment-api/internal/middleware"
	"github.com/noah-isme/gema-assessment-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	AssessmentHandler *handler.AssessmentHandler
	AttemptHandler    *handler.AttemptHandler
	SessionHandler    *handler.SessionHandler
	FileHandler       *handler.FileHandler
	JWTMiddleware     fiber.Handler
	HealthChecks      []handler.DependencyCheck
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthChecks...))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	// Submissions and uploads are limited per caller. Load defaults the limit
	// to 10 per window; a limit of 0 turns it off.
	var submitLimiter, uploadLimiter fiber.Handler
	if cfg.SubmitRateLimit > 0 {
		submitLimiter = middleware.RateLimit("submit", cfg.SubmitRateLimit, cfg.SubmitRateWindow)
		uploadLimiter = middleware.RateLimit("upload", cfg.SubmitRateLimit, cfg.SubmitRateWindow)
	}

	protected := api.Group("", jwtMiddleware)

	if deps.AssessmentHandler != nil {
		deps.AssessmentHandler.Register(protected)
	}

	if deps.SessionHandler != nil {
		deps.SessionHandler.Register(protected)

		ws := app.Group("/ws", jwtMiddleware, middleware.RequireRole(middleware.AuthRoleStudent))
		deps.SessionHandler.RegisterWebsocket(ws)
	}

	if deps.AttemptHandler != nil {
		deps.AttemptHandler.Register(protected.Group("/attempts"), submitLimiter)
	}

	if deps.FileHandler != nil {
		deps.FileHandler.Register(protected.Group("/files"), uploadLimiter)
	}
}
