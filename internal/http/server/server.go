package server

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/redis/go-redis/v9"

	"pdfexport/internal/config"
	"pdfexport/internal/http/handlers"
	"pdfexport/internal/http/middleware"
	"pdfexport/internal/infra/logging"
	"pdfexport/internal/web"
)

// Deps are the external dependencies the HTTP layer needs.
type Deps struct {
	Config config.Config
	Redis  *redis.Client
}

// New creates and configures the Fiber app instance.
func New(d Deps) *fiber.App {
	cfg := d.Config

	app := fiber.New(fiber.Config{
		Prefork:               cfg.Server.Prefork,
		DisableStartupMessage: true,
		// Multipart bodies carry the upload plus field overhead.
		BodyLimit: int(cfg.Upload.MaxUploadBytes) + 1024*1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			msg := "Internal Server Error"

			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				msg = e.Message
			}

			logging.Warn("Request failed", "path", c.Path(), "status", code, "message", msg)

			return c.Status(code).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    code,
					"message": msg,
				},
			})
		},
	})

	middleware.Register(app, cfg)
	registerRoutes(app, cfg, d.Redis)

	// Ensure all responses, including 404s, return JSON
	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	})

	return app
}

// registerRoutes mounts the UI and all route handlers to the app.
func registerRoutes(app *fiber.App, cfg config.Config, rdb *redis.Client) {
	app.Get("/", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/html; charset=utf-8")
		return c.Send(web.IndexHTML)
	})

	v1 := app.Group("/v1")

	// One shared service instance so all /v1 routes share the same Chrome pool.
	svc := handlers.NewExportService(cfg, rdb)

	v1.Post("/export", svc.HandleExport)
	v1.Get("/papers", svc.HandlePapers)
	v1.Get("/chrome/stats", svc.HandleChromeStats)

	v1.Get("/monitor", monitor.New())
}
