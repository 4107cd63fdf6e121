package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/kirky-x/crawlrs/internal/store"
)

// NewApp builds the Fiber app and mounts every route in spec.md 6,
// following the teacher's cmd/server/main.go app-construction and
// setupRoutes grouping (v1 group, per-resource subgroups).
func NewApp(stores store.Stores) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "crawlrs",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${error}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "UTC",
	}))
	app.Use(cors.New(cors.Config{
		AllowHeaders: "Origin, Content-Type, Accept, X-Team-Id",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	h := NewHandlers(stores)
	SetupRoutes(app, h)
	return app
}

// SetupRoutes mounts the handlers onto app, split out from NewApp so
// tests can build their own fiber.App (with custom middleware, or none)
// and still register the same route table.
func SetupRoutes(app *fiber.App, h *Handlers) {
	app.Get("/health", h.Health)

	v1 := app.Group("/v1")

	v1.Post("/scrape", h.CreateScrape)
	v1.Get("/scrape/:id", h.GetScrape)

	v1.Post("/crawl", h.CreateCrawl)
	v1.Get("/crawl/:id", h.GetCrawl)
	v1.Get("/crawl/:id/results", h.GetCrawlResults)
	v1.Delete("/crawl/:id", h.CancelCrawl)

	v1.Post("/search", h.Search)
	v1.Post("/webhooks", h.CreateWebhook)

	v2 := app.Group("/v2")
	v2.Post("/tasks/query", h.QueryTasks)
	v2.Delete("/tasks/cancel", h.CancelTasks)
}
