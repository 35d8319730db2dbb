package api

import (
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
)

// SetupRoutes mounts the API. metrics may be nil.
func SetupRoutes(app *fiber.App, h *Handler, metrics http.Handler) {
	app.Get("/health", h.Health)
	if metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metrics))
	}

	api := app.Group("/api")

	index := api.Group("/index")
	index.Post("/file", h.IndexFile)
	index.Post("/directory", h.IndexDirectory)
	api.Post("/reindex", h.Reindex)

	api.Get("/search", h.Search)
	api.Post("/search", h.Search)

	contexts := api.Group("/contexts")
	contexts.Get("/", h.ListContexts)
	contexts.Get("/:context/manifest", h.GetManifest)
	contexts.Get("/:context/stats", h.GetStats)
	contexts.Post("/:context/sweep", h.Sweep)
	contexts.Post("/:context/repair", h.Repair)
}
