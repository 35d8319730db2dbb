package api

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/dpolishuk/codegraph/internal/app"
	"github.com/dpolishuk/codegraph/internal/indexer"
	"github.com/dpolishuk/codegraph/internal/manifest"
	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/internal/search"
)

type Handler struct {
	app      *app.App
	validate *validator.Validate
}

func NewHandler(a *app.App) *Handler {
	return &Handler{app: a, validate: validator.New()}
}

// Health reports the reachability of every store.
func (h *Handler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	stores := fiber.Map{}
	for name, err := range h.app.Health(ctx) {
		if err != nil {
			status = "degraded"
			stores[name] = err.Error()
			continue
		}
		stores[name] = "ok"
	}
	code := fiber.StatusOK
	if status != "ok" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":  status,
		"service": "codegraph",
		"stores":  stores,
	})
}

// IndexFile indexes a single file.
func (h *Handler) IndexFile(c fiber.Ctx) error {
	var input models.IndexFileInput
	if ok, err := h.bind(c, &input); !ok {
		return err
	}
	report, err := h.app.Pipeline.IndexFile(c.Context(), input.Path, input.Context)
	return h.report(c, report, err)
}

// IndexDirectory indexes a directory, or a remote repository after cloning it.
func (h *Handler) IndexDirectory(c fiber.Ctx) error {
	var input models.IndexDirectoryInput
	if ok, err := h.bind(c, &input); !ok {
		return err
	}
	if input.RepoURL != "" {
		report, err := h.app.Pipeline.IndexRepository(c.Context(), input.RepoURL, input.Branch, input.Context)
		return h.report(c, report, err)
	}
	recursive := input.Recursive == nil || *input.Recursive
	report, err := h.app.Pipeline.IndexDirectory(c.Context(), input.Path, input.Context, recursive)
	return h.report(c, report, err)
}

// Reindex brings a context in line with the files below a root.
func (h *Handler) Reindex(c fiber.Ctx) error {
	var input models.ReindexInput
	if ok, err := h.bind(c, &input); !ok {
		return err
	}
	report, err := h.app.Pipeline.Reindex(c.Context(), input.Context, input.Path, input.RemoveStale)
	return h.report(c, report, err)
}

// Search runs a hybrid query. GET reads the query string, POST the body.
func (h *Handler) Search(c fiber.Ctx) error {
	var req models.SearchRequest
	var err error
	if c.Method() == fiber.MethodGet {
		err = c.Bind().Query(&req)
	} else {
		err = c.Bind().Body(&req)
	}
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}

	resp, err := h.app.Engine.Search(c.Context(), req)
	if err != nil {
		return c.Status(statusOf(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(resp)
}

// ListContexts summarizes every context with manifest entries.
func (h *Handler) ListContexts(c fiber.Ctx) error {
	contexts, err := h.app.Manifest.Contexts(c.Context())
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	summaries := make([]models.ContextSummary, 0, len(contexts))
	for _, name := range contexts {
		entries, err := h.app.Manifest.List(c.Context(), name)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		summaries = append(summaries, models.Summarize(name, entries))
	}
	return c.JSON(summaries)
}

// GetManifest returns the manifest entries of a context.
func (h *Handler) GetManifest(c fiber.Ctx) error {
	entries, err := h.app.Manifest.List(c.Context(), c.Params("context"))
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	if entries == nil {
		entries = []models.ManifestEntry{}
	}
	return c.JSON(entries)
}

// GetStats returns entity and edge counts of a context.
func (h *Handler) GetStats(c fiber.Ctx) error {
	stats, err := h.app.Stats(c.Context(), c.Params("context"))
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	if stats == nil {
		return c.Status(501).JSON(fiber.Map{"error": "graph store does not report statistics"})
	}
	return c.JSON(stats)
}

// Sweep retries deletion of orphaned files.
func (h *Handler) Sweep(c fiber.Ctx) error {
	report, err := h.app.Coordinator.Sweep(c.Context(), c.Params("context"))
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(report)
}

// Repair re-embeds entities of embedding-pending files.
func (h *Handler) Repair(c fiber.Ctx) error {
	report, err := h.app.Coordinator.RepairEmbeddings(c.Context(), c.Params("context"))
	if err != nil {
		return c.Status(statusOf(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(report)
}

// bind decodes and validates the body into out. When it reports false the
// error response has already been written.
func (h *Handler) bind(c fiber.Ctx, out any) (bool, error) {
	if err := c.Bind().Body(out); err != nil {
		return false, c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := h.validate.Struct(out); err != nil {
		return false, c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}
	return true, nil
}

// report answers with the batch report. Per-file failures are part of a
// successful response; only batch-level errors change the status.
func (h *Handler) report(c fiber.Ctx, report *indexer.BatchReport, err error) error {
	if err != nil {
		return c.Status(statusOf(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(report)
}

func statusOf(err error) int {
	var timeout *models.QueryTimeout
	switch {
	case errors.Is(err, search.ErrInvalidRequest), errors.Is(err, manifest.ErrInvalidRoot):
		return fiber.StatusBadRequest
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, models.ErrEmbeddingUnavailable):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
