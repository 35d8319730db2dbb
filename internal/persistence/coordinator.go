// Package persistence applies one file's chunking result to the graph store,
// the vector store and the manifest, and reconciles deletions across them.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dpolishuk/codegraph/internal/manifest"
	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/internal/store"
)

// Embedder is the part of the embedding cache the coordinator needs for
// repairs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	// DeleteRetries is the number of attempts per store before a deletion is
	// left to the orphan sweep.
	DeleteRetries int
	RetryDelay    time.Duration
}

type Coordinator struct {
	graph    store.GraphStore
	vectors  store.VectorStore
	manifest manifest.Store
	embedder Embedder
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

func NewCoordinator(graph store.GraphStore, vectors store.VectorStore, m manifest.Store, embedder Embedder, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DeleteRetries < 1 {
		opts.DeleteRetries = 1
	}
	return &Coordinator{
		graph:    graph,
		vectors:  vectors,
		manifest: m,
		embedder: embedder,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// FileBatch is everything known about one file after chunking, resolution
// and embedding.
type FileBatch struct {
	Context       string
	File          models.SourceFile
	Entities      []models.CodeEntity
	Relationships []models.Relationship
	// Vectors maps entity ids to embeddings. Entities with embed text but no
	// vector leave the file embedding-pending.
	Vectors map[string][]float32
	// EmbedErr is the reason embeddings are missing, if any.
	EmbedErr    error
	Previous    *models.ManifestEntry
	RemoveStale bool
}

// ApplyFile writes the batch graph-first, then vectors, then records the
// manifest entry. A graph failure leaves the manifest untouched. A vector
// failure only marks the entry embedding-pending.
func (c *Coordinator) ApplyFile(ctx context.Context, b FileBatch) (*models.ManifestEntry, error) {
	log := c.logger.With("context", b.Context, "path", b.File.Path)
	now := c.now().UTC()

	ids := make([]string, 0, len(b.Entities))
	for i := range b.Entities {
		b.Entities[i].LastIndexedAt = now
		ids = append(ids, b.Entities[i].ID)
	}

	if err := c.graph.UpsertNodes(ctx, b.Entities); err != nil {
		return nil, &models.StoreWriteFailure{Store: models.StoreGraph, Path: b.File.Path, Err: err}
	}
	if err := c.graph.UpsertEdges(ctx, b.Context, ids, b.Relationships); err != nil {
		return nil, &models.StoreWriteFailure{Store: models.StoreGraph, Path: b.File.Path, Err: err}
	}
	entityIDs := ids
	if stale := staleIDs(b.Previous, ids); len(stale) > 0 {
		if b.RemoveStale {
			if pending := c.deleteEverywhere(ctx, b.Context, stale); len(pending) > 0 {
				log.Warn("stale entities not fully removed", "count", len(stale), "stores", pending)
				entityIDs = append(entityIDs, stale...)
			}
		} else {
			// still in the stores, so the manifest must keep owning them
			entityIDs = append(entityIDs, stale...)
		}
	}

	if _, err := c.Promote(ctx, b.Context, b.Entities); err != nil {
		log.Warn("failed to promote weak references", "error", err)
	}

	pending := b.EmbedErr != nil
	points := make([]store.VectorPoint, 0, len(b.Entities))
	for _, e := range b.Entities {
		if e.EmbedText == "" {
			continue
		}
		vec, ok := b.Vectors[e.ID]
		if !ok {
			pending = true
			continue
		}
		points = append(points, store.VectorPoint{ID: e.ID, Vector: vec, Entity: e})
	}
	if len(points) > 0 {
		if err := c.vectors.UpsertPoints(ctx, points); err != nil {
			pending = true
			log.Warn("vector write failed, embedding pending",
				"error", &models.StoreWriteFailure{Store: models.StoreVector, Path: b.File.Path, Err: err})
		}
	}
	if b.EmbedErr != nil {
		log.Warn("embeddings unavailable, indexed structurally", "error", b.EmbedErr)
	}

	sort.Strings(entityIDs)
	entry := models.ManifestEntry{
		Context:          b.Context,
		FilePath:         b.File.Path,
		ContentHash:      b.File.ContentHash,
		LastIndexedAt:    now,
		EntityIDs:        dedupe(entityIDs),
		EmbeddingPending: pending,
	}
	if err := c.manifest.Upsert(ctx, entry); err != nil {
		return nil, fmt.Errorf("record manifest entry for %s: %w", b.File.Path, err)
	}
	return &entry, nil
}

// Promote turns weak edges waiting for one of entities into hard edges.
func (c *Coordinator) Promote(ctx context.Context, contextName string, entities []models.CodeEntity) (int, error) {
	n, err := c.graph.PromoteWeakRefs(ctx, contextName, entities)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Debug("promoted weak references", "context", contextName, "count", n)
	}
	return n, nil
}

// RemoveFile purges an entry's entities from both stores. The manifest
// entry is only deleted once every store has confirmed; otherwise it is kept
// as an orphan naming the stores that still hold data.
func (c *Coordinator) RemoveFile(ctx context.Context, entry models.ManifestEntry) error {
	stores := []string{models.StoreGraph, models.StoreVector}
	if entry.Orphaned && len(entry.OrphanStores) > 0 {
		stores = entry.OrphanStores
	}

	var (
		pending []string
		errs    []error
	)
	for _, name := range stores {
		if err := c.deleteFrom(ctx, name, entry.Context, entry.EntityIDs); err != nil {
			pending = append(pending, name)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if len(pending) == 0 {
		if err := c.manifest.Delete(ctx, entry.Context, entry.FilePath); err != nil {
			return fmt.Errorf("delete manifest entry for %s: %w", entry.FilePath, err)
		}
		return nil
	}

	entry.Orphaned = true
	entry.OrphanStores = pending
	if err := c.manifest.Upsert(ctx, entry); err != nil {
		errs = append(errs, fmt.Errorf("mark orphan: %w", err))
	}
	c.logger.Warn("deletion left orphaned entry",
		"context", entry.Context, "path", entry.FilePath, "stores", pending)
	return &models.PartialDeletionFailure{Path: entry.FilePath, Pending: pending, Errs: errs}
}

type SweepReport struct {
	Cleared int      `json:"cleared"`
	Pending []string `json:"pending,omitempty"`
}

// Sweep retries deletion of every orphaned entry of a context.
func (c *Coordinator) Sweep(ctx context.Context, contextName string) (SweepReport, error) {
	var report SweepReport
	entries, err := c.manifest.List(ctx, contextName)
	if err != nil {
		return report, fmt.Errorf("list manifest: %w", err)
	}
	for _, e := range entries {
		if !e.Orphaned {
			continue
		}
		if err := c.RemoveFile(ctx, e); err != nil {
			var partial *models.PartialDeletionFailure
			if !errors.As(err, &partial) {
				return report, err
			}
			report.Pending = append(report.Pending, e.FilePath)
			continue
		}
		report.Cleared++
	}
	return report, nil
}

type RepairReport struct {
	Repaired int      `json:"repaired"`
	Pending  []string `json:"pending,omitempty"`
}

// RepairEmbeddings re-embeds the entities of embedding-pending entries from
// the embed text stored with their graph nodes. Files are not re-parsed.
func (c *Coordinator) RepairEmbeddings(ctx context.Context, contextName string) (RepairReport, error) {
	var report RepairReport
	if c.embedder == nil {
		return report, errors.New("no embedder configured")
	}
	entries, err := c.manifest.List(ctx, contextName)
	if err != nil {
		return report, fmt.Errorf("list manifest: %w", err)
	}
	for _, e := range entries {
		if !e.EmbeddingPending || e.Orphaned {
			continue
		}
		if err := c.repairEntry(ctx, e); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			c.logger.Warn("embedding repair failed", "context", contextName, "path", e.FilePath, "error", err)
			report.Pending = append(report.Pending, e.FilePath)
			continue
		}
		report.Repaired++
	}
	return report, nil
}

func (c *Coordinator) repairEntry(ctx context.Context, e models.ManifestEntry) error {
	entities, err := c.graph.GetByIds(ctx, e.Context, e.EntityIDs)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	var (
		texts   []string
		targets []models.CodeEntity
	)
	for _, ent := range entities {
		if ent.EmbedText != "" {
			texts = append(texts, ent.EmbedText)
			targets = append(targets, ent)
		}
	}
	if len(texts) > 0 {
		vecs, err := c.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		points := make([]store.VectorPoint, len(targets))
		for i, ent := range targets {
			points[i] = store.VectorPoint{ID: ent.ID, Vector: vecs[i], Entity: ent}
		}
		if err := c.vectors.UpsertPoints(ctx, points); err != nil {
			return &models.StoreWriteFailure{Store: models.StoreVector, Path: e.FilePath, Err: err}
		}
	}
	e.EmbeddingPending = false
	return c.manifest.Upsert(ctx, e)
}

// deleteEverywhere deletes ids from both stores and returns the stores that
// did not confirm.
func (c *Coordinator) deleteEverywhere(ctx context.Context, contextName string, ids []string) []string {
	var pending []string
	for _, name := range []string{models.StoreGraph, models.StoreVector} {
		if err := c.deleteFrom(ctx, name, contextName, ids); err != nil {
			pending = append(pending, name)
		}
	}
	return pending
}

func (c *Coordinator) deleteFrom(ctx context.Context, name, contextName string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	op := func() error {
		if name == models.StoreGraph {
			return c.graph.DeleteByIds(ctx, contextName, ids)
		}
		return c.vectors.DeleteByIds(ctx, contextName, ids)
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.RetryDelay), uint64(c.opts.DeleteRetries-1))
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func staleIDs(prev *models.ManifestEntry, current []string) []string {
	if prev == nil {
		return nil
	}
	keep := make(map[string]bool, len(current))
	for _, id := range current {
		keep[id] = true
	}
	var stale []string
	for _, id := range prev.EntityIDs {
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	return stale
}

// dedupe drops adjacent duplicates from a sorted slice.
func dedupe(ids []string) []string {
	out := ids[:0]
	for _, id := range ids {
		if len(out) > 0 && out[len(out)-1] == id {
			continue
		}
		out = append(out, id)
	}
	return out
}
