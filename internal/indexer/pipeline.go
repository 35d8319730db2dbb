// Package indexer schedules and runs indexing: it plans the delta between a
// source tree and the manifest and pushes changed files through chunking,
// relationship resolution, annotation, embedding and persistence.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dpolishuk/codegraph/internal/annotate"
	"github.com/dpolishuk/codegraph/internal/chunker"
	"github.com/dpolishuk/codegraph/internal/git"
	"github.com/dpolishuk/codegraph/internal/manifest"
	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/internal/persistence"
	"github.com/dpolishuk/codegraph/internal/relations"
)

// Embedder produces one vector per text. The embedding cache implements it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Concurrency int
}

type ExecuteOptions struct {
	Concurrency int
	// RemoveStale deletes removed files and entities that vanished from
	// re-chunked files.
	RemoveStale bool
}

type Pipeline struct {
	walker   *manifest.Walker
	chunkers *chunker.Registry
	resolver *relations.Resolver
	facts    *annotate.Chain
	embedder Embedder
	coord    *persistence.Coordinator
	manifest manifest.Store
	git      *git.GitService
	opts     Options
	logger   *slog.Logger

	gens    *generations
	rootsMu sync.RWMutex
	roots   map[string]string
}

// Deps groups the collaborators of a Pipeline.
type Deps struct {
	Walker      *manifest.Walker
	Chunkers    *chunker.Registry
	Resolver    *relations.Resolver
	Facts       *annotate.Chain
	Embedder    Embedder
	Coordinator *persistence.Coordinator
	Manifest    manifest.Store
	Git         *git.GitService
}

func NewPipeline(deps Deps, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if deps.Git == nil {
		deps.Git = git.NewGitService("", logger)
	}
	if deps.Facts == nil {
		deps.Facts = annotate.Default(logger)
	}
	return &Pipeline{
		walker:   deps.Walker,
		chunkers: deps.Chunkers,
		resolver: deps.Resolver,
		facts:    deps.Facts,
		embedder: deps.Embedder,
		coord:    deps.Coordinator,
		manifest: deps.Manifest,
		git:      deps.Git,
		opts:     opts,
		logger:   logger,
		gens:     newGenerations(),
		roots:    make(map[string]string),
	}
}

// IndexFile indexes a single file if its content changed since it was last
// indexed.
func (p *Pipeline) IndexFile(ctx context.Context, filePath, contextName string) (*BatchReport, error) {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", filePath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", filePath)
	}

	root := p.rootFor(ctx, contextName, abs)
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return nil, err
	}
	plan, err := p.PlanFiles(ctx, contextName, root, []string{filepath.ToSlash(rel)})
	if err != nil {
		return nil, err
	}
	return p.Execute(ctx, plan, ExecuteOptions{})
}

// IndexDirectory indexes new and changed files below root. Files missing
// from disk are left alone; Reindex with removeStale deletes them.
func (p *Pipeline) IndexDirectory(ctx context.Context, root, contextName string, recursive bool) (*BatchReport, error) {
	plan, err := p.Plan(ctx, contextName, root)
	if err != nil {
		return nil, err
	}
	plan.Removed = nil
	if !recursive {
		plan.Added = topLevel(plan.Added)
		plan.Modified = topLevel(plan.Modified)
	}
	return p.Execute(ctx, plan, ExecuteOptions{})
}

// IndexRepository clones or updates a remote repository and indexes it.
func (p *Pipeline) IndexRepository(ctx context.Context, url, branch, contextName string) (*BatchReport, error) {
	repoPath, err := p.git.Clone(ctx, url, branch)
	if err != nil {
		return nil, err
	}
	if commit, err := p.git.CurrentCommit(ctx, repoPath); err == nil {
		p.logger.Info("indexing repository", "context", contextName, "url", url, "commit", commit)
	}
	return p.Reindex(ctx, contextName, repoPath, true)
}

// Reindex brings the context in line with the tree at root.
func (p *Pipeline) Reindex(ctx context.Context, contextName, root string, removeStale bool) (*BatchReport, error) {
	plan, err := p.Plan(ctx, contextName, root)
	if err != nil {
		return nil, err
	}
	return p.Execute(ctx, plan, ExecuteOptions{RemoveStale: removeStale})
}

// Supersede marks every plan holding filePath as outdated. Their results
// for that file are discarded.
func (p *Pipeline) Supersede(contextName, filePath string) uint64 {
	return p.gens.bump(contextName, filePath)
}

type chunked struct {
	file    models.SourceFile
	content []byte
	result  *chunker.Result
}

// Execute applies a plan. Files are chunked with a bounded pool, resolved
// together so cross-file edges are found, then embedded and persisted with
// the same pool.
func (p *Pipeline) Execute(ctx context.Context, plan *Plan, opts ExecuteOptions) (*BatchReport, error) {
	start := time.Now()
	if opts.Concurrency < 1 {
		opts.Concurrency = p.opts.Concurrency
	}
	report := &BatchReport{Context: plan.Context, Unchanged: plan.Unchanged}
	for _, s := range plan.Skipped {
		report.Skipped = append(report.Skipped, FileFailure{Path: s.Path, Error: s.Err.Error(), err: s.Err})
	}
	var mu sync.Mutex

	files := plan.files()
	results := make([]*chunked, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, f := range files {
		g.Go(func() error {
			c, err := p.chunk(gctx, plan.Root, f)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.logger.Warn("failed to chunk file", "context", plan.Context, "path", f.Path, "error", err)
				mu.Lock()
				report.fail(f.Path, err)
				mu.Unlock()
				return nil
			}
			results[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var batch []relations.File
	for _, c := range results {
		if c != nil {
			batch = append(batch, relations.File{Path: c.file.Path, Result: c.result})
		}
	}
	resolution, err := p.resolver.Resolve(ctx, plan.Context, batch)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, f := range batch {
			report.fail(f.Path, &models.StoreWriteFailure{Store: models.StoreGraph, Path: f.Path, Err: err})
		}
		results = nil
	} else {
		report.WeakReferences = resolution.Weak
	}

	var written []models.CodeEntity
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, c := range results {
		if c == nil {
			continue
		}
		g.Go(func() error {
			entry, err := p.persist(gctx, plan, c, resolution.Edges[c.file.Path], opts.RemoveStale)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, errSuperseded):
				p.logger.Debug("discarding superseded file", "context", plan.Context, "path", c.file.Path)
				report.Stale++
				return nil
			case errors.Is(err, errApplied):
				report.Unchanged++
				return nil
			case err != nil:
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.logger.Warn("failed to index file", "context", plan.Context, "path", c.file.Path, "error", err)
				report.fail(c.file.Path, err)
				return nil
			}
			report.Indexed++
			report.Entities += len(c.result.Entities)
			report.Relationships += len(resolution.Edges[c.file.Path])
			if entry.EmbeddingPending {
				report.EmbeddingPending++
			}
			written = append(written, c.result.Entities...)
			return nil
		})
	}
	if opts.RemoveStale {
		for _, e := range plan.Removed {
			g.Go(func() error {
				removed, err := p.remove(gctx, plan, e)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case errors.Is(err, errSuperseded):
					report.Stale++
					return nil
				case err != nil:
					if gctx.Err() != nil {
						return gctx.Err()
					}
					p.logger.Warn("failed to remove file", "context", plan.Context, "path", e.FilePath, "error", err)
					report.fail(e.FilePath, err)
					return nil
				}
				if removed {
					report.Removed++
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Files of one batch are written concurrently, so an edge to a sibling
	// written later is stored weak. One pass over everything written
	// promotes those edges.
	if len(written) > 0 {
		if _, err := p.coord.Promote(ctx, plan.Context, written); err != nil {
			p.logger.Warn("failed to promote weak references", "context", plan.Context, "error", err)
		}
	}

	report.Duration = time.Since(start)
	recordBatch(ctx, report)
	p.logger.Info("index batch complete",
		"context", plan.Context,
		"indexed", report.Indexed,
		"unchanged", report.Unchanged,
		"removed", report.Removed,
		"failed", len(report.Failures),
		"stale", report.Stale,
		"embedding_pending", report.EmbeddingPending,
		"duration", report.Duration)
	return report, nil
}

// chunk reads the file as it is now. If it changed since planning, the new
// content and hash are used.
func (p *Pipeline) chunk(ctx context.Context, root string, f models.SourceFile) (*chunked, error) {
	abs := f.AbsPath
	if abs == "" {
		abs = filepath.Join(root, filepath.FromSlash(f.Path))
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if hash := manifest.HashBytes(content); hash != f.ContentHash {
		p.logger.Debug("file changed since planning", "path", f.Path)
		f.ContentHash = hash
		f.Size = int64(len(content))
	}

	res, err := p.chunkers.Chunk(ctx, chunker.Source{
		Context:     f.Context,
		Path:        f.Path,
		Language:    f.Language,
		Content:     content,
		ContentHash: f.ContentHash,
	})
	if err != nil {
		return nil, err
	}
	return &chunked{file: f, content: content, result: res}, nil
}

var (
	errSuperseded = errors.New("superseded by a newer change")
	errApplied    = errors.New("content already indexed")
)

// persist embeds and writes one file. The write holds the file's lock and
// is skipped when a newer change superseded the plan or when the manifest
// already records this content.
func (p *Pipeline) persist(ctx context.Context, plan *Plan, c *chunked, edges []models.Relationship, removeStale bool) (*models.ManifestEntry, error) {
	if p.stale(plan, c.file.Path) {
		return nil, errSuperseded
	}
	if _, err := p.current(ctx, plan.Context, c.file); err != nil {
		return nil, err
	}

	entities := c.result.Entities
	p.facts.Apply(entities, c.content)
	b := persistence.FileBatch{
		Context:       plan.Context,
		File:          c.file,
		Entities:      entities,
		Relationships: edges,
		RemoveStale:   removeStale,
	}
	b.Vectors, b.EmbedErr = p.embed(ctx, entities)
	if b.EmbedErr != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	unlock := p.gens.lock(plan.Context, c.file.Path)
	defer unlock()
	if p.stale(plan, c.file.Path) {
		return nil, errSuperseded
	}
	prev, err := p.current(ctx, plan.Context, c.file)
	if err != nil {
		return nil, err
	}
	b.Previous = prev
	return p.coord.ApplyFile(ctx, b)
}

// current returns the manifest entry of f, nil when there is none, or
// errApplied when it already records f's content.
func (p *Pipeline) current(ctx context.Context, contextName string, f models.SourceFile) (*models.ManifestEntry, error) {
	entry, err := p.manifest.Get(ctx, contextName, f.Path)
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("read manifest: %w", err)
	case entry.ContentHash == f.ContentHash && !entry.EmbeddingPending && !entry.Orphaned:
		return entry, errApplied
	}
	return entry, nil
}

// remove deletes a file that vanished from disk, unless a newer change
// superseded the plan. It reports false when the file is already gone.
func (p *Pipeline) remove(ctx context.Context, plan *Plan, e models.ManifestEntry) (bool, error) {
	unlock := p.gens.lock(plan.Context, e.FilePath)
	defer unlock()
	if p.stale(plan, e.FilePath) {
		return false, errSuperseded
	}
	entry, err := p.manifest.Get(ctx, plan.Context, e.FilePath)
	if errors.Is(err, manifest.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read manifest: %w", err)
	}
	return true, p.coord.RemoveFile(ctx, *entry)
}

func (p *Pipeline) stale(plan *Plan, filePath string) bool {
	return p.gens.current(plan.Context, filePath) != plan.generations[filePath]
}

func (p *Pipeline) embed(ctx context.Context, entities []models.CodeEntity) (map[string][]float32, error) {
	if p.embedder == nil {
		return nil, models.ErrEmbeddingUnavailable
	}
	var (
		ids   []string
		texts []string
	)
	for _, e := range entities {
		if e.EmbedText != "" {
			ids = append(ids, e.ID)
			texts = append(texts, e.EmbedText)
		}
	}
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		if !errors.Is(err, models.ErrEmbeddingUnavailable) {
			err = fmt.Errorf("%w: %v", models.ErrEmbeddingUnavailable, err)
		}
		return nil, err
	}
	out := make(map[string][]float32, len(ids))
	for i, id := range ids {
		out[id] = vecs[i]
	}
	return out, nil
}

// rootFor picks the directory file paths of a context are relative to: the
// root it was last planned with, else the enclosing git work tree, else the
// file's directory.
func (p *Pipeline) rootFor(ctx context.Context, contextName, absFile string) string {
	p.rootsMu.RLock()
	root, ok := p.roots[contextName]
	p.rootsMu.RUnlock()
	if ok && within(root, absFile) {
		return root
	}
	if top, err := p.git.TopLevel(ctx, filepath.Dir(absFile)); err == nil {
		if resolved, err := filepath.EvalSymlinks(absFile); err == nil && within(top, resolved) {
			return top
		}
	}
	return filepath.Dir(absFile)
}

func (p *Pipeline) rememberRoot(contextName, absRoot string) {
	p.rootsMu.Lock()
	defer p.rootsMu.Unlock()
	p.roots[contextName] = absRoot
}

func within(root, file string) bool {
	rel, err := filepath.Rel(root, file)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func topLevel(files []models.SourceFile) []models.SourceFile {
	var out []models.SourceFile
	for _, f := range files {
		if !strings.Contains(f.Path, "/") {
			out = append(out, f)
		}
	}
	return out
}

func absDir(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", manifest.ErrInvalidRoot, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", manifest.ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", manifest.ErrInvalidRoot, root)
	}
	return abs, nil
}
