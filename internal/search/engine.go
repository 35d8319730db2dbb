// Package search answers queries by fusing structural matches from the graph
// store with similarity matches from the vector store.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dpolishuk/codegraph/internal/config"
	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/internal/store"
)

var ErrInvalidRequest = errors.New("invalid search request")

var tracer = otel.Tracer("codegraph.search")

const (
	storeGraph  = "graph"
	storeVector = "vector"
)

// Embedder turns the query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Config struct {
	Weights              map[models.Strategy]Weights
	SubQueryTimeout      time.Duration
	QueryTimeout         time.Duration
	CandidatePool        int
	DefaultLimit         int
	MaxNeighborsPerHop   int
	MaxRelationshipDepth int
}

func DefaultConfig() Config {
	return Config{
		Weights:              DefaultWeights(),
		SubQueryTimeout:      2 * time.Second,
		QueryTimeout:         5 * time.Second,
		CandidatePool:        200,
		DefaultLimit:         20,
		MaxNeighborsPerHop:   10,
		MaxRelationshipDepth: 3,
	}
}

// FromConfig converts the search section of the application config.
func FromConfig(c config.SearchConfig) Config {
	return Config{
		Weights: map[models.Strategy]Weights{
			models.StrategyGraphFirst:    {Graph: c.GraphFirst.Graph, Semantic: c.GraphFirst.Semantic},
			models.StrategySemanticFirst: {Graph: c.SemanticFirst.Graph, Semantic: c.SemanticFirst.Semantic},
			models.StrategyHybrid:        {Graph: c.Hybrid.Graph, Semantic: c.Hybrid.Semantic},
		},
		SubQueryTimeout:      c.SubQueryTimeout,
		QueryTimeout:         c.QueryTimeout,
		CandidatePool:        c.CandidatePool,
		DefaultLimit:         c.DefaultLimit,
		MaxNeighborsPerHop:   c.MaxNeighborsPerHop,
		MaxRelationshipDepth: c.MaxRelationshipDepth,
	}
}

type Engine struct {
	graph    store.GraphStore
	vectors  store.VectorStore
	embedder Embedder
	cfg      Config
	validate *validator.Validate
	logger   *slog.Logger
}

func NewEngine(graph store.GraphStore, vectors store.VectorStore, embedder Embedder, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Weights == nil {
		cfg.Weights = def.Weights
	}
	if cfg.SubQueryTimeout <= 0 {
		cfg.SubQueryTimeout = def.SubQueryTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.CandidatePool <= 0 {
		cfg.CandidatePool = def.CandidatePool
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.MaxNeighborsPerHop <= 0 {
		cfg.MaxNeighborsPerHop = def.MaxNeighborsPerHop
	}
	if cfg.MaxRelationshipDepth <= 0 {
		cfg.MaxRelationshipDepth = def.MaxRelationshipDepth
	}
	return &Engine{
		graph:    graph,
		vectors:  vectors,
		embedder: embedder,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger,
	}
}

// Search classifies the query, gathers candidates from the stores the
// strategy calls for, fuses their scores and returns one ranked page.
// A store that fails or times out degrades the answer to the other store;
// only the failure of both is an error.
func (e *Engine) Search(ctx context.Context, req models.SearchRequest) (*models.SearchResponse, error) {
	start := time.Now()
	if err := e.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidRequest)
	}
	if req.Limit == 0 {
		req.Limit = e.cfg.DefaultLimit
	}

	a := Classify(req.Query)
	ctx, span := tracer.Start(ctx, "search.Search", trace.WithAttributes(
		attribute.String("context", req.Context),
		attribute.String("strategy", string(a.Strategy)),
		attribute.Int("limit", req.Limit),
		attribute.Int("offset", req.Offset),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	col, err := e.collect(ctx, req.Context, req.Query, a)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	w := e.cfg.Weights[a.Strategy]
	results := make([]models.RankedResult, 0, len(col.pool.order))
	for _, id := range col.pool.order {
		c := col.pool.m[id]
		r := models.RankedResult{Entity: c.entity, GraphScore: c.graph, SemanticScore: c.semantic}
		switch {
		case col.graphUp && col.vectorUp:
			r.Score = Fuse(w, c.graph, c.semantic)
		case col.graphUp:
			r.Score = c.graph
		default:
			r.Score = c.semantic
		}
		results = append(results, r)
	}

	page := Paginate(Rank(results, req.MinimumScore), req.Limit, req.Offset)
	degraded := !col.graphUp || !col.vectorUp

	if req.IncludeRelationships && len(page.Results) > 0 {
		if err := e.enrich(ctx, req.Context, req.RelationshipDepth, page.Results); err != nil {
			e.logger.Warn("relationship enrichment incomplete", "context", req.Context, "error", err)
			degraded = true
		}
	}

	resp := &models.SearchResponse{
		Results:  page.Results,
		Count:    len(page.Results),
		Total:    page.Total,
		HasMore:  page.HasMore,
		Degraded: degraded,
		Strategy: a.Strategy,
	}
	if resp.Results == nil {
		resp.Results = []models.RankedResult{}
	}

	elapsed := time.Since(start)
	recordQuery(ctx, a.Strategy, degraded, elapsed)
	span.SetAttributes(
		attribute.Int("total", resp.Total),
		attribute.Bool("degraded", degraded),
	)
	span.SetStatus(codes.Ok, "")
	e.logger.Debug("search complete",
		"context", req.Context,
		"strategy", a.Strategy,
		"total", resp.Total,
		"count", resp.Count,
		"degraded", degraded,
		"duration", elapsed)
	return resp, nil
}

type candidate struct {
	entity   models.CodeEntity
	graph    float64
	semantic float64
	inGraph  bool
	inVector bool
}

type candidates struct {
	m     map[string]*candidate
	order []string
}

func newCandidates() *candidates {
	return &candidates{m: make(map[string]*candidate)}
}

func (p *candidates) get(id string) *candidate {
	c, ok := p.m[id]
	if !ok {
		c = &candidate{}
		p.m[id] = c
		p.order = append(p.order, id)
	}
	return c
}

func (p *candidates) addGraph(hits []store.GraphMatch) {
	for _, h := range hits {
		c := p.get(h.Entity.ID)
		c.entity = h.Entity
		c.graph = h.Score
		c.inGraph = true
	}
}

func (p *candidates) addVector(hits []store.VectorMatch) {
	for _, h := range hits {
		c := p.get(h.ID)
		if !c.inGraph {
			c.entity = h.Entity
		}
		c.semantic = h.Score
		c.inVector = true
	}
}

func (p *candidates) missing(graph bool) []string {
	var ids []string
	for _, id := range p.order {
		c := p.m[id]
		if (graph && !c.inGraph) || (!graph && !c.inVector) {
			ids = append(ids, id)
		}
	}
	return ids
}

type collection struct {
	pool     *candidates
	graphUp  bool
	vectorUp bool
	errs     []error
}

func (c *collection) down(storeName string, err error) {
	if storeName == storeGraph {
		c.graphUp = false
	} else {
		c.vectorUp = false
	}
	c.errs = append(c.errs, err)
}

func (c *collection) failed() error {
	return fmt.Errorf("search failed on both stores: %w", errors.Join(c.errs...))
}

func (e *Engine) collect(ctx context.Context, contextName, query string, a Analysis) (*collection, error) {
	col := &collection{pool: newCandidates(), graphUp: true, vectorUp: true}
	primaryGraph := a.Strategy != models.StrategySemanticFirst
	primaryVector := a.Strategy != models.StrategyGraphFirst
	gq := store.GraphQuery{
		Context:   contextName,
		Terms:     a.Terms,
		Relations: a.Relations,
		Limit:     e.cfg.CandidatePool,
	}

	var (
		graphHits []store.GraphMatch
		graphErr  error
		vec       []float32
		vecHits   []store.VectorMatch
		vecErr    error
	)
	var g errgroup.Group
	if primaryGraph {
		g.Go(func() error {
			graphHits, graphErr = e.queryGraph(ctx, gq)
			return nil
		})
	}
	g.Go(func() error {
		vec, vecErr = e.embedQuery(ctx, query)
		if vecErr == nil && primaryVector {
			vecHits, vecErr = e.queryVectors(ctx, vec, store.VectorFilter{Context: contextName}, e.cfg.CandidatePool)
		}
		return nil
	})
	_ = g.Wait()

	if graphErr != nil {
		col.down(storeGraph, graphErr)
	}
	if vecErr != nil {
		col.down(storeVector, vecErr)
	}
	if !col.graphUp && !col.vectorUp {
		return nil, col.failed()
	}
	col.pool.addGraph(graphHits)
	col.pool.addVector(vecHits)

	// The primary store of a single-store strategy failed: answer from the
	// other store alone.
	switch {
	case primaryGraph && !primaryVector && !col.graphUp:
		hits, err := e.queryVectors(ctx, vec, store.VectorFilter{Context: contextName}, e.cfg.CandidatePool)
		if err != nil {
			col.down(storeVector, err)
			return nil, col.failed()
		}
		col.pool.addVector(hits)
		return col, nil
	case primaryVector && !primaryGraph && !col.vectorUp:
		hits, err := e.queryGraph(ctx, gq)
		if err != nil {
			col.down(storeGraph, err)
			return nil, col.failed()
		}
		col.pool.addGraph(hits)
		return col, nil
	case !col.graphUp || !col.vectorUp:
		return col, nil
	}

	// Both stores answered: score every candidate on the side that has not
	// seen it yet.
	var (
		fillGraph  []store.GraphMatch
		fillVector []store.VectorMatch
		fgErr      error
		fvErr      error
	)
	var fill errgroup.Group
	if ids := col.pool.missing(false); len(ids) > 0 {
		fill.Go(func() error {
			fillVector, fvErr = e.queryVectors(ctx, vec, store.VectorFilter{Context: contextName, IDs: ids}, len(ids))
			return nil
		})
	}
	if ids := col.pool.missing(true); len(ids) > 0 && len(a.Terms) > 0 {
		fill.Go(func() error {
			q := gq
			q.IDs = ids
			q.Limit = len(ids)
			fillGraph, fgErr = e.queryGraph(ctx, q)
			return nil
		})
	}
	_ = fill.Wait()

	if fgErr != nil {
		col.down(storeGraph, fgErr)
	}
	if fvErr != nil {
		col.down(storeVector, fvErr)
	}
	col.pool.addGraph(fillGraph)
	col.pool.addVector(fillVector)
	return col, nil
}

func (e *Engine) queryGraph(ctx context.Context, q store.GraphQuery) ([]store.GraphMatch, error) {
	if len(q.Terms) == 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "search.graph", trace.WithAttributes(
		attribute.Int("terms", len(q.Terms)),
		attribute.Int("ids", len(q.IDs)),
	))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SubQueryTimeout)
	defer cancel()

	hits, err := e.graph.QueryByPattern(ctx, q)
	if err != nil {
		return nil, subQueryError(ctx, span, storeGraph, err)
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, nil
}

func (e *Engine) queryVectors(ctx context.Context, vec []float32, filter store.VectorFilter, limit int) ([]store.VectorMatch, error) {
	ctx, span := tracer.Start(ctx, "search.vector", trace.WithAttributes(
		attribute.Int("ids", len(filter.IDs)),
		attribute.Int("limit", limit),
	))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SubQueryTimeout)
	defer cancel()

	hits, err := e.vectors.SimilaritySearch(ctx, vec, filter, limit)
	if err != nil {
		return nil, subQueryError(ctx, span, storeVector, err)
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, nil
}

func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if e.embedder == nil {
		return nil, models.ErrEmbeddingUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SubQueryTimeout)
	defer cancel()
	vecs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &models.QueryTimeout{Store: "embedding", Err: err}
		}
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}
	return vecs[0], nil
}

func subQueryError(ctx context.Context, span trace.Span, storeName string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = &models.QueryTimeout{Store: storeName, Err: err}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	recordSubQueryFailure(context.WithoutCancel(ctx), storeName)
	return err
}

// enrich attaches the neighbors of each result: incoming edges as callers,
// outgoing edges as dependencies.
func (e *Engine) enrich(ctx context.Context, contextName string, depth int, results []models.RankedResult) error {
	if depth <= 0 {
		depth = 1
	}
	if depth > e.cfg.MaxRelationshipDepth {
		depth = e.cfg.MaxRelationshipDepth
	}
	ctx, span := tracer.Start(ctx, "search.enrich", trace.WithAttributes(
		attribute.Int("depth", depth),
		attribute.Int("results", len(results)),
	))
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range results {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(gctx, e.cfg.SubQueryTimeout)
			defer cancel()
			neighbors, err := e.graph.Traverse(tctx, contextName, results[i].Entity.ID, depth, e.cfg.MaxNeighborsPerHop)
			if err != nil {
				return fmt.Errorf("traverse %s: %w", results[i].Entity.QualifiedName, err)
			}
			for _, n := range neighbors {
				rel := models.RelatedEntity{
					QualifiedName: n.Entity.QualifiedName,
					FilePath:      n.Entity.FilePath,
					Type:          n.Type,
					Direction:     n.Direction,
					Depth:         n.Depth,
					Weak:          n.Weak,
				}
				if !n.Weak {
					rel.EntityID = n.Entity.ID
				}
				if n.Direction == models.DirectionIncoming {
					results[i].Callers = append(results[i].Callers, rel)
				} else {
					results[i].Dependencies = append(results[i].Dependencies, rel)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
