// Package app assembles the stores, the embedding stack, the indexing
// pipeline and the query engine from the configuration. The server and the
// CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dpolishuk/codegraph/internal/annotate"
	"github.com/dpolishuk/codegraph/internal/chunker"
	"github.com/dpolishuk/codegraph/internal/config"
	"github.com/dpolishuk/codegraph/internal/db"
	"github.com/dpolishuk/codegraph/internal/embedding"
	"github.com/dpolishuk/codegraph/internal/git"
	"github.com/dpolishuk/codegraph/internal/indexer"
	"github.com/dpolishuk/codegraph/internal/manifest"
	"github.com/dpolishuk/codegraph/internal/memstore"
	"github.com/dpolishuk/codegraph/internal/persistence"
	"github.com/dpolishuk/codegraph/internal/relations"
	"github.com/dpolishuk/codegraph/internal/search"
	"github.com/dpolishuk/codegraph/internal/store"
	"github.com/dpolishuk/codegraph/internal/vectorstore"
)

// inMemoryCache selects an in-memory shared embedding cache.
const inMemoryCache = ":memory:"

type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Graph       store.GraphStore
	Vectors     store.VectorStore
	Manifest    manifest.Store
	Cache       *embedding.Cache
	Coordinator *persistence.Coordinator
	Pipeline    *indexer.Pipeline
	Engine      *search.Engine

	closers []func() error
}

// New connects every backend named by cfg. Unreachable stores are fatal.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config
	if cfg.Stores.Vector == "neo4j" && cfg.Stores.Graph != "neo4j" {
		return errors.New("invalid config: the neo4j vector store requires the neo4j graph store")
	}

	var neo *db.Neo4jClient
	switch cfg.Stores.Graph {
	case "neo4j":
		client, err := db.NewNeo4jClient(ctx, db.Neo4jConfig{
			URI:      cfg.Neo4j.URI,
			Username: cfg.Neo4j.User,
			Password: cfg.Neo4j.Password,
			Database: cfg.Neo4j.Database,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		if err := client.EnsureSchema(ctx); err != nil {
			return err
		}
		neo = client
		a.Graph = db.NewGraphStore(client, a.Logger)
	default:
		a.Graph = memstore.NewGraphStore()
	}

	switch cfg.Stores.Vector {
	case "qdrant":
		q, err := vectorstore.NewQdrant(ctx, vectorstore.Config{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			APIKey:     cfg.Qdrant.APIKey,
			Collection: cfg.Qdrant.Collection,
			Dimensions: cfg.Embedding.Dimensions,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, q.Close)
		if err := q.EnsureCollection(ctx); err != nil {
			return err
		}
		a.Vectors = q
	case "neo4j":
		vi := db.NewVectorIndex(neo, cfg.Embedding.Dimensions)
		if err := vi.EnsureIndex(ctx); err != nil {
			return err
		}
		a.Vectors = vi
	default:
		a.Vectors = memstore.NewVectorStore()
	}

	// An in-memory graph does not outlive the process, so neither may the
	// manifest describing it.
	if cfg.Stores.Graph == "memory" {
		a.Manifest = manifest.NewMemoryStore()
	} else {
		m, err := manifest.OpenSQLite(ctx, cfg.Manifest.Path)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, m.Close)
		a.Manifest = m
	}

	if err := a.initEmbedding(); err != nil {
		return err
	}

	a.Coordinator = persistence.NewCoordinator(a.Graph, a.Vectors, a.Manifest, a.Cache, persistence.Options{
		DeleteRetries: cfg.Stores.DeleteRetries,
		RetryDelay:    cfg.Stores.RetryDelay,
	}, a.Logger)

	gitSvc := git.NewGitService(cfg.ReposPath, a.Logger)
	a.Pipeline = indexer.NewPipeline(indexer.Deps{
		Walker: manifest.NewWalker(manifest.WalkerOptions{
			Includes:    cfg.Walker.Includes,
			Excludes:    cfg.Walker.Excludes,
			MaxFileSize: cfg.Walker.MaxFileSize,
			UseGit:      cfg.Walker.UseGit,
		}, gitSvc, a.Logger),
		Chunkers:    chunker.NewRegistry(chunker.Options{MaxChunkBytes: cfg.Chunker.MaxChunkBytes}),
		Resolver:    relations.NewResolver(a.Graph, a.Logger),
		Facts:       annotate.Default(a.Logger),
		Embedder:    a.Cache,
		Coordinator: a.Coordinator,
		Manifest:    a.Manifest,
		Git:         gitSvc,
	}, indexer.Options{Concurrency: cfg.Indexer.Concurrency}, a.Logger)

	a.Engine = search.NewEngine(a.Graph, a.Vectors, a.Cache, search.FromConfig(cfg.Search), a.Logger)
	return nil
}

func (a *App) initEmbedding() error {
	cfg := a.Config.Embedding

	var provider embedding.Provider
	switch cfg.Provider {
	case "openai":
		provider = embedding.NewOpenAIProvider(cfg.OpenAIKey, cfg.OpenAIBase, cfg.Model, cfg.Dimensions)
	default:
		provider = embedding.NewTEIClient(cfg.TEIURL, cfg.Model, cfg.Timeout)
	}
	client := embedding.NewClient(provider, embedding.ClientConfig{
		BatchSize:       cfg.BatchSize,
		MaxRetries:      cfg.MaxRetries,
		InitialDelay:    cfg.RetryDelay,
		MaxDelay:        cfg.MaxDelay,
		RateLimit:       cfg.RateLimit,
		RateBurst:       cfg.RateBurst,
		BreakerFailures: cfg.BreakerFail,
		BreakerCooldown: cfg.BreakerWait,
	}, a.Logger)

	var shared embedding.SharedStore
	if cfg.SharedPath != "" {
		bs, err := embedding.OpenBadgerStore(embedding.BadgerConfig{
			Path:     cfg.SharedPath,
			InMemory: cfg.SharedPath == inMemoryCache,
			TTL:      cfg.SharedTTL,
			Logger:   a.Logger,
		})
		if err != nil {
			return fmt.Errorf("open shared embedding cache: %w", err)
		}
		a.closers = append(a.closers, bs.Close)
		shared = bs
	}

	a.Cache = embedding.NewCache(client, shared, embedding.CacheConfig{Size: cfg.CacheSize, TTL: cfg.CacheTTL}, a.Logger)
	return nil
}

// Health pings every store that can report its health.
func (a *App) Health(ctx context.Context) map[string]error {
	out := make(map[string]error)
	if p, ok := a.Graph.(store.Pinger); ok {
		out["graph"] = p.Ping(ctx)
	}
	if p, ok := a.Vectors.(store.Pinger); ok {
		out["vector"] = p.Ping(ctx)
	}
	return out
}

// Stats counts the graph contents of a context when the graph store supports it.
func (a *App) Stats(ctx context.Context, contextName string) (*store.Stats, error) {
	sr, ok := a.Graph.(store.StatsReader)
	if !ok {
		return nil, nil
	}
	st, err := sr.Stats(ctx, contextName)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Close releases the backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
