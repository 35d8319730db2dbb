package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dpolishuk/codegraph/internal/chunker"
	"github.com/dpolishuk/codegraph/internal/embedding"
	"github.com/dpolishuk/codegraph/internal/indexer"
	"github.com/dpolishuk/codegraph/internal/manifest"
	"github.com/dpolishuk/codegraph/internal/memstore"
	"github.com/dpolishuk/codegraph/internal/persistence"
	"github.com/dpolishuk/codegraph/internal/relations"
)

type lengthProvider struct{}

func (lengthProvider) Model() string { return "len" }

func (lengthProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, s := range texts {
		out[i] = []float32{float32(len(s)), 1}
	}
	return out, nil
}

func TestTriggerReindexesChangedFiles(t *testing.T) {
	if testing.Short() {
		t.Skip("watches a real directory")
	}
	root := t.TempDir()
	graph := memstore.NewGraphStore()
	vectors := memstore.NewVectorStore()
	m := manifest.NewMemoryStore()
	cache := embedding.NewCache(lengthProvider{}, nil, embedding.CacheConfig{Size: 128, TTL: time.Hour}, nil)
	walker := manifest.NewWalker(manifest.WalkerOptions{}, nil, nil)
	pipeline := indexer.NewPipeline(indexer.Deps{
		Walker:      walker,
		Chunkers:    chunker.NewRegistry(chunker.DefaultOptions()),
		Resolver:    relations.NewResolver(graph, nil),
		Embedder:    cache,
		Coordinator: persistence.NewCoordinator(graph, vectors, m, cache, persistence.Options{DeleteRetries: 1}, nil),
		Manifest:    m,
	}, indexer.Options{Concurrency: 2}, nil)

	tr, err := NewTrigger(pipeline, "app", root, TriggerOptions{
		Watch: Options{Debounce: 50 * time.Millisecond},
		Match: walker.Matches,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher time to register the root.
	time.Sleep(100 * time.Millisecond)

	file := filepath.Join(root, "auth.go")
	require.NoError(t, os.WriteFile(file, []byte("package app\n\nfunc Authenticate() bool { return true }\n"), 0o644))

	require.Eventually(t, func() bool {
		_, err := m.Get(context.Background(), "app", "auth.go")
		return err == nil
	}, 10*time.Second, 25*time.Millisecond)
	require.NotEmpty(t, graph.EntitiesByFile("app", "auth.go"))

	require.NoError(t, os.Remove(file))
	require.Eventually(t, func() bool {
		_, err := m.Get(context.Background(), "app", "auth.go")
		return errors.Is(err, manifest.ErrNotFound)
	}, 10*time.Second, 25*time.Millisecond)
	require.Empty(t, graph.EntitiesByFile("app", "auth.go"))
}
