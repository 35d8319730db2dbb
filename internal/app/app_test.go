package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpolishuk/codegraph/internal/config"
	"github.com/dpolishuk/codegraph/internal/models"
)

// teiServer answers /embed with a fixed two-dimensional vector per input.
func teiServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Inputs []string `json:"inputs"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		out := make([][]float32, len(req.Inputs))
		for i := range out {
			out[i] = []float32{1, 0}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// memoryConfig builds a configuration on the in-memory backends.
func memoryConfig(t *testing.T, teiURL string) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("stores.graph", "memory")
	v.Set("stores.vector", "memory")
	v.Set("embedding.tei_url", teiURL)
	v.Set("embedding.dimensions", 2)
	v.Set("embedding.shared_cache_path", inMemoryCache)
	v.Set("repos_path", t.TempDir())
	cfg, err := config.Decode(v)
	require.NoError(t, err)
	return cfg
}

func TestAppIndexesAndSearches(t *testing.T) {
	srv := teiServer(t)
	ctx := context.Background()

	a, err := New(ctx, memoryConfig(t, srv.URL), nil)
	require.NoError(t, err)
	defer a.Close()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte(`package main

func ParseConfig() error { return nil }

func main() { _ = ParseConfig() }
`), 0o644))

	report, err := a.Pipeline.IndexDirectory(ctx, root, "demo", true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Indexed)
	assert.Empty(t, report.Failures)

	resp, err := a.Engine.Search(ctx, models.SearchRequest{Query: "callers of ParseConfig", Context: "demo"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "main", resp.Results[0].Entity.Name)
	assert.False(t, resp.Degraded)

	st, err := a.Stats(ctx, "demo")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 1, st.Entities[models.KindFile])
	assert.Equal(t, 2, st.Entities[models.KindMember])

	for name, err := range a.Health(ctx) {
		assert.NoError(t, err, name)
	}
}

func TestAppRejectsNeo4jVectorsWithoutNeo4jGraph(t *testing.T) {
	cfg := memoryConfig(t, "http://localhost:1")
	cfg.Stores.Vector = "neo4j"
	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "requires the neo4j graph store")
}
