package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpolishuk/codegraph/internal/app"
	"github.com/dpolishuk/codegraph/internal/config"
	"github.com/dpolishuk/codegraph/internal/indexer"
	"github.com/dpolishuk/codegraph/internal/models"
)

func setupApp(t *testing.T) *fiber.App {
	t.Helper()
	tei := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Inputs []string `json:"inputs"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		out := make([][]float32, len(req.Inputs))
		for i := range out {
			out[i] = []float32{0, 1}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(tei.Close)

	v := viper.New()
	config.SetDefaults(v)
	v.Set("stores.graph", "memory")
	v.Set("stores.vector", "memory")
	v.Set("embedding.tei_url", tei.URL)
	v.Set("embedding.dimensions", 2)
	cfg, err := config.Decode(v)
	require.NoError(t, err)

	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	fa := fiber.New()
	SetupRoutes(fa, NewHandler(a), http.NotFoundHandler())
	return fa
}

func do(t *testing.T, fa *fiber.App, method, target string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := fa.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func TestIndexAndSearchEndpoints(t *testing.T) {
	fa := setupApp(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "store.py"), []byte(`class UserStore:
    def load_user(self, user_id):
        return None
`), 0o644))

	code, body := do(t, fa, http.MethodPost, "/api/index/directory", models.IndexDirectoryInput{Path: root, Context: "web"})
	require.Equal(t, http.StatusOK, code, string(body))
	var report indexer.BatchReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, 1, report.Indexed)

	q := url.Values{"q": {"load_user"}, "context": {"web"}, "limit": {"5"}}
	code, body = do(t, fa, http.MethodGet, "/api/search?"+q.Encode(), nil)
	require.Equal(t, http.StatusOK, code, string(body))
	var resp models.SearchResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "load_user", resp.Results[0].Entity.Name)

	code, body = do(t, fa, http.MethodPost, "/api/search", models.SearchRequest{Query: "UserStore", Context: "web"})
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = do(t, fa, http.MethodGet, "/api/contexts/web/manifest", nil)
	require.Equal(t, http.StatusOK, code)
	var entries []models.ManifestEntry
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "store.py", entries[0].FilePath)

	code, _ = do(t, fa, http.MethodGet, "/api/contexts/web/stats", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = do(t, fa, http.MethodGet, "/api/contexts/", nil)
	require.Equal(t, http.StatusOK, code)
	var summaries []models.ContextSummary
	require.NoError(t, json.Unmarshal(body, &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "web", summaries[0].Context)
	assert.Equal(t, 1, summaries[0].Files)
	assert.Positive(t, summaries[0].Entities)

	code, _ = do(t, fa, http.MethodPost, "/api/contexts/web/sweep", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, fa, http.MethodPost, "/api/contexts/web/repair", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestValidationErrors(t *testing.T) {
	fa := setupApp(t)

	code, body := do(t, fa, http.MethodPost, "/api/index/file", models.IndexFileInput{Path: "x.go"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body), "error")

	code, _ = do(t, fa, http.MethodGet, "/api/search?context=web", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, fa, http.MethodPost, "/api/reindex", models.ReindexInput{Path: "/does/not/exist", Context: "web"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealth(t *testing.T) {
	fa := setupApp(t)
	code, body := do(t, fa, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"status":"ok"`)
}
