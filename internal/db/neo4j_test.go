package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/internal/store"
)

func TestRelLabel(t *testing.T) {
	tests := []struct {
		in   models.RelationType
		want string
	}{
		{models.RelCalls, "CALLS"},
		{models.RelReturnsType, "RETURNS_TYPE"},
		{models.RelHasType, "HAS_TYPE"},
	}
	for _, tt := range tests {
		got, err := relLabel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := relLabel("Calls]->(x) DETACH DELETE x //")
	assert.Error(t, err)
	_, err = relLabel("")
	assert.Error(t, err)
}

func TestKindLabel(t *testing.T) {
	label, err := kindLabel(models.KindMember)
	require.NoError(t, err)
	assert.Equal(t, "Member", label)

	_, err = kindLabel("Entity:Admin")
	assert.Error(t, err)
}

func TestEntityPropsRoundTrip(t *testing.T) {
	e := models.CodeEntity{
		ID:            models.EntityID("repo", "a.go", "a.go::Run"),
		Context:       "repo",
		Kind:          models.KindMember,
		Subtype:       "function",
		Name:          "Run",
		QualifiedName: "a.go::Run",
		Language:      "go",
		FilePath:      "a.go",
		StartLine:     3,
		EndLine:       9,
		ContentHash:   "abc",
		LastIndexedAt: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Signature:     "func Run() error",
		Truncated:     true,
		EmbedText:     "func Run() error",
		Metadata:      map[string]string{"complexity.branches": "2"},
	}
	assert.Equal(t, e, entityFromProps(entityProps(e)))

	assert.Empty(t, encodeProps(nil))
	assert.Nil(t, decodeProps("not json"))
}

// neo4jClient connects to the server named by CODEGRAPH_TEST_NEO4J_URI.
func neo4jClient(t *testing.T) *Neo4jClient {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	uri := os.Getenv("CODEGRAPH_TEST_NEO4J_URI")
	if uri == "" {
		t.Skip("CODEGRAPH_TEST_NEO4J_URI not set")
	}
	cfg := Neo4jConfig{
		URI:      uri,
		Username: os.Getenv("CODEGRAPH_TEST_NEO4J_USER"),
		Password: os.Getenv("CODEGRAPH_TEST_NEO4J_PASSWORD"),
	}
	client, err := NewNeo4jClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.EnsureSchema(context.Background()))
	return client
}

func member(ctx, file, name string) models.CodeEntity {
	qn := file + "::" + name
	return models.CodeEntity{
		ID:            models.EntityID(ctx, file, qn),
		Context:       ctx,
		Kind:          models.KindMember,
		Name:          name,
		QualifiedName: qn,
		FilePath:      file,
		Language:      "go",
		LastIndexedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestGraphStoreIntegration(t *testing.T) {
	client := neo4jClient(t)
	ctx := context.Background()
	contextName := "it-" + time.Now().Format("150405.000000")
	gs := NewGraphStore(client, nil)

	caller := member(contextName, "a.go", "Handle")
	callee := member(contextName, "b.go", "Parse")
	require.NoError(t, gs.UpsertNodes(ctx, []models.CodeEntity{caller, callee}))
	require.NoError(t, gs.UpsertEdges(ctx, contextName, []string{caller.ID}, []models.Relationship{
		{FromEntityID: caller.ID, ToEntityID: callee.ID, Type: models.RelCalls, Context: contextName},
	}))

	matches, err := gs.QueryByPattern(ctx, store.GraphQuery{
		Context:   contextName,
		Terms:     []string{"Parse"},
		Relations: []store.RelationPattern{{Type: models.RelCalls}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, caller.ID, matches[0].Entity.ID)
	assert.Equal(t, store.ScoreExact, matches[0].Score)

	neighbors, err := gs.Traverse(ctx, contextName, callee.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, models.DirectionIncoming, neighbors[0].Direction)

	require.NoError(t, gs.DeleteByIds(ctx, contextName, []string{callee.ID}))
	st, err := gs.Stats(ctx, contextName)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Entities[models.KindMember])
	assert.Equal(t, 1, st.WeakEdges)

	promoted, err := gs.PromoteWeakRefs(ctx, contextName, []models.CodeEntity{callee})
	require.NoError(t, err)
	assert.Zero(t, promoted, "target node does not exist yet")

	require.NoError(t, gs.UpsertNodes(ctx, []models.CodeEntity{callee}))
	promoted, err = gs.PromoteWeakRefs(ctx, contextName, []models.CodeEntity{callee})
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	require.NoError(t, gs.DeleteByIds(ctx, contextName, []string{caller.ID, callee.ID}))
}

func TestGraphStoreEdgeToUnwrittenTarget(t *testing.T) {
	client := neo4jClient(t)
	ctx := context.Background()
	contextName := "it-late-" + time.Now().Format("150405.000000")
	gs := NewGraphStore(client, nil)

	caller := member(contextName, "a.go", "Handle")
	callee := member(contextName, "b.go", "Parse")
	require.NoError(t, gs.UpsertNodes(ctx, []models.CodeEntity{caller}))
	require.NoError(t, gs.UpsertEdges(ctx, contextName, []string{caller.ID}, []models.Relationship{
		{FromEntityID: caller.ID, ToEntityID: callee.ID, Type: models.RelCalls, Context: contextName, TargetName: callee.Name},
	}))

	st, err := gs.Stats(ctx, contextName)
	require.NoError(t, err)
	assert.Equal(t, 1, st.WeakEdges)

	require.NoError(t, gs.UpsertNodes(ctx, []models.CodeEntity{callee}))
	promoted, err := gs.PromoteWeakRefs(ctx, contextName, []models.CodeEntity{callee})
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	st, err = gs.Stats(ctx, contextName)
	require.NoError(t, err)
	assert.Zero(t, st.WeakEdges)
	assert.Equal(t, 1, st.Edges)

	require.NoError(t, gs.DeleteByIds(ctx, contextName, []string{caller.ID, callee.ID}))
}

func TestVectorIndexIntegration(t *testing.T) {
	client := neo4jClient(t)
	ctx := context.Background()
	contextName := "it-vec-" + time.Now().Format("150405.000000")
	vi := NewVectorIndex(client, 2)
	gs := NewGraphStore(client, nil)

	a := member(contextName, "a.go", "Alpha")
	b := member(contextName, "a.go", "Beta")
	require.NoError(t, gs.UpsertNodes(ctx, []models.CodeEntity{a, b}))
	require.NoError(t, vi.UpsertPoints(ctx, []store.VectorPoint{
		{ID: a.ID, Vector: []float32{1, 0}, Entity: a},
		{ID: b.ID, Vector: []float32{0, 1}, Entity: b},
	}))

	matches, err := vi.SimilaritySearch(ctx, []float32{1, 0}, store.VectorFilter{Context: contextName, IDs: []string{a.ID, b.ID}}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, a.ID, matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)

	require.NoError(t, vi.DeleteByIds(ctx, contextName, []string{a.ID}))
	matches, err = vi.SimilaritySearch(ctx, []float32{1, 0}, store.VectorFilter{Context: contextName, IDs: []string{a.ID, b.ID}}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, b.ID, matches[0].ID)

	require.NoError(t, gs.DeleteByIds(ctx, contextName, []string{a.ID, b.ID}))
}
