package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/internal/store"
)

const ctxName = "repo"

func entity(path, qn, name string, kind models.EntityKind) models.CodeEntity {
	return models.CodeEntity{
		ID:            models.EntityID(ctxName, path, qn),
		QualifiedName: qn,
		Name:          name,
		Kind:          kind,
		Context:       ctxName,
		FilePath:      path,
	}
}

func hard(from, to models.CodeEntity, typ models.RelationType) models.Relationship {
	return models.Relationship{FromEntityID: from.ID, ToEntityID: to.ID, Type: typ, Context: ctxName}
}

func seed(t *testing.T) (*GraphStore, map[string]models.CodeEntity) {
	t.Helper()
	g := NewGraphStore()
	es := map[string]models.CodeEntity{
		"auth":    entity("auth.go", "auth.go::Authenticate", "Authenticate", models.KindMember),
		"login":   entity("login.go", "login.go::Login", "Login", models.KindMember),
		"handler": entity("api.go", "api.go::Handler", "Handler", models.KindMember),
		"svc":     entity("svc.go", "svc.go::AuthService", "AuthService", models.KindType),
		"iface":   entity("svc.go", "svc.go::Authenticator", "Authenticator", models.KindType),
	}
	var all []models.CodeEntity
	for _, e := range es {
		all = append(all, e)
	}
	ctx := context.Background()
	require.NoError(t, g.UpsertNodes(ctx, all))
	require.NoError(t, g.UpsertEdges(ctx, ctxName,
		[]string{es["login"].ID, es["handler"].ID, es["svc"].ID},
		[]models.Relationship{
			hard(es["login"], es["auth"], models.RelCalls),
			hard(es["handler"], es["login"], models.RelCalls),
			hard(es["svc"], es["iface"], models.RelImplements),
		}))
	return g, es
}

func TestQueryByPatternTerms(t *testing.T) {
	g, es := seed(t)
	matches, err := g.QueryByPattern(context.Background(), store.GraphQuery{Context: ctxName, Terms: []string{"auth"}})
	require.NoError(t, err)
	require.Len(t, matches, 3)
	// prefix matches first, ties broken by qualified name
	assert.Equal(t, es["auth"].ID, matches[0].Entity.ID)
	assert.Equal(t, store.ScorePrefix, matches[0].Score)
	assert.Equal(t, es["svc"].ID, matches[1].Entity.ID)
	assert.Equal(t, es["iface"].ID, matches[2].Entity.ID)

	matches, err = g.QueryByPattern(context.Background(), store.GraphQuery{Context: ctxName, Terms: []string{"Login"}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, store.ScoreExact, matches[0].Score)
}

func TestQueryByPatternRelations(t *testing.T) {
	g, es := seed(t)
	ctx := context.Background()

	// "implements Authenticator"
	matches, err := g.QueryByPattern(ctx, store.GraphQuery{
		Context:   ctxName,
		Terms:     []string{"Authenticator"},
		Relations: []store.RelationPattern{{Type: models.RelImplements}},
	})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, es["svc"].ID, matches[0].Entity.ID)
	assert.Equal(t, store.ScoreExact, matches[0].Score)
	assert.Equal(t, es["iface"].ID, matches[1].Entity.ID)
	assert.Equal(t, store.ScoreExact*store.RelatedFactor, matches[1].Score)

	// "called by Handler"
	matches, err = g.QueryByPattern(ctx, store.GraphQuery{
		Context:   ctxName,
		Terms:     []string{"Handler"},
		Relations: []store.RelationPattern{{Type: models.RelCalls, Reverse: true}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, es["login"].ID, matches[0].Entity.ID)

	matches, err = g.QueryByPattern(ctx, store.GraphQuery{
		Context: ctxName,
		Terms:   []string{"auth"},
		IDs:     []string{es["svc"].ID},
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, es["svc"].ID, matches[0].Entity.ID)
}

func TestTraverse(t *testing.T) {
	g, es := seed(t)
	ctx := context.Background()

	ns, err := g.Traverse(ctx, ctxName, es["login"].ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, ns, 2)
	assert.Equal(t, models.DirectionIncoming, ns[0].Direction)
	assert.Equal(t, es["handler"].ID, ns[0].Entity.ID)
	assert.Equal(t, models.DirectionOutgoing, ns[1].Direction)
	assert.Equal(t, es["auth"].ID, ns[1].Entity.ID)

	ns, err = g.Traverse(ctx, ctxName, es["handler"].ID, 2, 10)
	require.NoError(t, err)
	require.Len(t, ns, 2)
	assert.Equal(t, 2, ns[1].Depth)
	assert.Equal(t, es["auth"].ID, ns[1].Entity.ID)

	ns, err = g.Traverse(ctx, ctxName, es["login"].ID, 1, 1)
	require.NoError(t, err)
	assert.Len(t, ns, 1)
}

func TestDeleteWeakensIncomingEdges(t *testing.T) {
	g, es := seed(t)
	ctx := context.Background()

	require.NoError(t, g.DeleteByIds(ctx, ctxName, []string{es["auth"].ID}))
	assert.Equal(t, 4, g.Count(ctxName))

	edges := g.Edges(ctxName, es["login"].ID)
	require.Len(t, edges, 1)
	assert.True(t, edges[0].Weak)
	assert.Empty(t, edges[0].ToEntityID)
	assert.Equal(t, "Authenticate", edges[0].TargetName)

	// the symbol comes back in another file
	moved := entity("auth2.go", "auth2.go::Authenticate", "Authenticate", models.KindMember)
	require.NoError(t, g.UpsertNodes(ctx, []models.CodeEntity{moved}))
	n, err := g.PromoteWeakRefs(ctx, ctxName, []models.CodeEntity{moved})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	edges = g.Edges(ctxName, es["login"].ID)
	require.Len(t, edges, 1)
	assert.False(t, edges[0].Weak)
	assert.Equal(t, moved.ID, edges[0].ToEntityID)
}

func TestUpsertEdgesReplaces(t *testing.T) {
	g, es := seed(t)
	ctx := context.Background()
	require.NoError(t, g.UpsertEdges(ctx, ctxName, []string{es["login"].ID}, nil))
	assert.Empty(t, g.Edges(ctxName, es["login"].ID))
	assert.Len(t, g.Edges(ctxName, es["handler"].ID), 1)
}

func TestUpsertEdgesDetachesMissingTarget(t *testing.T) {
	g, es := seed(t)
	ctx := context.Background()
	later := entity("zz/auth.go", "zz/auth.go::Verify", "Verify", models.KindMember)
	decoy := entity("aa/auth.go", "aa/auth.go::Verify", "Verify", models.KindMember)

	edge := hard(es["login"], later, models.RelCalls)
	edge.TargetName = later.Name
	require.NoError(t, g.UpsertEdges(ctx, ctxName, []string{es["login"].ID}, []models.Relationship{edge}))

	edges := g.Edges(ctxName, es["login"].ID)
	require.Len(t, edges, 1)
	assert.True(t, edges[0].Weak)
	assert.Empty(t, edges[0].ToEntityID)
	assert.Equal(t, "Verify", edges[0].TargetName)
	assert.Equal(t, later.ID, edges[0].Properties[store.PropTarget])

	require.NoError(t, g.UpsertNodes(ctx, []models.CodeEntity{decoy, later}))
	n, err := g.PromoteWeakRefs(ctx, ctxName, []models.CodeEntity{decoy, later})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	edges = g.Edges(ctxName, es["login"].ID)
	require.Len(t, edges, 1)
	assert.False(t, edges[0].Weak)
	assert.Equal(t, later.ID, edges[0].ToEntityID)
}

func TestFindByNames(t *testing.T) {
	g, es := seed(t)
	found, err := g.FindByNames(context.Background(), ctxName, []string{"Login", "AuthService", "nope"})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, es["login"].ID, found[0].ID)

	got, err := g.GetByIds(context.Background(), "other", []string{es["login"].ID})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFaults(t *testing.T) {
	g := NewGraphStore()
	boom := errors.New("boom")
	g.Fail("UpsertNodes", boom)
	assert.ErrorIs(t, g.UpsertNodes(context.Background(), nil), boom)
	g.Fail("UpsertNodes", nil)
	assert.NoError(t, g.UpsertNodes(context.Background(), nil))
	assert.Equal(t, 2, g.Calls("UpsertNodes"))

	g.Delay("QueryByPattern", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := g.QueryByPattern(ctx, store.GraphQuery{Context: ctxName})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVectorStore(t *testing.T) {
	v := NewVectorStore()
	ctx := context.Background()
	a := entity("a.go", "a.go::A", "A", models.KindMember)
	b := entity("b.go", "b.go::B", "B", models.KindMember)
	require.NoError(t, v.UpsertPoints(ctx, []store.VectorPoint{
		{ID: a.ID, Vector: []float32{1, 0}, Entity: a},
		{ID: b.ID, Vector: []float32{0, 1}, Entity: b},
	}))

	matches, err := v.SimilaritySearch(ctx, []float32{1, 0.1}, store.VectorFilter{Context: ctxName}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, a.ID, matches[0].ID)
	assert.Greater(t, matches[0].Score, matches[1].Score)

	matches, err = v.SimilaritySearch(ctx, []float32{1, 0}, store.VectorFilter{Context: ctxName, FilePath: "b.go"}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, b.ID, matches[0].ID)

	require.NoError(t, v.DeleteByIds(ctx, ctxName, []string{a.ID}))
	assert.False(t, v.Has(ctxName, a.ID))
	assert.Equal(t, 1, v.Count(ctxName))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.5, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}))
}
