package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpolishuk/codegraph/internal/memstore"
	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/internal/store"
)

const ctxName = "repo"

func TestClassify(t *testing.T) {
	tests := []struct {
		query    string
		strategy models.Strategy
		terms    []string
	}{
		{"what implements Repository", models.StrategyGraphFirst, []string{"Repository"}},
		{"AuthService", models.StrategyGraphFirst, []string{"AuthService"}},
		{"callers of auth.Login()", models.StrategyGraphFirst, []string{"Login"}},
		{"how is authentication handled?", models.StrategySemanticFirst, []string{"authentication", "handled"}},
		{"where do we call the payment gateway", models.StrategyHybrid, []string{"payment", "gateway"}},
		{"how does parse_config work", models.StrategyHybrid, []string{"parse_config"}},
		{"Authenticate", models.StrategyGraphFirst, []string{"Authenticate"}},
		{"Handler calls", models.StrategyGraphFirst, []string{"Handler"}},
		{"Explain the retry policy", models.StrategySemanticFirst, []string{"retry", "policy"}},
		{"Parse configuration files", models.StrategySemanticFirst, []string{"parse", "configuration", "files"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			a := Classify(tt.query)
			assert.Equal(t, tt.strategy, a.Strategy)
			assert.Equal(t, tt.terms, a.Terms)
		})
	}

	a := Classify("functions called by Handler")
	require.Len(t, a.Relations, 1)
	assert.Equal(t, store.RelationPattern{Type: models.RelCalls, Reverse: true}, a.Relations[0])
	assert.Equal(t, []string{"called by"}, a.Keywords)

	assert.Equal(t, Classify("how is authentication handled"), Classify("how is authentication handled"))
}

func TestFuse(t *testing.T) {
	w := DefaultWeights()
	assert.InDelta(t, 0.81, Fuse(w[models.StrategyGraphFirst], 0.9, 0.6), 1e-9)
	assert.InDelta(t, 0.75, Fuse(w[models.StrategyHybrid], 0.9, 0.6), 1e-9)
	assert.InDelta(t, 0.69, Fuse(w[models.StrategySemanticFirst], 0.9, 0.6), 1e-9)
	assert.InDelta(t, 0.42, Fuse(w[models.StrategySemanticFirst], 0, 0.6), 1e-9)
}

func ranked(n int) []models.RankedResult {
	out := make([]models.RankedResult, n)
	for i := range out {
		out[i] = models.RankedResult{
			Entity: models.CodeEntity{ID: fmt.Sprintf("id-%02d", i), QualifiedName: fmt.Sprintf("f.go::F%02d", i)},
			Score:  1 - float64(i)/100,
		}
	}
	return out
}

func TestPaginate(t *testing.T) {
	all := ranked(45)

	p := Paginate(all, 20, 20)
	require.Len(t, p.Results, 20)
	assert.Equal(t, "id-20", p.Results[0].Entity.ID)
	assert.Equal(t, "id-39", p.Results[19].Entity.ID)
	assert.True(t, p.HasMore)
	assert.Equal(t, 45, p.Total)

	p = Paginate(all, 20, 40)
	assert.Len(t, p.Results, 5)
	assert.False(t, p.HasMore)

	p = Paginate(all, 20, 60)
	assert.Empty(t, p.Results)
	assert.False(t, p.HasMore)
}

func TestRank(t *testing.T) {
	results := []models.RankedResult{
		{Entity: models.CodeEntity{ID: "3", QualifiedName: "b"}, Score: 0.5},
		{Entity: models.CodeEntity{ID: "2", QualifiedName: "a"}, Score: 0.5},
		{Entity: models.CodeEntity{ID: "1", QualifiedName: "a"}, Score: 0.5},
		{Entity: models.CodeEntity{ID: "4", QualifiedName: "z"}, Score: 0.9},
		{Entity: models.CodeEntity{ID: "5", QualifiedName: "y"}, Score: 0.1},
	}
	out := Rank(results, 0.2)
	var ids []string
	for _, r := range out {
		ids = append(ids, r.Entity.ID)
	}
	assert.Equal(t, []string{"4", "1", "2", "3"}, ids)
}

// fixedEmbedder maps every query to the unit vector on the x axis.
type fixedEmbedder struct {
	err error
}

func (f fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

// at returns a unit vector whose mapped cosine against the x axis is score.
func at(score float64) []float32 {
	c := 2*score - 1
	return []float32{float32(c), float32(math.Sqrt(1 - c*c))}
}

type fixture struct {
	graph   *memstore.GraphStore
	vectors *memstore.VectorStore
	byName  map[string]models.CodeEntity
}

func member(path, name string) models.CodeEntity {
	qn := path + "::" + name
	return models.CodeEntity{
		ID:            models.EntityID(ctxName, path, qn),
		QualifiedName: qn,
		Name:          name,
		Kind:          models.KindMember,
		Context:       ctxName,
		FilePath:      path,
	}
}

func newFixture(t *testing.T, semantic map[string]float64) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		graph:   memstore.NewGraphStore(),
		vectors: memstore.NewVectorStore(),
		byName:  map[string]models.CodeEntity{},
	}
	var entities []models.CodeEntity
	var points []store.VectorPoint
	for name, score := range semantic {
		e := member(name+".go", name)
		f.byName[name] = e
		entities = append(entities, e)
		points = append(points, store.VectorPoint{ID: e.ID, Vector: at(score), Entity: e})
	}
	require.NoError(t, f.graph.UpsertNodes(ctx, entities))
	require.NoError(t, f.vectors.UpsertPoints(ctx, points))
	return f
}

func (f *fixture) engine(cfg Config) *Engine {
	return NewEngine(f.graph, f.vectors, fixedEmbedder{}, cfg, nil)
}

func TestSearchGraphFirst(t *testing.T) {
	f := newFixture(t, map[string]float64{"Authenticate": 0.6, "Logout": 0.9})

	resp, err := f.engine(DefaultConfig()).Search(context.Background(), models.SearchRequest{
		Query:   "Authenticate",
		Context: ctxName,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StrategyGraphFirst, resp.Strategy)
	assert.False(t, resp.Degraded)
	require.Len(t, resp.Results, 1)

	r := resp.Results[0]
	assert.Equal(t, f.byName["Authenticate"].ID, r.Entity.ID)
	assert.InDelta(t, 1.0, r.GraphScore, 1e-9)
	assert.InDelta(t, 0.6, r.SemanticScore, 1e-6)
	assert.InDelta(t, 0.7*1.0+0.3*0.6, r.Score, 1e-6)
}

func TestSearchSemanticFirstPagination(t *testing.T) {
	semantic := map[string]float64{}
	for i := 0; i < 45; i++ {
		semantic[fmt.Sprintf("Handler%02d", i)] = 0.99 - float64(i)/100
	}
	f := newFixture(t, semantic)
	e := f.engine(DefaultConfig())
	req := models.SearchRequest{Query: "how are requests processed", Context: ctxName, Limit: 20, Offset: 20}

	resp, err := e.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.StrategySemanticFirst, resp.Strategy)
	assert.Equal(t, 45, resp.Total)
	assert.Equal(t, 20, resp.Count)
	assert.True(t, resp.HasMore)
	assert.Equal(t, "Handler20", resp.Results[0].Entity.Name)
	assert.InDelta(t, 0.7*resp.Results[0].SemanticScore, resp.Results[0].Score, 1e-9)

	req.Offset = 40
	resp, err = e.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 5, resp.Count)
	assert.False(t, resp.HasMore)

	req.Offset = 0
	req.MinimumScore = 0.6
	resp, err = e.Search(context.Background(), req)
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.GreaterOrEqual(t, r.Score, 0.6)
	}
	assert.Less(t, resp.Total, 45)
}

func TestSearchDegradesOnGraphTimeout(t *testing.T) {
	f := newFixture(t, map[string]float64{"PaymentGateway": 0.8, "Checkout": 0.7})
	f.graph.Delay("QueryByPattern", time.Second)

	cfg := DefaultConfig()
	cfg.SubQueryTimeout = 20 * time.Millisecond
	resp, err := f.engine(cfg).Search(context.Background(), models.SearchRequest{
		Query:   "where do we call the payment gateway",
		Context: ctxName,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StrategyHybrid, resp.Strategy)
	assert.True(t, resp.Degraded)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "PaymentGateway", resp.Results[0].Entity.Name)
	for _, r := range resp.Results {
		assert.Equal(t, r.SemanticScore, r.Score)
		assert.Zero(t, r.GraphScore)
	}
}

func TestSearchHybridFusesBothStores(t *testing.T) {
	f := newFixture(t, map[string]float64{"PaymentGateway": 0.6, "Checkout": 0.9})

	resp, err := f.engine(DefaultConfig()).Search(context.Background(), models.SearchRequest{
		Query:   "where do we call the payment gateway",
		Context: ctxName,
	})
	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	require.Len(t, resp.Results, 2)

	// "payment" is a prefix of PaymentGateway, which has no Calls edge and
	// only counts as the anchor of the pattern.
	assert.Equal(t, "PaymentGateway", resp.Results[0].Entity.Name)
	assert.InDelta(t, (store.ScorePrefix*store.RelatedFactor+0.6)/2, resp.Results[0].Score, 1e-6)
	assert.InDelta(t, 0.9/2, resp.Results[1].Score, 1e-6)
}

func TestSearchFallsBackWhenVectorStoreFails(t *testing.T) {
	f := newFixture(t, map[string]float64{"Authenticate": 0.6})
	f.vectors.Fail("SimilaritySearch", errors.New("qdrant down"))

	resp, err := f.engine(DefaultConfig()).Search(context.Background(), models.SearchRequest{
		Query:   "Authenticate",
		Context: ctxName,
	})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	require.Len(t, resp.Results, 1)
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-9)
}

func TestSearchFailsWhenBothStoresFail(t *testing.T) {
	f := newFixture(t, map[string]float64{"Authenticate": 0.6})
	f.graph.Fail("QueryByPattern", errors.New("neo4j down"))
	f.vectors.Fail("SimilaritySearch", errors.New("qdrant down"))

	_, err := f.engine(DefaultConfig()).Search(context.Background(), models.SearchRequest{
		Query:   "Authenticate",
		Context: ctxName,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neo4j down")
	assert.Contains(t, err.Error(), "qdrant down")
}

func TestSearchEmbeddingUnavailable(t *testing.T) {
	f := newFixture(t, map[string]float64{"Authenticate": 0.6})
	e := NewEngine(f.graph, f.vectors, fixedEmbedder{err: models.ErrProviderUnavailable}, DefaultConfig(), nil)

	resp, err := e.Search(context.Background(), models.SearchRequest{Query: "Authenticate", Context: ctxName})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	require.Len(t, resp.Results, 1)

	// Semantic-first falls back to name matching.
	resp, err = e.Search(context.Background(), models.SearchRequest{Query: "how is auth done", Context: ctxName})
	require.NoError(t, err)
	assert.Equal(t, models.StrategySemanticFirst, resp.Strategy)
	assert.True(t, resp.Degraded)
	require.Len(t, resp.Results, 1)
	assert.InDelta(t, store.ScorePrefix, resp.Results[0].Score, 1e-9)
}

func TestSearchEnrichment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]float64{"Authenticate": 0.6, "Login": 0.5, "Handler": 0.4})
	auth, login, handler := f.byName["Authenticate"], f.byName["Login"], f.byName["Handler"]
	require.NoError(t, f.graph.UpsertEdges(ctx, ctxName, []string{login.ID, handler.ID}, []models.Relationship{
		{FromEntityID: login.ID, ToEntityID: auth.ID, Type: models.RelCalls, Context: ctxName},
		{FromEntityID: handler.ID, ToEntityID: login.ID, Type: models.RelCalls, Context: ctxName},
	}))

	e := f.engine(DefaultConfig())
	req := models.SearchRequest{Query: "Login", Context: ctxName, IncludeRelationships: true, RelationshipDepth: 1}
	resp, err := e.Search(ctx, req)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)

	r := resp.Results[0]
	require.Len(t, r.Callers, 1)
	assert.Equal(t, handler.QualifiedName, r.Callers[0].QualifiedName)
	assert.Equal(t, models.RelCalls, r.Callers[0].Type)
	require.Len(t, r.Dependencies, 1)
	assert.Equal(t, auth.ID, r.Dependencies[0].EntityID)

	req.Query = "Authenticate"
	req.RelationshipDepth = 2
	resp, err = e.Search(ctx, req)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Len(t, resp.Results[0].Callers, 2)
}

func TestSearchValidation(t *testing.T) {
	e := NewEngine(memstore.NewGraphStore(), memstore.NewVectorStore(), fixedEmbedder{}, DefaultConfig(), nil)

	_, err := e.Search(context.Background(), models.SearchRequest{Query: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.Search(context.Background(), models.SearchRequest{Query: "   ", Context: ctxName})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.Search(context.Background(), models.SearchRequest{Query: "x", Context: ctxName, Offset: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
