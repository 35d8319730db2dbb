package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpolishuk/codegraph/internal/manifest"
	"github.com/dpolishuk/codegraph/internal/memstore"
	"github.com/dpolishuk/codegraph/internal/models"
)

const ctxName = "repo"

type fixture struct {
	graph    *memstore.GraphStore
	vectors  *memstore.VectorStore
	manifest *manifest.MemoryStore
	embedder *stubEmbedder
	coord    *Coordinator
}

type stubEmbedder struct {
	err   error
	texts []string
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.texts = append(s.texts, texts...)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, float32(i)}
	}
	return out, nil
}

func newFixture() *fixture {
	f := &fixture{
		graph:    memstore.NewGraphStore(),
		vectors:  memstore.NewVectorStore(),
		manifest: manifest.NewMemoryStore(),
		embedder: &stubEmbedder{},
	}
	f.coord = NewCoordinator(f.graph, f.vectors, f.manifest, f.embedder, Options{DeleteRetries: 2}, nil)
	return f
}

func entity(path, qn, name string) models.CodeEntity {
	return models.CodeEntity{
		ID:            models.EntityID(ctxName, path, qn),
		QualifiedName: qn,
		Name:          name,
		Kind:          models.KindMember,
		Context:       ctxName,
		FilePath:      path,
		EmbedText:     "func " + name + "()",
	}
}

func batch(path, hash string, entities ...models.CodeEntity) FileBatch {
	vectors := make(map[string][]float32)
	for _, e := range entities {
		vectors[e.ID] = []float32{1, 0}
	}
	return FileBatch{
		Context:  ctxName,
		File:     models.SourceFile{Path: path, ContentHash: hash},
		Entities: entities,
		Vectors:  vectors,
	}
}

func TestApplyFile(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := entity("a.go", "a.go::A", "A")

	entry, err := f.coord.ApplyFile(ctx, batch("a.go", "h1", a))
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, entry.EntityIDs)
	assert.False(t, entry.EmbeddingPending)
	assert.Equal(t, 1, f.graph.Count(ctxName))
	assert.True(t, f.vectors.Has(ctxName, a.ID))

	stored, err := f.manifest.Get(ctx, ctxName, "a.go")
	require.NoError(t, err)
	assert.Equal(t, "h1", stored.ContentHash)
}

func TestApplyFileGraphFailureLeavesManifest(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.graph.Fail("UpsertNodes", errors.New("neo4j down"))

	_, err := f.coord.ApplyFile(ctx, batch("a.go", "h1", entity("a.go", "a.go::A", "A")))
	var swf *models.StoreWriteFailure
	require.ErrorAs(t, err, &swf)
	assert.Equal(t, models.StoreGraph, swf.Store)

	_, err = f.manifest.Get(ctx, ctxName, "a.go")
	assert.ErrorIs(t, err, manifest.ErrNotFound)
	assert.Equal(t, 0, f.vectors.Calls("UpsertPoints"), "vectors are written after the graph")
}

func TestApplyFileVectorFailureMarksPending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.vectors.Fail("UpsertPoints", errors.New("qdrant down"))

	entry, err := f.coord.ApplyFile(ctx, batch("a.go", "h1", entity("a.go", "a.go::A", "A")))
	require.NoError(t, err)
	assert.True(t, entry.EmbeddingPending)
	assert.Equal(t, 1, f.graph.Count(ctxName))
}

func TestApplyFileEmbeddingUnavailable(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := entity("a.go", "a.go::A", "A")
	b := batch("a.go", "h1", a)
	b.Vectors = nil
	b.EmbedErr = &models.ProviderUnavailableError{}

	entry, err := f.coord.ApplyFile(ctx, b)
	require.NoError(t, err)
	assert.True(t, entry.EmbeddingPending)
	assert.False(t, f.vectors.Has(ctxName, a.ID))

	// repair embeds from the stored text without re-parsing
	report, err := f.coord.RepairEmbeddings(ctx, ctxName)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.Equal(t, []string{"func A()"}, f.embedder.texts)
	assert.True(t, f.vectors.Has(ctxName, a.ID))

	stored, err := f.manifest.Get(ctx, ctxName, "a.go")
	require.NoError(t, err)
	assert.False(t, stored.EmbeddingPending)
}

func TestRepairKeepsPendingOnFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	b := batch("a.go", "h1", entity("a.go", "a.go::A", "A"))
	b.Vectors = nil
	_, err := f.coord.ApplyFile(ctx, b)
	require.NoError(t, err)

	f.embedder.err = models.ErrEmbeddingUnavailable
	report, err := f.coord.RepairEmbeddings(ctx, ctxName)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, report.Pending)
}

func TestApplyFileStaleEntities(t *testing.T) {
	ctx := context.Background()
	oldE := entity("a.go", "a.go::Old", "Old")
	newE := entity("a.go", "a.go::New", "New")

	t.Run("kept without remove stale", func(t *testing.T) {
		f := newFixture()
		first, err := f.coord.ApplyFile(ctx, batch("a.go", "h1", oldE))
		require.NoError(t, err)

		b := batch("a.go", "h2", newE)
		b.Previous = first
		entry, err := f.coord.ApplyFile(ctx, b)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{oldE.ID, newE.ID}, entry.EntityIDs)
		assert.Equal(t, 2, f.graph.Count(ctxName))
	})

	t.Run("removed with remove stale", func(t *testing.T) {
		f := newFixture()
		first, err := f.coord.ApplyFile(ctx, batch("a.go", "h1", oldE))
		require.NoError(t, err)

		b := batch("a.go", "h2", newE)
		b.Previous = first
		b.RemoveStale = true
		entry, err := f.coord.ApplyFile(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, []string{newE.ID}, entry.EntityIDs)
		assert.Equal(t, 1, f.graph.Count(ctxName))
		assert.False(t, f.vectors.Has(ctxName, oldE.ID))
	})
}

func TestRemoveFile(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := entity("a.go", "a.go::A", "A")
	entry, err := f.coord.ApplyFile(ctx, batch("a.go", "h1", a))
	require.NoError(t, err)

	require.NoError(t, f.coord.RemoveFile(ctx, *entry))
	assert.Equal(t, 0, f.graph.Count(ctxName))
	assert.Equal(t, 0, f.vectors.Count(ctxName))
	_, err = f.manifest.Get(ctx, ctxName, "a.go")
	assert.ErrorIs(t, err, manifest.ErrNotFound)
}

func TestRemoveFilePartialFailureAndSweep(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := entity("a.go", "a.go::A", "A")
	entry, err := f.coord.ApplyFile(ctx, batch("a.go", "h1", a))
	require.NoError(t, err)

	f.vectors.Fail("DeleteByIds", errors.New("timeout"))
	err = f.coord.RemoveFile(ctx, *entry)
	var partial *models.PartialDeletionFailure
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []string{models.StoreVector}, partial.Pending)
	assert.Equal(t, 2, f.vectors.Calls("DeleteByIds"), "bounded retries")
	assert.Equal(t, 0, f.graph.Count(ctxName), "graph deletion is attempted regardless")

	orphan, err := f.manifest.Get(ctx, ctxName, "a.go")
	require.NoError(t, err)
	assert.True(t, orphan.Orphaned)
	assert.Equal(t, []string{models.StoreVector}, orphan.OrphanStores)

	report, err := f.coord.Sweep(ctx, ctxName)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, report.Pending)

	f.vectors.Fail("DeleteByIds", nil)
	graphCalls := f.graph.Calls("DeleteByIds")
	report, err = f.coord.Sweep(ctx, ctxName)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cleared)
	assert.Equal(t, graphCalls, f.graph.Calls("DeleteByIds"), "sweep only retries stores still holding data")
	assert.Equal(t, 0, f.vectors.Count(ctxName))

	_, err = f.manifest.Get(ctx, ctxName, "a.go")
	assert.ErrorIs(t, err, manifest.ErrNotFound)
}

func TestApplyFilePromotesWeakRefs(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	caller := entity("b.go", "b.go::Run", "Run")

	b := batch("b.go", "h1", caller)
	b.Relationships = []models.Relationship{{
		FromEntityID: caller.ID,
		Type:         models.RelCalls,
		Context:      ctxName,
		TargetName:   "Helper",
		Weak:         true,
	}}
	_, err := f.coord.ApplyFile(ctx, b)
	require.NoError(t, err)
	require.True(t, f.graph.Edges(ctxName, caller.ID)[0].Weak)

	helper := entity("a.go", "a.go::Helper", "Helper")
	_, err = f.coord.ApplyFile(ctx, batch("a.go", "h2", helper))
	require.NoError(t, err)

	edges := f.graph.Edges(ctxName, caller.ID)
	require.Len(t, edges, 1)
	assert.False(t, edges[0].Weak)
	assert.Equal(t, helper.ID, edges[0].ToEntityID)
}
