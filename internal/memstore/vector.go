package memstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/dpolishuk/codegraph/internal/store"
)

// VectorStore is an in-memory store.VectorStore using exact cosine
// similarity.
type VectorStore struct {
	Faults

	mu     sync.RWMutex
	points map[string]map[string]store.VectorPoint
}

var _ store.VectorStore = (*VectorStore)(nil)

func NewVectorStore() *VectorStore {
	return &VectorStore{points: make(map[string]map[string]store.VectorPoint)}
}

func (v *VectorStore) Ping(ctx context.Context) error { return v.enter(ctx, "Ping") }

func (v *VectorStore) UpsertPoints(ctx context.Context, points []store.VectorPoint) error {
	if err := v.enter(ctx, "UpsertPoints"); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range points {
		ctxPoints, ok := v.points[p.Entity.Context]
		if !ok {
			ctxPoints = make(map[string]store.VectorPoint)
			v.points[p.Entity.Context] = ctxPoints
		}
		p.Vector = append([]float32(nil), p.Vector...)
		ctxPoints[p.ID] = p
	}
	return nil
}

func (v *VectorStore) SimilaritySearch(ctx context.Context, vector []float32, filter store.VectorFilter, limit int) ([]store.VectorMatch, error) {
	if err := v.enter(ctx, "SimilaritySearch"); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	var allowed map[string]bool
	if len(filter.IDs) > 0 {
		allowed = make(map[string]bool, len(filter.IDs))
		for _, id := range filter.IDs {
			allowed[id] = true
		}
	}

	var out []store.VectorMatch
	for id, p := range v.points[filter.Context] {
		if allowed != nil && !allowed[id] {
			continue
		}
		if filter.FilePath != "" && p.Entity.FilePath != filter.FilePath {
			continue
		}
		out = append(out, store.VectorMatch{ID: id, Score: Cosine(vector, p.Vector), Entity: copyEntity(p.Entity)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *VectorStore) DeleteByIds(ctx context.Context, contextName string, ids []string) error {
	if err := v.enter(ctx, "DeleteByIds"); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range ids {
		delete(v.points[contextName], id)
	}
	return nil
}

// Has reports whether a point is stored.
func (v *VectorStore) Has(contextName, id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.points[contextName][id]
	return ok
}

// Count returns the number of points stored for a context.
func (v *VectorStore) Count(contextName string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.points[contextName])
}

// Cosine returns the cosine similarity of a and b mapped to [0,1].
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	c := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return (c + 1) / 2
}
