// Package memstore holds in-process graph and vector stores used in dev mode
// and tests. Both support fault and latency injection.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/internal/store"
)

// Faults injects failures and latency into a store. Operation names are the
// interface method names ("UpsertNodes", "QueryByPattern", ...).
type Faults struct {
	mu     sync.Mutex
	errs   map[string]error
	delays map[string]time.Duration
	calls  map[string]int
}

// Fail makes every following call of op return err until cleared with nil.
func (f *Faults) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string]error)
	}
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// Delay makes op sleep for d before running, or until the caller's context
// is done.
func (f *Faults) Delay(op string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delays == nil {
		f.delays = make(map[string]time.Duration)
	}
	if d <= 0 {
		delete(f.delays, op)
		return
	}
	f.delays[op] = d
}

// Calls returns how often op was invoked.
func (f *Faults) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Faults) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
	err := f.errs[op]
	d := f.delays[op]
	f.mu.Unlock()

	if d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// GraphStore is an in-memory store.GraphStore.
type GraphStore struct {
	Faults

	mu    sync.RWMutex
	nodes map[string]map[string]models.CodeEntity        // context -> id -> entity
	out   map[string]map[string][]models.Relationship // context -> from id -> edges
}

var _ store.GraphStore = (*GraphStore)(nil)

func NewGraphStore() *GraphStore {
	return &GraphStore{
		nodes: make(map[string]map[string]models.CodeEntity),
		out:   make(map[string]map[string][]models.Relationship),
	}
}

func (g *GraphStore) Ping(ctx context.Context) error { return g.enter(ctx, "Ping") }

func (g *GraphStore) UpsertNodes(ctx context.Context, entities []models.CodeEntity) error {
	if err := g.enter(ctx, "UpsertNodes"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range entities {
		nodes, ok := g.nodes[e.Context]
		if !ok {
			nodes = make(map[string]models.CodeEntity)
			g.nodes[e.Context] = nodes
		}
		nodes[e.ID] = copyEntity(e)
	}
	return nil
}

func (g *GraphStore) UpsertEdges(ctx context.Context, contextName string, sourceIDs []string, rels []models.Relationship) error {
	if err := g.enter(ctx, "UpsertEdges"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out, ok := g.out[contextName]
	if !ok {
		out = make(map[string][]models.Relationship)
		g.out[contextName] = out
	}
	for _, id := range sourceIDs {
		delete(out, id)
	}
	seen := make(map[string]bool)
	for _, r := range rels {
		if seen[r.Key()] {
			continue
		}
		seen[r.Key()] = true
		r.Context = contextName
		if _, ok := g.nodes[contextName][r.ToEntityID]; !r.Weak && !ok {
			r = store.Detach(r)
			if seen[r.Key()] {
				continue
			}
			seen[r.Key()] = true
		}
		out[r.FromEntityID] = append(out[r.FromEntityID], r)
	}
	return nil
}

func (g *GraphStore) QueryByPattern(ctx context.Context, q store.GraphQuery) ([]store.GraphMatch, error) {
	if err := g.enter(ctx, "QueryByPattern"); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := g.nodes[q.Context]
	anchors := make(map[string]float64)
	for id, e := range nodes {
		if e.Kind == models.KindSection {
			continue
		}
		if s := store.MatchScore(e, q.Terms); s > 0 {
			anchors[id] = s
		}
	}

	scores := make(map[string]float64)
	raise := func(id string, s float64) {
		if s > scores[id] {
			scores[id] = s
		}
	}

	if len(q.Relations) == 0 {
		for id, s := range anchors {
			raise(id, s)
		}
	} else {
		for _, p := range q.Relations {
			for from, edges := range g.out[q.Context] {
				for _, r := range edges {
					if r.Type != p.Type {
						continue
					}
					switch {
					case p.Reverse && !r.Weak:
						if s, ok := anchors[from]; ok {
							raise(r.ToEntityID, s)
						}
					case !p.Reverse && r.Weak:
						if s := store.WeakScore(r, q.Terms); s > 0 {
							raise(from, s)
						}
					case !p.Reverse:
						if s, ok := anchors[r.ToEntityID]; ok {
							raise(from, s)
						}
					}
				}
			}
		}
		for id, s := range anchors {
			raise(id, s*store.RelatedFactor)
		}
	}

	var allowed map[string]bool
	if len(q.IDs) > 0 {
		allowed = make(map[string]bool, len(q.IDs))
		for _, id := range q.IDs {
			allowed[id] = true
		}
	}

	out := make([]store.GraphMatch, 0, len(scores))
	for id, s := range scores {
		e, ok := nodes[id]
		if !ok || e.Kind == models.KindSection || (allowed != nil && !allowed[id]) {
			continue
		}
		out = append(out, store.GraphMatch{Entity: copyEntity(e), Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Entity.QualifiedName < out[j].Entity.QualifiedName
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (g *GraphStore) Traverse(ctx context.Context, contextName, id string, depth, maxNeighbors int) ([]store.Neighbor, error) {
	if err := g.enter(ctx, "Traverse"); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := g.nodes[contextName]
	in := make(map[string][]models.Relationship)
	for _, edges := range g.out[contextName] {
		for _, r := range edges {
			if !r.Weak {
				in[r.ToEntityID] = append(in[r.ToEntityID], r)
			}
		}
	}

	visited := map[string]bool{id: true}
	frontier := []string{id}
	var result []store.Neighbor
	for hop := 1; hop <= depth && len(frontier) > 0; hop++ {
		var next []string
		for _, cur := range frontier {
			var hopNeighbors []store.Neighbor
			for _, r := range g.out[contextName][cur] {
				if r.Weak {
					hopNeighbors = append(hopNeighbors, store.Neighbor{
						Entity:    models.CodeEntity{Name: store.WeakSymbol(r), QualifiedName: r.TargetName, Context: contextName},
						Type:      r.Type,
						Direction: models.DirectionOutgoing,
						Depth:     hop,
						Weak:      true,
					})
					continue
				}
				if e, ok := nodes[r.ToEntityID]; ok && !visited[e.ID] {
					hopNeighbors = append(hopNeighbors, store.Neighbor{Entity: copyEntity(e), Type: r.Type, Direction: models.DirectionOutgoing, Depth: hop})
				}
			}
			for _, r := range in[cur] {
				if e, ok := nodes[r.FromEntityID]; ok && !visited[e.ID] {
					hopNeighbors = append(hopNeighbors, store.Neighbor{Entity: copyEntity(e), Type: r.Type, Direction: models.DirectionIncoming, Depth: hop})
				}
			}
			store.SortNeighbors(hopNeighbors)

			kept := 0
			for _, n := range hopNeighbors {
				if maxNeighbors > 0 && kept >= maxNeighbors {
					break
				}
				if !n.Weak {
					if visited[n.Entity.ID] {
						continue
					}
					visited[n.Entity.ID] = true
					next = append(next, n.Entity.ID)
				}
				result = append(result, n)
				kept++
			}
		}
		frontier = next
	}
	return result, nil
}

// DeleteByIds removes the entities with their outgoing edges. Hard edges of
// surviving entities that pointed at them become weak edges by name.
func (g *GraphStore) DeleteByIds(ctx context.Context, contextName string, ids []string) error {
	if err := g.enter(ctx, "DeleteByIds"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	gone := make(map[string]models.CodeEntity, len(ids))
	for _, id := range ids {
		if e, ok := g.nodes[contextName][id]; ok {
			gone[id] = e
		}
		delete(g.nodes[contextName], id)
		delete(g.out[contextName], id)
	}
	for from, edges := range g.out[contextName] {
		for i, r := range edges {
			target, ok := gone[r.ToEntityID]
			if r.Weak || !ok {
				continue
			}
			edges[i] = store.Weaken(r, target)
		}
		g.out[contextName][from] = edges
	}
	return nil
}

func (g *GraphStore) FindByNames(ctx context.Context, contextName string, names []string) ([]models.CodeEntity, error) {
	if err := g.enter(ctx, "FindByNames"); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []models.CodeEntity
	for _, e := range g.nodes[contextName] {
		if want[e.Name] && e.Kind != models.KindSection {
			out = append(out, copyEntity(e))
		}
	}
	sortEntities(out)
	return out, nil
}

func (g *GraphStore) GetByIds(ctx context.Context, contextName string, ids []string) ([]models.CodeEntity, error) {
	if err := g.enter(ctx, "GetByIds"); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []models.CodeEntity
	for _, id := range ids {
		if e, ok := g.nodes[contextName][id]; ok {
			out = append(out, copyEntity(e))
		}
	}
	return out, nil
}

func (g *GraphStore) PromoteWeakRefs(ctx context.Context, contextName string, entities []models.CodeEntity) (int, error) {
	if err := g.enter(ctx, "PromoteWeakRefs"); err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	promoted := 0
	for from, edges := range g.out[contextName] {
		changed := false
		for i, r := range edges {
			if !r.Weak {
				continue
			}
			target, ok := store.PromotionTarget(r, entities)
			if !ok {
				continue
			}
			edges[i] = store.Promote(r, target)
			edges[i].Context = contextName
			promoted++
			changed = true
		}
		if changed {
			g.out[contextName][from] = dedupe(edges)
		}
	}
	return promoted, nil
}

// Edges returns the outgoing edges of id. Tests use it to inspect the graph.
func (g *GraphStore) Edges(contextName, id string) []models.Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]models.Relationship(nil), g.out[contextName][id]...)
}

// Count returns the number of entities stored for a context.
func (g *GraphStore) Count(contextName string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes[contextName])
}

// Stats counts entities by kind and edges for a context.
func (g *GraphStore) Stats(ctx context.Context, contextName string) (store.Stats, error) {
	if err := g.enter(ctx, "Stats"); err != nil {
		return store.Stats{}, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	st := store.Stats{Entities: make(map[models.EntityKind]int)}
	for _, e := range g.nodes[contextName] {
		st.Entities[e.Kind]++
	}
	for _, edges := range g.out[contextName] {
		for _, r := range edges {
			if r.Weak {
				st.WeakEdges++
			} else {
				st.Edges++
			}
		}
	}
	return st, nil
}

// EntitiesByFile returns the stored entities of one file.
func (g *GraphStore) EntitiesByFile(contextName, filePath string) []models.CodeEntity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []models.CodeEntity
	for _, e := range g.nodes[contextName] {
		if e.FilePath == filePath {
			out = append(out, copyEntity(e))
		}
	}
	sortEntities(out)
	return out
}

func dedupe(edges []models.Relationship) []models.Relationship {
	seen := make(map[string]bool, len(edges))
	out := edges[:0]
	for _, r := range edges {
		if seen[r.Key()] {
			continue
		}
		seen[r.Key()] = true
		out = append(out, r)
	}
	return out
}

func sortEntities(es []models.CodeEntity) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].FilePath != es[j].FilePath {
			return es[i].FilePath < es[j].FilePath
		}
		return es[i].QualifiedName < es[j].QualifiedName
	})
}

func copyEntity(e models.CodeEntity) models.CodeEntity {
	if e.Metadata != nil {
		m := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			m[k] = v
		}
		e.Metadata = m
	}
	return e
}
