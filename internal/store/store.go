// Package store defines the graph and vector store contracts shared by the
// Neo4j, Qdrant and in-memory backends.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/dpolishuk/codegraph/internal/models"
)

var ErrUnavailable = errors.New("store unavailable")

// RelationPattern selects entities through an edge type. Without Reverse the
// sources of edges that end at a term match are selected ("implements X");
// with Reverse the targets of edges leaving a term match ("called by X").
type RelationPattern struct {
	Type    models.RelationType
	Reverse bool
}

// GraphQuery is a structural lookup by name terms and relationship patterns.
type GraphQuery struct {
	Context   string
	Terms     []string
	Relations []RelationPattern
	// IDs restricts the result to these entities when non-empty.
	IDs   []string
	Limit int
}

// GraphMatch is an entity with its normalized structural match strength.
type GraphMatch struct {
	Entity models.CodeEntity
	Score  float64
}

// Neighbor is an entity reached by Traverse. Weak neighbors are placeholders
// for unresolved targets and carry only a name.
type Neighbor struct {
	Entity    models.CodeEntity
	Type      models.RelationType
	Direction models.Direction
	Depth     int
	Weak      bool
}

type GraphStore interface {
	UpsertNodes(ctx context.Context, entities []models.CodeEntity) error
	// UpsertEdges replaces every outgoing edge of sourceIDs with rels.
	UpsertEdges(ctx context.Context, contextName string, sourceIDs []string, rels []models.Relationship) error
	QueryByPattern(ctx context.Context, q GraphQuery) ([]GraphMatch, error)
	// Traverse walks up to depth hops in both directions, keeping at most
	// maxNeighbors new neighbors per node and hop.
	Traverse(ctx context.Context, contextName, id string, depth, maxNeighbors int) ([]Neighbor, error)
	// DeleteByIds removes the entities and every edge touching them.
	DeleteByIds(ctx context.Context, contextName string, ids []string) error
	FindByNames(ctx context.Context, contextName string, names []string) ([]models.CodeEntity, error)
	GetByIds(ctx context.Context, contextName string, ids []string) ([]models.CodeEntity, error)
	// PromoteWeakRefs turns weak edges naming one of entities into hard edges
	// and returns the number promoted.
	PromoteWeakRefs(ctx context.Context, contextName string, entities []models.CodeEntity) (int, error)
}

// VectorPoint is one embedding with the entity it belongs to as payload.
type VectorPoint struct {
	ID     string
	Vector []float32
	Entity models.CodeEntity
}

type VectorFilter struct {
	Context  string
	IDs      []string
	FilePath string
}

// VectorMatch is a similarity hit with the entity payload stored alongside
// the vector. Score is normalized to [0,1].
type VectorMatch struct {
	ID     string
	Score  float64
	Entity models.CodeEntity
}

type VectorStore interface {
	UpsertPoints(ctx context.Context, points []VectorPoint) error
	SimilaritySearch(ctx context.Context, vector []float32, filter VectorFilter, limit int) ([]VectorMatch, error)
	DeleteByIds(ctx context.Context, contextName string, ids []string) error
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Match strengths of a name term against an entity.
const (
	ScoreExact    = 1.0
	ScorePrefix   = 0.75
	ScoreContains = 0.5
	// RelatedFactor scales the score of a term match that is only the anchor
	// of a relationship pattern.
	RelatedFactor = 0.5
)

// MatchScore returns the best match strength of any term against the
// entity's name or qualified-name suffix, case-insensitively.
func MatchScore(e models.CodeEntity, terms []string) float64 {
	name := strings.ToLower(e.Name)
	suffix := strings.ToLower(e.QualifiedName)
	if i := strings.Index(suffix, "::"); i >= 0 {
		suffix = suffix[i+2:]
	}
	best := 0.0
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		var s float64
		switch {
		case name == t || suffix == t:
			s = ScoreExact
		case strings.HasPrefix(name, t) || strings.HasPrefix(suffix, t):
			s = ScorePrefix
		case strings.Contains(name, t) || strings.Contains(suffix, t):
			s = ScoreContains
		}
		if s > best {
			best = s
		}
	}
	return best
}

// Stats summarizes what a graph store holds for one context.
type Stats struct {
	Entities  map[models.EntityKind]int `json:"entities"`
	Edges     int                       `json:"edges"`
	WeakEdges int                       `json:"weakEdges"`
}

// StatsReader is implemented by graph stores that can count their contents.
type StatsReader interface {
	Stats(ctx context.Context, contextName string) (Stats, error)
}
