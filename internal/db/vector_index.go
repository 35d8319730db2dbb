package db

import (
	"context"
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/dpolishuk/codegraph/internal/store"
)

const vectorIndexName = "entity_embeddings"

// oversample widens the index probe so context and path filters applied
// after the ANN lookup still leave enough hits.
const oversample = 4

// VectorIndex stores embeddings in the embedding property of (:Entity) nodes
// and searches them through Neo4j's native vector index.
type VectorIndex struct {
	client     *Neo4jClient
	dimensions int
}

var _ store.VectorStore = (*VectorIndex)(nil)

func NewVectorIndex(client *Neo4jClient, dimensions int) *VectorIndex {
	return &VectorIndex{client: client, dimensions: dimensions}
}

func (v *VectorIndex) Ping(ctx context.Context) error {
	return v.client.Ping(ctx)
}

// EnsureIndex creates the cosine vector index over entity embeddings.
func (v *VectorIndex) EnsureIndex(ctx context.Context) error {
	_, err := v.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := fmt.Sprintf(`
			CREATE VECTOR INDEX %s IF NOT EXISTS
			FOR (e:Entity) ON (e.embedding)
			OPTIONS {indexConfig: {
				`+"`"+`vector.dimensions`+"`"+`: %d,
				`+"`"+`vector.similarity_function`+"`"+`: 'cosine'
			}}
		`, vectorIndexName, v.dimensions)
		_, err := tx.Run(ctx, query, nil)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}
	return nil
}

// UpsertPoints sets the embedding of each entity node. The entity payload
// already lives on the node, so points for unknown nodes create them.
func (v *VectorIndex) UpsertPoints(ctx context.Context, points []store.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	rows := make([]map[string]any, 0, len(points))
	for _, p := range points {
		if len(p.Vector) != v.dimensions {
			return fmt.Errorf("vector for %s has %d dimensions, want %d", p.ID, len(p.Vector), v.dimensions)
		}
		props := entityProps(p.Entity)
		props["id"] = p.ID
		rows = append(rows, map[string]any{"id": p.ID, "props": props, "vector": p.Vector})
	}

	_, err := v.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			UNWIND $rows AS row
			MERGE (e:Entity {id: row.id})
			ON CREATE SET e += row.props
			WITH e, row
			CALL db.create.setNodeVectorProperty(e, 'embedding', row.vector)
		`, map[string]any{"rows": rows})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert %d embeddings: %w", len(points), err)
	}
	return nil
}

// SimilaritySearch probes the vector index, or scores the given ids exactly
// when the filter restricts the candidates.
func (v *VectorIndex) SimilaritySearch(ctx context.Context, vector []float32, filter store.VectorFilter, limit int) ([]store.VectorMatch, error) {
	if limit <= 0 {
		limit = 10
	}
	params := map[string]any{
		"embedding": vector,
		"context":   filter.Context,
		"filePath":  filter.FilePath,
		"limit":     limit,
	}

	var query string
	if len(filter.IDs) > 0 {
		params["ids"] = filter.IDs
		query = `
			MATCH (node:Entity {context: $context})
			WHERE node.id IN $ids AND node.embedding IS NOT NULL
			  AND ($filePath = '' OR node.filePath = $filePath)
			WITH node, vector.similarity.cosine(node.embedding, $embedding) AS score
			RETURN node, score
			ORDER BY score DESC, node.id
			LIMIT $limit
		`
	} else {
		params["probe"] = limit * oversample
		query = fmt.Sprintf(`
			CALL db.index.vector.queryNodes('%s', $probe, $embedding)
			YIELD node, score
			WHERE node.context = $context
			  AND ($filePath = '' OR node.filePath = $filePath)
			RETURN node, score
			ORDER BY score DESC, node.id
			LIMIT $limit
		`, vectorIndexName)
	}

	result, err := v.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, fmt.Errorf("failed to run vector search query: %w", err)
		}

		var matches []store.VectorMatch
		for records.Next(ctx) {
			rec := records.Record()
			e := recordEntity(rec, "node")
			matches = append(matches, store.VectorMatch{
				ID:     e.ID,
				Score:  recordFloat(rec, "score"),
				Entity: e,
			})
		}
		if err := records.Err(); err != nil {
			return nil, fmt.Errorf("error iterating search results: %w", err)
		}
		return matches, nil
	})
	if err != nil {
		return nil, err
	}
	matches, _ := result.([]store.VectorMatch)
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}

// DeleteByIds drops the embeddings. Nodes are owned by the graph store.
func (v *VectorIndex) DeleteByIds(ctx context.Context, contextName string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := v.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MATCH (e:Entity {context: $context})
			WHERE e.id IN $ids
			REMOVE e.embedding
		`, map[string]any{"context": contextName, "ids": ids})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to delete %d embeddings: %w", len(ids), err)
	}
	return nil
}

// Both the index and vector.similarity.cosine already report cosine
// similarity mapped to [0,1].
func recordFloat(rec *neo4j.Record, key string) float64 {
	v, _ := rec.Get(key)
	switch f := v.(type) {
	case float64:
		return f
	case int64:
		return float64(f)
	default:
		return 0
	}
}
