package db

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/internal/store"
)

var _ store.StatsReader = (*GraphStore)(nil)

// Stats counts the entities by kind and the hard and weak edges of a context.
func (s *GraphStore) Stats(ctx context.Context, contextName string) (store.Stats, error) {
	result, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		st := store.Stats{Entities: make(map[models.EntityKind]int)}

		records, err := tx.Run(ctx, `
			MATCH (e:Entity {context: $context})
			RETURN e.kind AS kind, count(e) AS count
		`, map[string]any{"context": contextName})
		if err != nil {
			return nil, err
		}
		for records.Next(ctx) {
			rec := records.Record()
			st.Entities[models.EntityKind(recordString(rec, "kind"))] = recordInt(rec, "count")
		}
		if err := records.Err(); err != nil {
			return nil, err
		}

		records, err = tx.Run(ctx, `
			MATCH (:Entity {context: $context})-[r]->()
			RETURN coalesce(r.weak, false) AS weak, count(r) AS count
		`, map[string]any{"context": contextName})
		if err != nil {
			return nil, err
		}
		for records.Next(ctx) {
			rec := records.Record()
			if recordBool(rec, "weak") {
				st.WeakEdges = recordInt(rec, "count")
			} else {
				st.Edges = recordInt(rec, "count")
			}
		}
		return st, records.Err()
	})
	if err != nil {
		return store.Stats{}, fmt.Errorf("failed to count context %s: %w", contextName, err)
	}
	return result.(store.Stats), nil
}

func recordInt(rec *neo4j.Record, key string) int {
	v, _ := rec.Get(key)
	n, _ := v.(int64)
	return int(n)
}
