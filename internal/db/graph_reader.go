package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/internal/store"
)

// scanLimit bounds how many anchor candidates a pattern query scores.
const scanLimit = 1000

// QueryByPattern selects entities by name terms and relationship patterns.
// Cypher narrows the candidates; scoring happens here so every backend ranks
// the same way.
func (s *GraphStore) QueryByPattern(ctx context.Context, q store.GraphQuery) ([]store.GraphMatch, error) {
	terms := lowerTerms(q.Terms)
	if len(terms) == 0 {
		return nil, nil
	}

	result, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		entities := make(map[string]models.CodeEntity)
		anchors := make(map[string]float64)

		records, err := tx.Run(ctx, `
			MATCH (e:Entity {context: $context})
			WHERE e.kind <> 'Section'
			  AND any(t IN $terms WHERE toLower(e.name) CONTAINS t OR toLower(e.qualifiedName) CONTAINS t)
			RETURN e
			LIMIT $limit
		`, map[string]any{"context": q.Context, "terms": terms, "limit": scanLimit})
		if err != nil {
			return nil, err
		}
		for records.Next(ctx) {
			e := recordEntity(records.Record(), "e")
			if score := store.MatchScore(e, q.Terms); score > 0 {
				entities[e.ID] = e
				anchors[e.ID] = score
			}
		}
		if err := records.Err(); err != nil {
			return nil, err
		}

		scores := make(map[string]float64)
		raise := func(id string, score float64) {
			if score > scores[id] {
				scores[id] = score
			}
		}
		if len(q.Relations) == 0 {
			for id, score := range anchors {
				raise(id, score)
			}
			return rank(entities, scores, q), nil
		}

		anchorIDs := make([]string, 0, len(anchors))
		for id := range anchors {
			anchorIDs = append(anchorIDs, id)
		}
		for _, p := range q.Relations {
			label, err := relLabel(p.Type)
			if err != nil {
				return nil, err
			}
			if p.Reverse {
				err = collectRelated(ctx, tx, fmt.Sprintf(`
					MATCH (a:Entity)-[r:%s]->(b:Entity {context: $context})
					WHERE a.id IN $ids AND NOT coalesce(r.weak, false)
					RETURN b AS e, a.id AS anchor
				`, label), q.Context, anchorIDs, func(e models.CodeEntity, anchor string) {
					entities[e.ID] = e
					raise(e.ID, anchors[anchor])
				})
			} else {
				err = collectRelated(ctx, tx, fmt.Sprintf(`
					MATCH (a:Entity {context: $context})-[r:%s]->(b:Entity)
					WHERE b.id IN $ids AND NOT coalesce(r.weak, false)
					RETURN a AS e, b.id AS anchor
				`, label), q.Context, anchorIDs, func(e models.CodeEntity, anchor string) {
					entities[e.ID] = e
					raise(e.ID, anchors[anchor])
				})
				if err == nil {
					err = s.collectWeak(ctx, tx, label, q, terms, func(e models.CodeEntity, score float64) {
						entities[e.ID] = e
						raise(e.ID, score)
					})
				}
			}
			if err != nil {
				return nil, err
			}
		}
		for id, score := range anchors {
			raise(id, score*store.RelatedFactor)
		}
		return rank(entities, scores, q), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query graph: %w", err)
	}
	return result.([]store.GraphMatch), nil
}

func collectRelated(ctx context.Context, tx neo4j.ManagedTransaction, query, contextName string, ids []string, fn func(models.CodeEntity, string)) error {
	if len(ids) == 0 {
		return nil
	}
	records, err := tx.Run(ctx, query, map[string]any{"context": contextName, "ids": ids})
	if err != nil {
		return err
	}
	for records.Next(ctx) {
		rec := records.Record()
		fn(recordEntity(rec, "e"), recordString(rec, "anchor"))
	}
	return records.Err()
}

// collectWeak scores the sources of weak edges whose awaited name matches a term.
func (s *GraphStore) collectWeak(ctx context.Context, tx neo4j.ManagedTransaction, label string, q store.GraphQuery, terms []string, fn func(models.CodeEntity, float64)) error {
	records, err := tx.Run(ctx, fmt.Sprintf(`
		MATCH (a:Entity {context: $context})-[r:%s {weak: true}]->(s:Symbol)
		WHERE any(t IN $terms WHERE toLower(s.name) CONTAINS t OR toLower(r.symbol) CONTAINS t)
		RETURN a AS e, r.props AS props, r.type AS type, s.name AS target
		LIMIT $limit
	`, label), map[string]any{"context": q.Context, "terms": terms, "limit": scanLimit})
	if err != nil {
		return err
	}
	for records.Next(ctx) {
		rec := records.Record()
		weak := models.Relationship{
			Type:       models.RelationType(recordString(rec, "type")),
			TargetName: recordString(rec, "target"),
			Properties: decodeProps(recordString(rec, "props")),
			Weak:       true,
		}
		if score := store.WeakScore(weak, q.Terms); score > 0 {
			fn(recordEntity(rec, "e"), score)
		}
	}
	return records.Err()
}

func rank(entities map[string]models.CodeEntity, scores map[string]float64, q store.GraphQuery) []store.GraphMatch {
	var allowed map[string]bool
	if len(q.IDs) > 0 {
		allowed = make(map[string]bool, len(q.IDs))
		for _, id := range q.IDs {
			allowed[id] = true
		}
	}
	out := make([]store.GraphMatch, 0, len(scores))
	for id, score := range scores {
		e, ok := entities[id]
		if !ok || e.Kind == models.KindSection || (allowed != nil && !allowed[id]) {
			continue
		}
		out = append(out, store.GraphMatch{Entity: e, Score: score})
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
	return out
}

// Traverse walks outward from id one hop per round trip, keeping at most
// maxNeighbors new neighbors per node and hop.
func (s *GraphStore) Traverse(ctx context.Context, contextName, id string, depth, maxNeighbors int) ([]store.Neighbor, error) {
	result, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		visited := map[string]bool{id: true}
		frontier := []string{id}
		var out []store.Neighbor

		for hop := 1; hop <= depth && len(frontier) > 0; hop++ {
			perNode, err := hopNeighbors(ctx, tx, contextName, frontier, hop)
			if err != nil {
				return nil, err
			}
			var next []string
			for _, cur := range frontier {
				ns := perNode[cur]
				store.SortNeighbors(ns)
				kept := 0
				for _, n := range ns {
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
					out = append(out, n)
					kept++
				}
			}
			frontier = next
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to traverse from %s: %w", id, err)
	}
	return result.([]store.Neighbor), nil
}

func hopNeighbors(ctx context.Context, tx neo4j.ManagedTransaction, contextName string, frontier []string, hop int) (map[string][]store.Neighbor, error) {
	params := map[string]any{"context": contextName, "ids": frontier}
	out := make(map[string][]store.Neighbor, len(frontier))

	records, err := tx.Run(ctx, `
		MATCH (a:Entity {context: $context})-[r]->(b)
		WHERE a.id IN $ids
		RETURN a.id AS origin, r.type AS type, coalesce(r.weak, false) AS weak,
		       r.symbol AS symbol, b AS e, b.name AS target
	`, params)
	if err != nil {
		return nil, err
	}
	for records.Next(ctx) {
		rec := records.Record()
		n := store.Neighbor{
			Type:      models.RelationType(recordString(rec, "type")),
			Direction: models.DirectionOutgoing,
			Depth:     hop,
			Weak:      recordBool(rec, "weak"),
		}
		if n.Weak {
			n.Entity = models.CodeEntity{
				Name:          recordString(rec, "symbol"),
				QualifiedName: recordString(rec, "target"),
				Context:       contextName,
			}
		} else {
			n.Entity = recordEntity(rec, "e")
		}
		origin := recordString(rec, "origin")
		out[origin] = append(out[origin], n)
	}
	if err := records.Err(); err != nil {
		return nil, err
	}

	records, err = tx.Run(ctx, `
		MATCH (a:Entity {context: $context})-[r]->(b:Entity)
		WHERE b.id IN $ids AND NOT coalesce(r.weak, false)
		RETURN b.id AS origin, r.type AS type, a AS e
	`, params)
	if err != nil {
		return nil, err
	}
	for records.Next(ctx) {
		rec := records.Record()
		origin := recordString(rec, "origin")
		out[origin] = append(out[origin], store.Neighbor{
			Entity:    recordEntity(rec, "e"),
			Type:      models.RelationType(recordString(rec, "type")),
			Direction: models.DirectionIncoming,
			Depth:     hop,
		})
	}
	return out, records.Err()
}

func (s *GraphStore) FindByNames(ctx context.Context, contextName string, names []string) ([]models.CodeEntity, error) {
	if len(names) == 0 {
		return nil, nil
	}
	return s.entities(ctx, `
		MATCH (e:Entity {context: $context})
		WHERE e.name IN $names AND e.kind <> 'Section'
		RETURN e
		ORDER BY e.filePath, e.qualifiedName
	`, map[string]any{"context": contextName, "names": names})
}

func (s *GraphStore) GetByIds(ctx context.Context, contextName string, ids []string) ([]models.CodeEntity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.entities(ctx, `
		MATCH (e:Entity {context: $context})
		WHERE e.id IN $ids
		RETURN e
		ORDER BY e.filePath, e.qualifiedName
	`, map[string]any{"context": contextName, "ids": ids})
}

func (s *GraphStore) entities(ctx context.Context, query string, params map[string]any) ([]models.CodeEntity, error) {
	result, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		var out []models.CodeEntity
		for records.Next(ctx) {
			out = append(out, recordEntity(records.Record(), "e"))
		}
		return out, records.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read entities: %w", err)
	}
	return result.([]models.CodeEntity), nil
}

func lowerTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func recordEntity(rec *neo4j.Record, key string) models.CodeEntity {
	raw, _ := rec.Get(key)
	node, ok := raw.(neo4j.Node)
	if !ok {
		return models.CodeEntity{}
	}
	return entityFromProps(node.Props)
}

func entityFromProps(p map[string]any) models.CodeEntity {
	e := models.CodeEntity{
		ID:            propString(p, "id"),
		Context:       propString(p, "context"),
		Kind:          models.EntityKind(propString(p, "kind")),
		Subtype:       propString(p, "subtype"),
		Name:          propString(p, "name"),
		QualifiedName: propString(p, "qualifiedName"),
		Language:      propString(p, "language"),
		FilePath:      propString(p, "filePath"),
		StartLine:     propInt(p, "startLine"),
		EndLine:       propInt(p, "endLine"),
		ContentHash:   propString(p, "contentHash"),
		Signature:     propString(p, "signature"),
		Docstring:     propString(p, "docstring"),
		ParentID:      propString(p, "parentId"),
		EmbedText:     propString(p, "embedText"),
		Metadata:      decodeProps(propString(p, "metadata")),
	}
	e.Truncated, _ = p["truncated"].(bool)
	if t, ok := p["lastIndexedAt"].(time.Time); ok {
		e.LastIndexedAt = t
	}
	return e
}

func propString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func propInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func recordString(rec *neo4j.Record, key string) string {
	v, _ := rec.Get(key)
	s, _ := v.(string)
	return s
}

func recordBool(rec *neo4j.Record, key string) bool {
	v, _ := rec.Get(key)
	b, _ := v.(bool)
	return b
}
