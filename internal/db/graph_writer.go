package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/internal/store"
)

// GraphStore keeps entities as (:Entity) nodes labelled with their kind and
// relationships as typed edges. Weak edges end at a (:Symbol) placeholder
// named after the unresolved target.
type GraphStore struct {
	client *Neo4jClient
	logger *slog.Logger
}

var _ store.GraphStore = (*GraphStore)(nil)

func NewGraphStore(client *Neo4jClient, logger *slog.Logger) *GraphStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphStore{client: client, logger: logger}
}

func (s *GraphStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *GraphStore) UpsertNodes(ctx context.Context, entities []models.CodeEntity) error {
	if len(entities) == 0 {
		return nil
	}
	byKind := make(map[string][]map[string]any)
	for _, e := range entities {
		label, err := kindLabel(e.Kind)
		if err != nil {
			return err
		}
		byKind[label] = append(byKind[label], entityProps(e))
	}

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for label, rows := range byKind {
			query := fmt.Sprintf(`
				UNWIND $rows AS row
				MERGE (e:Entity {id: row.id})
				SET e += row, e:%s
			`, label)
			if _, err := tx.Run(ctx, query, map[string]any{"rows": rows}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert %d entities: %w", len(entities), err)
	}
	return nil
}

func (s *GraphStore) UpsertEdges(ctx context.Context, contextName string, sourceIDs []string, rels []models.Relationship) error {
	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if len(sourceIDs) > 0 {
			_, err := tx.Run(ctx, `
				MATCH (a:Entity {context: $context})-[r]->()
				WHERE a.id IN $ids
				DELETE r
			`, map[string]any{"context": contextName, "ids": sourceIDs})
			if err != nil {
				return nil, err
			}
		}
		if err := writeEdges(ctx, tx, contextName, rels); err != nil {
			return nil, err
		}
		return nil, dropOrphanSymbols(ctx, tx, contextName)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert %d relationships: %w", len(rels), err)
	}
	return nil
}

// DeleteByIds removes the entities. Hard edges of surviving entities that
// pointed at them become weak edges by name.
func (s *GraphStore) DeleteByIds(ctx context.Context, contextName string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	params := map[string]any{"context": contextName, "ids": ids}
	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, `
			MATCH (a:Entity {context: $context})-[r]->(b:Entity)
			WHERE b.id IN $ids AND NOT a.id IN $ids AND NOT coalesce(r.weak, false)
			RETURN a.id AS from, r.type AS type, r.props AS props, b.name AS name
		`, params)
		if err != nil {
			return nil, err
		}
		var weakened []models.Relationship
		for records.Next(ctx) {
			rec := records.Record()
			hard := models.Relationship{
				FromEntityID: recordString(rec, "from"),
				Type:         models.RelationType(recordString(rec, "type")),
				Context:      contextName,
				Properties:   decodeProps(recordString(rec, "props")),
			}
			target := models.CodeEntity{Name: recordString(rec, "name")}
			weakened = append(weakened, store.Weaken(hard, target))
		}
		if err := records.Err(); err != nil {
			return nil, err
		}

		if _, err := tx.Run(ctx, `
			MATCH (e:Entity {context: $context})
			WHERE e.id IN $ids
			DETACH DELETE e
		`, params); err != nil {
			return nil, err
		}
		if err := writeEdges(ctx, tx, contextName, weakened); err != nil {
			return nil, err
		}
		return nil, dropOrphanSymbols(ctx, tx, contextName)
	})
	if err != nil {
		return fmt.Errorf("failed to delete %d entities: %w", len(ids), err)
	}
	return nil
}

// PromoteWeakRefs replaces weak edges waiting for one of entities with hard
// edges to it.
func (s *GraphStore) PromoteWeakRefs(ctx context.Context, contextName string, entities []models.CodeEntity) (int, error) {
	if len(entities) == 0 {
		return 0, nil
	}
	names := make([]string, 0, len(entities))
	for _, e := range entities {
		names = append(names, e.Name)
	}

	result, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, `
			MATCH (a:Entity {context: $context})-[r {weak: true}]->(s:Symbol)
			WHERE r.symbol IN $names
			RETURN elementId(r) AS rid, a.id AS from, r.type AS type, r.props AS props, s.name AS target
		`, map[string]any{"context": contextName, "names": names})
		if err != nil {
			return nil, err
		}

		var (
			drop     []string
			promoted []models.Relationship
		)
		for records.Next(ctx) {
			rec := records.Record()
			weak := models.Relationship{
				FromEntityID: recordString(rec, "from"),
				Type:         models.RelationType(recordString(rec, "type")),
				Context:      contextName,
				TargetName:   recordString(rec, "target"),
				Properties:   decodeProps(recordString(rec, "props")),
				Weak:         true,
			}
			target, ok := store.PromotionTarget(weak, entities)
			if !ok {
				continue
			}
			drop = append(drop, recordString(rec, "rid"))
			promoted = append(promoted, store.Promote(weak, target))
		}
		if err := records.Err(); err != nil {
			return nil, err
		}
		if len(drop) == 0 {
			return 0, nil
		}

		if _, err := tx.Run(ctx, `
			MATCH ()-[r]->()
			WHERE elementId(r) IN $ids
			DELETE r
		`, map[string]any{"ids": drop}); err != nil {
			return nil, err
		}
		if err := writeEdges(ctx, tx, contextName, promoted); err != nil {
			return nil, err
		}
		if err := dropOrphanSymbols(ctx, tx, contextName); err != nil {
			return nil, err
		}
		return len(promoted), nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to promote weak references: %w", err)
	}
	if n := result.(int); n > 0 {
		s.logger.Debug("promoted weak references", "context", contextName, "count", n)
	}
	return result.(int), nil
}

type edgeGroup struct {
	label string
	weak  bool
}

// writeEdges merges rels grouped by type, since Cypher cannot parameterize
// relationship types.
func writeEdges(ctx context.Context, tx neo4j.ManagedTransaction, contextName string, rels []models.Relationship) error {
	rels, err := detachMissing(ctx, tx, rels)
	if err != nil {
		return err
	}
	groups := make(map[edgeGroup][]map[string]any)
	for _, r := range rels {
		label, err := relLabel(r.Type)
		if err != nil {
			return err
		}
		row := map[string]any{
			"from":  r.FromEntityID,
			"type":  string(r.Type),
			"props": encodeProps(r.Properties),
		}
		if r.Weak {
			row["target"] = r.TargetName
			row["symbol"] = store.WeakSymbol(r)
		} else {
			row["to"] = r.ToEntityID
		}
		g := edgeGroup{label: label, weak: r.Weak}
		groups[g] = append(groups[g], row)
	}

	for g, rows := range groups {
		var query string
		if g.weak {
			query = fmt.Sprintf(`
				UNWIND $rows AS row
				MATCH (a:Entity {id: row.from})
				MERGE (s:Symbol {context: $context, name: row.target})
				MERGE (a)-[r:%s]->(s)
				SET r.type = row.type, r.context = $context, r.weak = true,
				    r.symbol = row.symbol, r.props = row.props
			`, g.label)
		} else {
			query = fmt.Sprintf(`
				UNWIND $rows AS row
				MATCH (a:Entity {id: row.from})
				MATCH (b:Entity {id: row.to})
				MERGE (a)-[r:%s]->(b)
				SET r.type = row.type, r.context = $context, r.weak = false,
				    r.props = row.props
			`, g.label)
		}
		if _, err := tx.Run(ctx, query, map[string]any{"rows": rows, "context": contextName}); err != nil {
			return fmt.Errorf("write %s edges: %w", g.label, err)
		}
	}
	return nil
}

// detachMissing turns hard edges whose target is not stored yet into weak
// edges. MATCH on the target would otherwise drop them without a trace.
func detachMissing(ctx context.Context, tx neo4j.ManagedTransaction, rels []models.Relationship) ([]models.Relationship, error) {
	var ids []string
	for _, r := range rels {
		if !r.Weak {
			ids = append(ids, r.ToEntityID)
		}
	}
	if len(ids) == 0 {
		return rels, nil
	}
	records, err := tx.Run(ctx, `
		MATCH (b:Entity)
		WHERE b.id IN $ids
		RETURN b.id AS id
	`, map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	stored := make(map[string]bool, len(ids))
	for records.Next(ctx) {
		stored[recordString(records.Record(), "id")] = true
	}
	if err := records.Err(); err != nil {
		return nil, err
	}
	out := make([]models.Relationship, len(rels))
	for i, r := range rels {
		if !r.Weak && !stored[r.ToEntityID] {
			r = store.Detach(r)
		}
		out[i] = r
	}
	return out, nil
}

func dropOrphanSymbols(ctx context.Context, tx neo4j.ManagedTransaction, contextName string) error {
	_, err := tx.Run(ctx, `
		MATCH (s:Symbol {context: $context})
		WHERE NOT (s)<--()
		DELETE s
	`, map[string]any{"context": contextName})
	return err
}

func kindLabel(kind models.EntityKind) (string, error) {
	switch kind {
	case models.KindFile, models.KindType, models.KindMember, models.KindSection:
		return string(kind), nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}
}

// relLabel maps a relationship type to its Neo4j type. Only known types pass,
// since the label is spliced into the query text.
func relLabel(t models.RelationType) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("invalid relationship type %q", t)
	}
	return t.Label(), nil
}

func entityProps(e models.CodeEntity) map[string]any {
	return map[string]any{
		"id":            e.ID,
		"context":       e.Context,
		"kind":          string(e.Kind),
		"subtype":       e.Subtype,
		"name":          e.Name,
		"qualifiedName": e.QualifiedName,
		"language":      e.Language,
		"filePath":      e.FilePath,
		"startLine":     int64(e.StartLine),
		"endLine":       int64(e.EndLine),
		"contentHash":   e.ContentHash,
		"lastIndexedAt": e.LastIndexedAt.UTC(),
		"signature":     e.Signature,
		"docstring":     e.Docstring,
		"truncated":     e.Truncated,
		"parentId":      e.ParentID,
		"embedText":     e.EmbedText,
		"metadata":      encodeProps(e.Metadata),
	}
}

// Neo4j properties cannot hold maps, so string maps are stored as JSON.
func encodeProps(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeProps(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
