// Package vectorstore implements store.VectorStore on Qdrant.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"

	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/internal/store"
)

var (
	ErrQdrantUnreachable = errors.New("qdrant server unreachable")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

const upsertBatchSize = 100

type Config struct {
	Host       string
	Port       int
	APIKey     string
	Collection string
	Dimensions int
}

// Qdrant keeps one point per entity, keyed by the entity id, with the entity
// as payload.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	dimensions int
	retry      func() backoff.BackOff
}

var _ store.VectorStore = (*Qdrant)(nil)

// NewQdrant connects over gRPC and waits for the server to report healthy.
func NewQdrant(ctx context.Context, cfg Config) (*Qdrant, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	q := &Qdrant{
		client:     client,
		collection: cfg.Collection,
		dimensions: cfg.Dimensions,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
	if err := backoff.Retry(func() error { return q.Ping(ctx) }, backoff.WithContext(q.retry(), ctx)); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
	}
	return q, nil
}

func (q *Qdrant) Ping(ctx context.Context) error {
	result, err := q.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

func (q *Qdrant) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

// EnsureCollection creates the collection with cosine distance and keyword
// indexes on the filterable payload fields. Safe to call repeatedly.
func (q *Qdrant) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	for _, field := range []string{"context", "file_path", "kind"} {
		_, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to create index for field %s: %w", field, err)
		}
	}
	return nil
}

func (q *Qdrant) UpsertPoints(ctx context.Context, points []store.VectorPoint) error {
	for _, p := range points {
		if len(p.Vector) != q.dimensions {
			return fmt.Errorf("%w: %s has %d dimensions, expected %d",
				ErrDimensionMismatch, p.ID, len(p.Vector), q.dimensions)
		}
	}

	for i := 0; i < len(points); i += upsertBatchSize {
		end := min(i+upsertBatchSize, len(points))
		batch := make([]*qdrant.PointStruct, 0, end-i)
		for _, p := range points[i:end] {
			batch = append(batch, &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(p.ID),
				Vectors: qdrant.NewVectors(p.Vector...),
				Payload: qdrant.NewValueMap(payload(p.Entity)),
			})
		}

		op := func() error {
			_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
				CollectionName: q.collection,
				Wait:           qdrant.PtrOf(true),
				Points:         batch,
			})
			return err
		}
		if err := backoff.Retry(op, backoff.WithContext(q.retry(), ctx)); err != nil {
			return fmt.Errorf("failed to upsert batch %d-%d: %w", i, end, err)
		}
	}
	return nil
}

// SimilaritySearch returns the nearest points of the context. Qdrant reports
// raw cosine similarity, which is mapped to [0,1].
func (q *Qdrant) SimilaritySearch(ctx context.Context, vector []float32, filter store.VectorFilter, limit int) ([]store.VectorMatch, error) {
	if len(vector) != q.dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), q.dimensions)
	}
	if limit <= 0 {
		limit = 10
	}

	must := []*qdrant.Condition{qdrant.NewMatch("context", filter.Context)}
	if filter.FilePath != "" {
		must = append(must, qdrant.NewMatch("file_path", filter.FilePath))
	}
	if len(filter.IDs) > 0 {
		ids := make([]*qdrant.PointId, 0, len(filter.IDs))
		for _, id := range filter.IDs {
			ids = append(ids, qdrant.NewIDUUID(id))
		}
		must = append(must, qdrant.NewHasID(ids...))
	}

	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	matches := make([]store.VectorMatch, 0, len(results))
	for _, r := range results {
		id := r.Id.GetUuid()
		e := entity(r.Payload)
		e.ID = id
		matches = append(matches, store.VectorMatch{
			ID:     id,
			Score:  (float64(r.Score) + 1) / 2,
			Entity: e,
		})
	}
	return matches, nil
}

func (q *Qdrant) DeleteByIds(ctx context.Context, contextName string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("context", contextName),
				qdrant.NewHasID(pointIDs...),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %d points: %w", len(ids), err)
	}
	return nil
}

func payload(e models.CodeEntity) map[string]any {
	p := map[string]any{
		"context":         e.Context,
		"kind":            string(e.Kind),
		"subtype":         e.Subtype,
		"name":            e.Name,
		"qualified_name":  e.QualifiedName,
		"language":        e.Language,
		"file_path":       e.FilePath,
		"start_line":      int64(e.StartLine),
		"end_line":        int64(e.EndLine),
		"content_hash":    e.ContentHash,
		"last_indexed_at": e.LastIndexedAt.UTC().Format(time.RFC3339Nano),
		"signature":       e.Signature,
		"docstring":       e.Docstring,
		"truncated":       e.Truncated,
		"parent_id":       e.ParentID,
	}
	if len(e.Metadata) > 0 {
		m := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			m[k] = v
		}
		p["metadata"] = m
	}
	return p
}

func entity(p map[string]*qdrant.Value) models.CodeEntity {
	e := models.CodeEntity{
		Context:       p["context"].GetStringValue(),
		Kind:          models.EntityKind(p["kind"].GetStringValue()),
		Subtype:       p["subtype"].GetStringValue(),
		Name:          p["name"].GetStringValue(),
		QualifiedName: p["qualified_name"].GetStringValue(),
		Language:      p["language"].GetStringValue(),
		FilePath:      p["file_path"].GetStringValue(),
		StartLine:     int(p["start_line"].GetIntegerValue()),
		EndLine:       int(p["end_line"].GetIntegerValue()),
		ContentHash:   p["content_hash"].GetStringValue(),
		Signature:     p["signature"].GetStringValue(),
		Docstring:     p["docstring"].GetStringValue(),
		Truncated:     p["truncated"].GetBoolValue(),
		ParentID:      p["parent_id"].GetStringValue(),
	}
	if t, err := time.Parse(time.RFC3339Nano, p["last_indexed_at"].GetStringValue()); err == nil {
		e.LastIndexedAt = t
	}
	if fields := p["metadata"].GetStructValue().GetFields(); len(fields) > 0 {
		e.Metadata = make(map[string]string, len(fields))
		for k, v := range fields {
			e.Metadata[k] = v.GetStringValue()
		}
	}
	return e
}
