package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	_ "modernc.org/sqlite"

	"github.com/dpolishuk/codegraph/internal/models"
)

type migration struct {
	Version string
	Up      string
}

var migrations = []migration{
	{
		Version: "1.0.0",
		Up: `
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS manifest_entries (
    context TEXT NOT NULL,
    file_path TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    last_indexed_at TIMESTAMP NOT NULL,
    entity_ids TEXT NOT NULL DEFAULT '[]',
    embedding_pending BOOLEAN NOT NULL DEFAULT 0,
    PRIMARY KEY (context, file_path)
);
`,
	},
	{
		Version: "1.1.0",
		Up: `
ALTER TABLE manifest_entries ADD COLUMN orphaned BOOLEAN NOT NULL DEFAULT 0;
ALTER TABLE manifest_entries ADD COLUMN orphan_stores TEXT NOT NULL DEFAULT '[]';
CREATE INDEX IF NOT EXISTS idx_manifest_state ON manifest_entries(context, orphaned, embedding_pending);
`,
	},
}

// SQLiteStore is the durable manifest store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the manifest database at path and applies
// pending migrations. ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create manifest directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open manifest database: %w", err)
	}
	// One connection: a single writer, and :memory: stays one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	current := semver.MustParse("0.0.0")

	var table string
	err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&table)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("check schema_version: %w", err)
	default:
		rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
		if err != nil {
			return fmt.Errorf("read schema_version: %w", err)
		}
		for rows.Next() {
			var s string
			if err := rows.Scan(&s); err != nil {
				rows.Close()
				return err
			}
			v, err := semver.NewVersion(s)
			if err != nil {
				rows.Close()
				return fmt.Errorf("invalid schema version %q: %w", s, err)
			}
			if v.GreaterThan(current) {
				current = v
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}

	for _, m := range migrations {
		v, err := semver.NewVersion(m.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", m.Version, err)
		}
		if !current.LessThan(v) {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.Version, err)
		}
		current = v
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (string, error) {
	var versions []string
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return "", err
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return "", err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	latest := semver.MustParse("0.0.0")
	for _, v := range versions {
		if sv, err := semver.NewVersion(v); err == nil && sv.GreaterThan(latest) {
			latest = sv
		}
	}
	return latest.String(), nil
}

const entryColumns = `context, file_path, content_hash, last_indexed_at, entity_ids,
	embedding_pending, orphaned, orphan_stores`

func (s *SQLiteStore) Get(ctx context.Context, contextName, filePath string) (*models.ManifestEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM manifest_entries WHERE context = ? AND file_path = ?`,
		contextName, filePath)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get manifest entry %s: %w", filePath, err)
	}
	return e, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, entry models.ManifestEntry) error {
	ids, err := marshalStrings(entry.EntityIDs)
	if err != nil {
		return err
	}
	stores, err := marshalStrings(entry.OrphanStores)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO manifest_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(context, file_path) DO UPDATE SET
			content_hash = excluded.content_hash,
			last_indexed_at = excluded.last_indexed_at,
			entity_ids = excluded.entity_ids,
			embedding_pending = excluded.embedding_pending,
			orphaned = excluded.orphaned,
			orphan_stores = excluded.orphan_stores`,
		entry.Context, entry.FilePath, entry.ContentHash, entry.LastIndexedAt.UTC(),
		ids, entry.EmbeddingPending, entry.Orphaned, stores)
	if err != nil {
		return fmt.Errorf("upsert manifest entry %s: %w", entry.FilePath, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, contextName, filePath string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM manifest_entries WHERE context = ? AND file_path = ?`, contextName, filePath)
	if err != nil {
		return fmt.Errorf("delete manifest entry %s: %w", filePath, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, contextName string) ([]models.ManifestEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM manifest_entries WHERE context = ? ORDER BY file_path`, contextName)
	if err != nil {
		return nil, fmt.Errorf("list manifest: %w", err)
	}
	defer rows.Close()

	var out []models.ManifestEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan manifest entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Contexts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT context FROM manifest_entries ORDER BY context`)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*models.ManifestEntry, error) {
	var (
		e              models.ManifestEntry
		indexedAt      time.Time
		ids, orphanIDs string
	)
	if err := row.Scan(&e.Context, &e.FilePath, &e.ContentHash, &indexedAt, &ids,
		&e.EmbeddingPending, &e.Orphaned, &orphanIDs); err != nil {
		return nil, err
	}
	e.LastIndexedAt = indexedAt.UTC()
	if err := json.Unmarshal([]byte(ids), &e.EntityIDs); err != nil {
		return nil, fmt.Errorf("decode entity ids: %w", err)
	}
	if err := json.Unmarshal([]byte(orphanIDs), &e.OrphanStores); err != nil {
		return nil, fmt.Errorf("decode orphan stores: %w", err)
	}
	if len(e.OrphanStores) == 0 {
		e.OrphanStores = nil
	}
	return &e, nil
}

func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode string list: %w", err)
	}
	return string(b), nil
}
