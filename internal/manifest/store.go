// Package manifest tracks which files of a context have been indexed, with
// their content hashes and the entity ids each file produced.
package manifest

import (
	"context"
	"errors"
	"sort"

	"github.com/dpolishuk/codegraph/internal/models"
)

var ErrNotFound = errors.New("manifest entry not found")

// Store persists manifest entries keyed by (context, file path).
type Store interface {
	// Get returns ErrNotFound when the file has no entry.
	Get(ctx context.Context, contextName, filePath string) (*models.ManifestEntry, error)
	Upsert(ctx context.Context, entry models.ManifestEntry) error
	Delete(ctx context.Context, contextName, filePath string) error
	// List returns the entries of a context sorted by file path.
	List(ctx context.Context, contextName string) ([]models.ManifestEntry, error)
	Contexts(ctx context.Context) ([]string, error)
	Close() error
}

// Changes is the difference between the files on disk and the manifest.
type Changes struct {
	Added     []models.SourceFile
	Modified  []models.SourceFile
	Removed   []models.ManifestEntry
	Unchanged []models.SourceFile
}

// Empty reports whether applying the changes would do nothing.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Removed) == 0
}

// Diff compares walked files against manifest entries by content hash. An
// orphaned entry whose file is back on disk is re-indexed; one whose file is
// still gone is left to the sweeper.
func Diff(files []models.SourceFile, entries []models.ManifestEntry) Changes {
	known := make(map[string]models.ManifestEntry, len(entries))
	for _, e := range entries {
		known[e.FilePath] = e
	}

	var c Changes
	onDisk := make(map[string]bool, len(files))
	for _, f := range files {
		onDisk[f.Path] = true
		e, ok := known[f.Path]
		switch {
		case !ok:
			c.Added = append(c.Added, f)
		case e.Orphaned || e.ContentHash != f.ContentHash:
			c.Modified = append(c.Modified, f)
		default:
			c.Unchanged = append(c.Unchanged, f)
		}
	}
	for _, e := range entries {
		if !onDisk[e.FilePath] && !e.Orphaned {
			c.Removed = append(c.Removed, e)
		}
	}
	sort.Slice(c.Removed, func(i, j int) bool { return c.Removed[i].FilePath < c.Removed[j].FilePath })
	return c
}
