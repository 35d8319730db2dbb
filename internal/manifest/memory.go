package manifest

import (
	"context"
	"sort"
	"sync"

	"github.com/dpolishuk/codegraph/internal/models"
)

// MemoryStore keeps the manifest in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]models.ManifestEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]map[string]models.ManifestEntry)}
}

func (s *MemoryStore) Get(_ context.Context, contextName, filePath string) (*models.ManifestEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[contextName][filePath]
	if !ok {
		return nil, ErrNotFound
	}
	e = clone(e)
	return &e, nil
}

func (s *MemoryStore) Upsert(_ context.Context, entry models.ManifestEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, ok := s.entries[entry.Context]
	if !ok {
		files = make(map[string]models.ManifestEntry)
		s.entries[entry.Context] = files
	}
	files[entry.FilePath] = clone(entry)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, contextName, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries[contextName], filePath)
	if len(s.entries[contextName]) == 0 {
		delete(s.entries, contextName)
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, contextName string) ([]models.ManifestEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ManifestEntry, 0, len(s.entries[contextName]))
	for _, e := range s.entries[contextName] {
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out, nil
}

func (s *MemoryStore) Contexts(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for c := range s.entries {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func clone(e models.ManifestEntry) models.ManifestEntry {
	e.EntityIDs = append([]string(nil), e.EntityIDs...)
	e.OrphanStores = append([]string(nil), e.OrphanStores...)
	return e
}
