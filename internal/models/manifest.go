package models

import "time"

// Store names recorded on orphaned manifest entries.
const (
	StoreGraph  = "graph"
	StoreVector = "vector"
)

// ManifestEntry is the last-known index state of one file.
type ManifestEntry struct {
	Context          string    `json:"context"`
	FilePath         string    `json:"filePath"`
	ContentHash      string    `json:"contentHash"`
	LastIndexedAt    time.Time `json:"lastIndexedAt"`
	EntityIDs        []string  `json:"entityIds"`
	EmbeddingPending bool      `json:"embeddingPending"`
	Orphaned         bool      `json:"orphaned"`
	// OrphanStores lists the stores that still hold data for an orphaned entry.
	OrphanStores []string `json:"orphanStores,omitempty"`
}

// ContextSummary aggregates the manifest of one context.
type ContextSummary struct {
	Context          string    `json:"context"`
	Files            int       `json:"files"`
	Entities         int       `json:"entities"`
	EmbeddingPending int       `json:"embeddingPending"`
	Orphaned         int       `json:"orphaned"`
	LastIndexedAt    time.Time `json:"lastIndexedAt"`
}

func Summarize(context string, entries []ManifestEntry) ContextSummary {
	s := ContextSummary{Context: context}
	for _, e := range entries {
		if e.Orphaned {
			s.Orphaned++
			continue
		}
		s.Files++
		s.Entities += len(e.EntityIDs)
		if e.EmbeddingPending {
			s.EmbeddingPending++
		}
		if e.LastIndexedAt.After(s.LastIndexedAt) {
			s.LastIndexedAt = e.LastIndexedAt
		}
	}
	return s
}
