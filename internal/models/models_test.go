package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEntityID_Deterministic(t *testing.T) {
	a := EntityID("ctx", "pkg/a.go", "pkg/a.go::Run")
	b := EntityID("ctx", "pkg/a.go", "pkg/a.go::Run")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, EntityID("other", "pkg/a.go", "pkg/a.go::Run"))
	assert.NotEqual(t, a, EntityID("ctx", "pkg/a.go", "pkg/a.go::Stop"))
	assert.Len(t, a, 36)
}

func TestRelationType_Label(t *testing.T) {
	assert.Equal(t, "CALLS", RelCalls.Label())
	assert.Equal(t, "RETURNS_TYPE", RelReturnsType.Label())
	assert.Equal(t, "HAS_TYPE", RelHasType.Label())
	assert.True(t, RelImplements.Valid())
	assert.False(t, RelationType("Teleports").Valid())
}

func TestDetectLanguage(t *testing.T) {
	tests := map[string]string{
		"main.go":       "go",
		"a/b/utils.py":  "python",
		"App.TSX":       "typescript",
		"index.js":      "javascript",
		"Main.java":     "java",
		"build.gradle":  "",
		"script.kts":    "kotlin",
		"README.md":     "",
	}
	for path, want := range tests {
		assert.Equal(t, want, DetectLanguage(path), path)
	}
}

func TestSummarize(t *testing.T) {
	now := time.Now()
	entries := []ManifestEntry{
		{FilePath: "a.go", EntityIDs: []string{"1", "2"}, LastIndexedAt: now.Add(-time.Hour)},
		{FilePath: "b.go", EntityIDs: []string{"3"}, EmbeddingPending: true, LastIndexedAt: now},
		{FilePath: "c.go", EntityIDs: []string{"4"}, Orphaned: true},
	}
	s := Summarize("ctx", entries)
	assert.Equal(t, 2, s.Files)
	assert.Equal(t, 3, s.Entities)
	assert.Equal(t, 1, s.EmbeddingPending)
	assert.Equal(t, 1, s.Orphaned)
	assert.Equal(t, now, s.LastIndexedAt)
}

func TestErrorTaxonomy(t *testing.T) {
	transient := fmt.Errorf("embed: %w", &TransientProviderError{Attempts: 3, Err: errors.New("boom")})
	assert.ErrorIs(t, transient, ErrEmbeddingUnavailable)
	assert.NotErrorIs(t, transient, ErrProviderUnavailable)

	open := fmt.Errorf("embed: %w", &ProviderUnavailableError{})
	assert.ErrorIs(t, open, ErrEmbeddingUnavailable)
	assert.ErrorIs(t, open, ErrProviderUnavailable)

	cause := errors.New("disk full")
	var swf *StoreWriteFailure
	assert.ErrorAs(t, fmt.Errorf("apply: %w", &StoreWriteFailure{Store: StoreGraph, Path: "a.go", Err: cause}), &swf)
	assert.ErrorIs(t, swf, cause)

	partial := &PartialDeletionFailure{Path: "a.go", Pending: []string{StoreVector}, Errs: []error{cause}}
	assert.ErrorIs(t, partial, cause)
	assert.Contains(t, partial.Error(), "vector")
}

func TestRelationType_AcceptsTarget(t *testing.T) {
	assert.True(t, RelInherits.AcceptsTarget(KindType))
	assert.False(t, RelInherits.AcceptsTarget(KindMember))
	assert.True(t, RelCalls.AcceptsTarget(KindMember))
	assert.True(t, RelCalls.AcceptsTarget(KindType))
	assert.False(t, RelCalls.AcceptsTarget(KindFile))
	assert.True(t, RelImports.AcceptsTarget(KindFile))
	assert.False(t, RelReferences.AcceptsTarget(KindFile))
}
