package models

import (
	"time"

	"github.com/google/uuid"
)

type EntityKind string

const (
	KindFile    EntityKind = "File"
	KindType    EntityKind = "Type"
	KindMember  EntityKind = "Member"
	KindSection EntityKind = "Section"
)

// entityNamespace seeds deterministic entity ids.
var entityNamespace = uuid.MustParse("6f1d1c52-8f0e-4a8e-9d44-2c9b8f6c1a10")

// EntityID derives the stable id of an entity from its identity triple.
// Re-chunking an unchanged file yields the same ids, so writes are upserts.
func EntityID(context, filePath, qualifiedName string) string {
	return uuid.NewSHA1(entityNamespace, []byte(context+"\x00"+filePath+"\x00"+qualifiedName)).String()
}

type CodeEntity struct {
	ID            string     `json:"id"`
	QualifiedName string     `json:"qualifiedName"`
	Name          string     `json:"name"`
	Kind          EntityKind `json:"kind"`
	// Subtype is the language-level construct ("function", "method", "class", "interface", ...).
	Subtype       string     `json:"subtype,omitempty"`
	Language      string     `json:"language"`
	Context       string     `json:"context"`
	FilePath      string     `json:"filePath"`
	StartLine     int        `json:"startLine"`
	EndLine       int        `json:"endLine"`
	ContentHash   string     `json:"contentHash"`
	LastIndexedAt time.Time  `json:"lastIndexedAt"`
	Signature     string     `json:"signature,omitempty"`
	Docstring     string     `json:"docstring,omitempty"`
	Truncated     bool       `json:"truncated,omitempty"`
	ParentID      string     `json:"parentId,omitempty"`

	// EmbedText is the text sent to the embedding provider. It is stored with the
	// graph node so embeddings can be repaired without re-parsing.
	EmbedText string `json:"-"`

	// Metadata holds annotations added by fact extractors.
	Metadata map[string]string `json:"metadata,omitempty"`
}

type EmbeddingRecord struct {
	EntityID  string    `json:"entityId"`
	Vector    []float32 `json:"-"`
	TextHash  string    `json:"textHash"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"createdAt"`
}
