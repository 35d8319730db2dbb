// Package chunker turns source files into a hierarchy of code entities
// (file, type, member, section) plus the unresolved references found in them.
package chunker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/pkg/treesitter"
)

var ErrUnsupportedLanguage = errors.New("unsupported language")

// Source is one file handed to a chunker.
type Source struct {
	Context     string
	Path        string
	Language    string
	Content     []byte
	ContentHash string
}

// Ref is a reference from an entity to a name that still has to be resolved.
type Ref struct {
	FromEntityID string
	Type         models.RelationType
	TargetName   string
	Line         int
}

// Result is the output of chunking one file.
type Result struct {
	Language string
	Entities []models.CodeEntity
	// Relationships are structural edges resolved inside the file.
	Relationships []models.Relationship
	Refs          []Ref
	// Imports maps local aliases to imported module paths.
	Imports map[string]string
}

// FileEntity returns the File entity of the result.
func (r *Result) FileEntity() *models.CodeEntity {
	for i := range r.Entities {
		if r.Entities[i].Kind == models.KindFile {
			return &r.Entities[i]
		}
	}
	return nil
}

type Chunker interface {
	Language() string
	Chunk(ctx context.Context, src Source) (*Result, error)
}

type Options struct {
	// MaxChunkBytes is the size ceiling for a single entity's embed text.
	MaxChunkBytes int
}

func DefaultOptions() Options {
	return Options{MaxChunkBytes: 8 * 1024}
}

// Registry dispatches files to the chunker of their language.
type Registry struct {
	chunkers map[string]Chunker
}

// NewRegistry registers a tree-sitter chunker for every supported language.
func NewRegistry(opts Options) *Registry {
	if opts.MaxChunkBytes <= 0 {
		opts = DefaultOptions()
	}
	r := &Registry{chunkers: make(map[string]Chunker)}
	for _, lang := range treesitter.SupportedLanguages() {
		if c, err := NewTreeSitterChunker(lang, opts); err == nil {
			r.Register(c)
		}
	}
	return r
}

func (r *Registry) Register(c Chunker) {
	r.chunkers[c.Language()] = c
}

func (r *Registry) Languages() []string {
	out := make([]string, 0, len(r.chunkers))
	for lang := range r.chunkers {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Supports(path string) bool {
	_, ok := r.chunkers[models.DetectLanguage(path)]
	return ok
}

// Chunk chunks src with the chunker of its language. Chunker errors are
// reported as *models.ParseFailure.
func (r *Registry) Chunk(ctx context.Context, src Source) (*Result, error) {
	if src.Language == "" {
		src.Language = models.DetectLanguage(src.Path)
	}
	c, ok := r.chunkers[src.Language]
	if !ok {
		return nil, &models.ParseFailure{Path: src.Path, Err: fmt.Errorf("%w: %q", ErrUnsupportedLanguage, src.Language)}
	}
	res, err := c.Chunk(ctx, src)
	if err != nil {
		var pf *models.ParseFailure
		if errors.As(err, &pf) {
			return nil, err
		}
		return nil, &models.ParseFailure{Path: src.Path, Err: err}
	}
	return res, nil
}
