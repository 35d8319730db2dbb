// Package annotate runs fact extractor plugins over chunked entities. Facts
// are stored as entity metadata and never change how a file is indexed.
package annotate

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/dpolishuk/codegraph/internal/models"
)

// FactExtractor derives key/value facts from one entity and its source text.
type FactExtractor interface {
	Name() string
	Annotate(entity models.CodeEntity, source string) map[string]string
}

// Chain runs a set of extractors in registration order.
type Chain struct {
	extractors []FactExtractor
	logger     *slog.Logger
}

func NewChain(logger *slog.Logger, extractors ...FactExtractor) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{extractors: extractors, logger: logger}
}

// Default returns a chain with the built-in extractors.
func Default(logger *slog.Logger) *Chain {
	return NewChain(logger, Complexity{}, Markers{}, Docs{})
}

func (c *Chain) Register(e FactExtractor) {
	c.extractors = append(c.extractors, e)
}

func (c *Chain) Names() []string {
	names := make([]string, len(c.extractors))
	for i, e := range c.extractors {
		names[i] = e.Name()
	}
	return names
}

// Apply annotates every entity in place. Keys are prefixed with the
// extractor name; a panicking extractor is logged and skipped.
func (c *Chain) Apply(entities []models.CodeEntity, content []byte) {
	lines := strings.Split(string(content), "\n")
	for i := range entities {
		e := &entities[i]
		source := sourceLines(lines, e.StartLine, e.EndLine)
		for _, ex := range c.extractors {
			facts, err := c.run(ex, *e, source)
			if err != nil {
				c.logger.Warn("fact extractor failed",
					"extractor", ex.Name(),
					"path", e.FilePath,
					"entity", e.QualifiedName,
					"error", err)
				continue
			}
			if len(facts) == 0 {
				continue
			}
			if e.Metadata == nil {
				e.Metadata = make(map[string]string, len(facts))
			}
			keys := make([]string, 0, len(facts))
			for k := range facts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				e.Metadata[ex.Name()+"."+k] = facts[k]
			}
		}
	}
}

func (c *Chain) run(ex FactExtractor, e models.CodeEntity, source string) (facts map[string]string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return ex.Annotate(e, source), nil
}

func sourceLines(lines []string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}

// Complexity counts branch points and lines of members.
type Complexity struct{}

var branchPattern = regexp.MustCompile(`\b(if|else if|elif|for|while|case|catch|except|when)\b|&&|\|\|`)

func (Complexity) Name() string { return "complexity" }

func (Complexity) Annotate(e models.CodeEntity, source string) map[string]string {
	if e.Kind != models.KindMember {
		return nil
	}
	branches := len(branchPattern.FindAllStringIndex(source, -1))
	return map[string]string{
		"branches":   strconv.Itoa(branches),
		"cyclomatic": strconv.Itoa(branches + 1),
		"lines":      strconv.Itoa(e.EndLine - e.StartLine + 1),
	}
}

// Markers counts TODO and FIXME comments.
type Markers struct{}

var markerPattern = regexp.MustCompile(`\b(TODO|FIXME|HACK|XXX)\b`)

func (Markers) Name() string { return "markers" }

func (Markers) Annotate(e models.CodeEntity, source string) map[string]string {
	if e.Kind == models.KindFile || e.Kind == models.KindSection {
		return nil
	}
	counts := make(map[string]int)
	for _, m := range markerPattern.FindAllString(source, -1) {
		counts[m]++
	}
	if len(counts) == 0 {
		return nil
	}
	out := make(map[string]string, len(counts))
	for k, n := range counts {
		out[strings.ToLower(k)] = strconv.Itoa(n)
	}
	return out
}

// Docs records whether a declaration is documented and exported.
type Docs struct{}

func (Docs) Name() string { return "docs" }

func (Docs) Annotate(e models.CodeEntity, _ string) map[string]string {
	if e.Kind != models.KindType && e.Kind != models.KindMember {
		return nil
	}
	return map[string]string{
		"documented": strconv.FormatBool(e.Docstring != ""),
		"exported":   strconv.FormatBool(exported(e)),
	}
}

func exported(e models.CodeEntity) bool {
	if e.Name == "" {
		return false
	}
	switch e.Language {
	case "go":
		return unicode.IsUpper([]rune(e.Name)[0])
	case "python":
		return !strings.HasPrefix(e.Name, "_")
	default:
		return !strings.Contains(e.Signature, "private") && !strings.HasPrefix(e.Name, "#")
	}
}
