package manifest

import (
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dpolishuk/codegraph/internal/models"
)

// DefaultExcludes skips dependency, build and VCS directories.
var DefaultExcludes = []string{
	"**/.git/**",
	"**/vendor/**",
	"**/node_modules/**",
	"**/dist/**",
	"**/build/**",
	"**/target/**",
	"**/__pycache__/**",
	"**/.venv/**",
}

// DefaultIncludes returns one pattern per source extension the chunker knows.
func DefaultIncludes() []string {
	out := make([]string, 0, len(models.LanguageByExtension))
	for ext := range models.LanguageByExtension {
		out = append(out, "**/*"+ext)
	}
	sort.Strings(out)
	return out
}

// GlobMatcher matches slash-separated relative paths against include and
// exclude patterns. "**" spans any number of path segments; a pattern
// without a slash is matched against every segment of the path.
//
// GlobMatcher is safe for concurrent use.
type GlobMatcher struct {
	includes [][]string
	excludes [][]string
}

func NewGlobMatcher(includes, excludes []string) *GlobMatcher {
	return &GlobMatcher{includes: compile(includes), excludes: compile(excludes)}
}

func compile(patterns []string) [][]string {
	out := make([][]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.Trim(filepath.ToSlash(strings.TrimSpace(p)), "/")
		if p == "" {
			continue
		}
		if !strings.Contains(p, "/") && p != "**" {
			p = "**/" + p
		}
		out = append(out, strings.Split(p, "/"))
	}
	return out
}

// Match reports whether a file path is included and not excluded. With no
// include patterns every file is included.
func (m *GlobMatcher) Match(rel string) bool {
	segs := splitPath(rel)
	if anyMatch(m.excludes, segs) {
		return false
	}
	return len(m.includes) == 0 || anyMatch(m.includes, segs)
}

// Excluded reports whether a directory is excluded, so a walk can skip it.
func (m *GlobMatcher) Excluded(dir string) bool {
	return anyMatch(m.excludes, splitPath(dir))
}

func splitPath(rel string) []string {
	rel = strings.Trim(filepath.ToSlash(rel), "/")
	if rel == "" || rel == "." {
		return nil
	}
	return strings.Split(rel, "/")
}

func anyMatch(patterns [][]string, segs []string) bool {
	for _, p := range patterns {
		if matchSegments(p, segs) {
			return true
		}
	}
	return false
}

func matchSegments(pattern, segs []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			pattern = pattern[1:]
			if len(pattern) == 0 {
				return true
			}
			for i := 0; i <= len(segs); i++ {
				if matchSegments(pattern, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		if ok, err := path.Match(pattern[0], segs[0]); err != nil || !ok {
			return false
		}
		pattern, segs = pattern[1:], segs[1:]
	}
	return len(segs) == 0
}
