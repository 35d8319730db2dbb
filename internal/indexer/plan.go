package indexer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"path"
	"sync"

	"github.com/dpolishuk/codegraph/internal/manifest"
	"github.com/dpolishuk/codegraph/internal/models"
)

// Plan is the delta between a source tree and the manifest of a context.
type Plan struct {
	Context   string
	Root      string
	Added     []models.SourceFile
	Modified  []models.SourceFile
	Removed   []models.ManifestEntry
	Unchanged int
	Skipped   []manifest.ScanError

	generations map[string]uint64
}

// Empty reports whether executing the plan would do nothing.
func (p *Plan) Empty() bool {
	return len(p.Added) == 0 && len(p.Modified) == 0 && len(p.Removed) == 0
}

func (p *Plan) files() []models.SourceFile {
	out := make([]models.SourceFile, 0, len(p.Added)+len(p.Modified))
	out = append(out, p.Added...)
	return append(out, p.Modified...)
}

// Plan walks root and diffs it against the manifest of contextName.
func (p *Pipeline) Plan(ctx context.Context, contextName, root string) (*Plan, error) {
	absRoot, err := absDir(root)
	if err != nil {
		return nil, err
	}
	files, skipped, err := p.walker.Walk(ctx, absRoot)
	if err != nil {
		return nil, err
	}
	entries, err := p.manifest.List(ctx, contextName)
	if err != nil {
		return nil, fmt.Errorf("list manifest: %w", err)
	}

	changes := manifest.Diff(files, entries)
	plan := p.newPlan(contextName, absRoot, changes)
	plan.Skipped = skipped
	p.rememberRoot(contextName, absRoot)
	return plan, nil
}

// PlanFiles builds a plan for specific paths relative to root. Paths that
// no longer exist on disk are planned for removal when the manifest knows
// them.
func (p *Pipeline) PlanFiles(ctx context.Context, contextName, root string, rels []string) (*Plan, error) {
	absRoot, err := absDir(root)
	if err != nil {
		return nil, err
	}

	var (
		files   []models.SourceFile
		entries []models.ManifestEntry
		skipped []manifest.ScanError
		gone    []string
	)
	for _, rel := range rels {
		rel = path.Clean(rel)
		entry, err := p.manifest.Get(ctx, contextName, rel)
		switch {
		case err == nil:
			entries = append(entries, *entry)
		case !errors.Is(err, manifest.ErrNotFound):
			return nil, fmt.Errorf("read manifest: %w", err)
		}

		f, err := p.walker.Stat(absRoot, rel)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				gone = append(gone, rel)
				continue
			}
			skipped = append(skipped, manifest.ScanError{Path: rel, Err: err})
			continue
		}
		files = append(files, f)
	}

	changes := manifest.Diff(files, entries)
	// Diff only sees the entries we loaded, so removal is limited to the
	// requested paths that vanished.
	changes.Removed = changes.Removed[:0]
	for _, e := range entries {
		for _, g := range gone {
			if e.FilePath == g && !e.Orphaned {
				changes.Removed = append(changes.Removed, e)
			}
		}
	}

	plan := p.newPlan(contextName, absRoot, changes)
	plan.Skipped = skipped
	return plan, nil
}

func (p *Pipeline) newPlan(contextName, absRoot string, changes manifest.Changes) *Plan {
	plan := &Plan{
		Context:     contextName,
		Root:        absRoot,
		Added:       changes.Added,
		Modified:    changes.Modified,
		Removed:     changes.Removed,
		Unchanged:   len(changes.Unchanged),
		generations: make(map[string]uint64),
	}
	for i := range plan.Added {
		plan.Added[i].Context = contextName
	}
	for i := range plan.Modified {
		plan.Modified[i].Context = contextName
	}
	for _, f := range plan.files() {
		plan.generations[f.Path] = p.gens.current(contextName, f.Path)
	}
	for _, e := range plan.Removed {
		plan.generations[e.FilePath] = p.gens.current(contextName, e.FilePath)
	}
	return plan
}

const writeStripes = 64

// generations counts change notifications per file. Work planned under an
// older generation is stale and is discarded. Writes of one file are
// serialized through a striped lock so the check and the write are atomic.
type generations struct {
	mu     sync.Mutex
	m      map[string]uint64
	writes [writeStripes]sync.Mutex
}

func newGenerations() *generations {
	return &generations{m: make(map[string]uint64)}
}

func genKey(contextName, filePath string) string {
	return contextName + "\x00" + filePath
}

func (g *generations) current(contextName, filePath string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m[genKey(contextName, filePath)]
}

func (g *generations) bump(contextName, filePath string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := genKey(contextName, filePath)
	g.m[k]++
	return g.m[k]
}

// lock serializes writes of one file and returns the unlock function.
func (g *generations) lock(contextName, filePath string) func() {
	h := fnv.New32a()
	h.Write([]byte(genKey(contextName, filePath)))
	m := &g.writes[h.Sum32()%writeStripes]
	m.Lock()
	return m.Unlock
}
