// Package relations resolves the raw references produced by the chunker into
// typed edges between entities, across every file of an indexing batch.
package relations

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/dpolishuk/codegraph/internal/chunker"
	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/internal/store"
)

// Lookup finds entities persisted by earlier runs.
type Lookup interface {
	FindByNames(ctx context.Context, contextName string, names []string) ([]models.CodeEntity, error)
}

// File is one chunked file of a batch.
type File struct {
	Path   string
	Result *chunker.Result
}

// Resolution holds the edges of a batch grouped by the path of their source file.
type Resolution struct {
	Edges    map[string][]models.Relationship
	Resolved int
	Weak     int
}

type Resolver struct {
	lookup Lookup
	logger *slog.Logger
}

// NewResolver creates a resolver. lookup may be nil, in which case names not
// declared in the batch become weak references.
func NewResolver(lookup Lookup, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{lookup: lookup, logger: logger}
}

type candidate struct {
	id   string
	name string
	path string
	qn   string
	kind models.EntityKind
}

// index maps lookup keys (simple names and Type.member suffixes) to entities.
type index map[string][]candidate

func (ix index) add(e models.CodeEntity) {
	if e.Kind == models.KindSection {
		return
	}
	c := candidate{id: e.ID, name: e.Name, path: e.FilePath, qn: e.QualifiedName, kind: e.Kind}
	for _, key := range entityKeys(e) {
		ix[key] = append(ix[key], c)
	}
}

func entityKeys(e models.CodeEntity) []string {
	if e.Kind == models.KindFile {
		return []string{fileKey(e.FilePath)}
	}
	keys := []string{e.Name}
	if i := strings.Index(e.QualifiedName, "::"); i >= 0 {
		suffix := e.QualifiedName[i+2:]
		if j := strings.IndexByte(suffix, '#'); j >= 0 {
			suffix = suffix[:j]
		}
		if suffix != e.Name {
			keys = append(keys, suffix)
		}
	}
	return keys
}

const fileKeyPrefix = "\x00file:"

func fileKey(p string) string { return fileKeyPrefix + p }

type pendingRef struct {
	file string
	ref  chunker.Ref
}

// Resolve turns the refs of every file into edges. Resolution order is the
// declaring file, then the batch, then persisted entities; anything left is
// kept as a weak edge carrying only the target name.
func (r *Resolver) Resolve(ctx context.Context, contextName string, files []File) (*Resolution, error) {
	res := &Resolution{Edges: make(map[string][]models.Relationship, len(files))}

	batch := make(index)
	local := make(map[string]index, len(files))
	imports := make(map[string]map[string]string, len(files))
	inBatch := make(map[string]bool, len(files))

	for _, f := range files {
		if f.Result == nil {
			continue
		}
		inBatch[f.Path] = true
		ix := make(index)
		for _, e := range f.Result.Entities {
			ix.add(e)
			batch.add(e)
		}
		local[f.Path] = ix
		imports[f.Path] = f.Result.Imports
	}

	seen := make(map[string]bool)
	emit := func(file string, rel models.Relationship) {
		if seen[rel.Key()] {
			return
		}
		seen[rel.Key()] = true
		res.Edges[file] = append(res.Edges[file], rel)
	}

	var unresolved []pendingRef
	for _, f := range files {
		if f.Result == nil {
			continue
		}
		for _, rel := range f.Result.Relationships {
			emit(f.Path, rel)
		}
		for _, ref := range f.Result.Refs {
			q := newQuery(f.Path, ref, imports[f.Path])
			if c, ok := q.resolve(local[f.Path]); ok {
				emit(f.Path, q.edge(contextName, c))
				res.Resolved++
				continue
			}
			if c, ok := q.resolve(batch); ok {
				emit(f.Path, q.edge(contextName, c))
				res.Resolved++
				continue
			}
			unresolved = append(unresolved, pendingRef{file: f.Path, ref: ref})
		}
	}

	persisted, err := r.persistedIndex(ctx, contextName, unresolved, inBatch)
	if err != nil {
		return nil, err
	}
	for _, p := range unresolved {
		q := newQuery(p.file, p.ref, imports[p.file])
		if c, ok := q.resolve(persisted); ok {
			emit(p.file, q.edge(contextName, c))
			res.Resolved++
			continue
		}
		emit(p.file, q.weak(contextName))
		res.Weak++
	}

	r.logger.Debug("relationships resolved",
		"context", contextName,
		"files", len(files),
		"resolved", res.Resolved,
		"weak", res.Weak)
	return res, nil
}

// persistedIndex loads entities of earlier runs for the names still
// unresolved. Entities of files in the batch are skipped: the batch replaces them.
func (r *Resolver) persistedIndex(ctx context.Context, contextName string, refs []pendingRef, inBatch map[string]bool) (index, error) {
	ix := make(index)
	if r.lookup == nil || len(refs) == 0 {
		return ix, nil
	}
	nameSet := make(map[string]bool)
	for _, p := range refs {
		name := normalizeTarget(p.ref.TargetName)
		nameSet[lastSegment(name)] = true
	}
	names := make([]string, 0, len(nameSet))
	for n := range nameSet {
		if n != "" {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	entities, err := r.lookup.FindByNames(ctx, contextName, names)
	if err != nil {
		return nil, fmt.Errorf("lookup persisted entities: %w", err)
	}
	for _, e := range entities {
		if !inBatch[e.FilePath] {
			ix.add(e)
		}
	}
	return ix, nil
}

// query is the resolution of one ref against an index.
type query struct {
	file    string
	ref     chunker.Ref
	target  string
	module  string // import path the target's qualifier refers to
	symbol  string
	imports map[string]string
}

func newQuery(file string, ref chunker.Ref, imports map[string]string) query {
	q := query{file: file, ref: ref, target: normalizeTarget(ref.TargetName), imports: imports}
	q.symbol = lastSegment(q.target)

	if ref.Type == models.RelImports {
		q.module = q.target
		if i := strings.LastIndexByte(q.target, '.'); i > 0 && !strings.Contains(q.target[i+1:], "/") {
			q.module = q.target[:i]
		} else {
			q.symbol = ""
		}
		return q
	}
	if i := strings.IndexByte(q.target, '.'); i > 0 {
		qualifier := q.target[:i]
		if imp, ok := imports[qualifier]; ok {
			rest := strings.TrimSuffix(q.target[i+1:], q.symbol)
			q.module = imp + strings.TrimSuffix("."+rest, ".")
			if rest == "" {
				q.module = imp
			}
		}
	}
	return q
}

func (q query) resolve(ix index) (candidate, bool) {
	if q.ref.Type == models.RelImports {
		return q.resolveImport(ix)
	}
	if q.module != "" {
		// Qualified through an import: only entities of that module qualify.
		return q.pick(q.filter(ix[q.symbol], func(c candidate) bool {
			return moduleMatches(q.file, c.path, q.module)
		}))
	}
	for _, key := range []string{q.target, q.symbol} {
		if key == "" {
			continue
		}
		if c, ok := q.pick(q.filter(ix[key], nil)); ok {
			return c, true
		}
		if key == q.symbol {
			break
		}
	}
	return candidate{}, false
}

func (q query) resolveImport(ix index) (candidate, bool) {
	if q.symbol != "" {
		if c, ok := q.pick(q.filter(ix[q.symbol], func(c candidate) bool {
			return c.kind != models.KindFile && moduleMatches(q.file, c.path, q.module)
		})); ok {
			return c, true
		}
	}
	files := q.files(ix, q.target)
	if len(files) == 0 && q.module != q.target {
		files = q.files(ix, q.module)
	}
	return q.pick(files)
}

// files returns the file entities of ix that belong to module.
func (q query) files(ix index, module string) []candidate {
	var out []candidate
	for key, cs := range ix {
		if !strings.HasPrefix(key, fileKeyPrefix) {
			continue
		}
		for _, c := range cs {
			if c.path != q.file && moduleMatches(q.file, c.path, module) {
				out = append(out, c)
			}
		}
	}
	return out
}

// filter keeps the candidates whose kind fits the relationship type.
func (q query) filter(cs []candidate, keep func(candidate) bool) []candidate {
	var out []candidate
	for _, c := range cs {
		if c.id == q.ref.FromEntityID && q.ref.Type != models.RelCalls {
			continue
		}
		if !q.ref.Type.AcceptsTarget(c.kind) {
			continue
		}
		if keep != nil && !keep(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// pick chooses deterministically among ambiguous candidates: the referencing
// file, then its directory, then the lexically smallest path.
func (q query) pick(cs []candidate) (candidate, bool) {
	if len(cs) == 0 {
		return candidate{}, false
	}
	dir := path.Dir(q.file)
	rank := func(c candidate) int {
		switch {
		case c.path == q.file:
			return 0
		case path.Dir(c.path) == dir:
			return 1
		default:
			return 2
		}
	}
	best := cs[0]
	for _, c := range cs[1:] {
		rb, rc := rank(best), rank(c)
		switch {
		case rc < rb:
			best = c
		case rc > rb:
		case c.path < best.path:
			best = c
		case c.path == best.path && c.qn < best.qn:
			best = c
		}
	}
	return best, true
}

func (q query) edge(contextName string, c candidate) models.Relationship {
	return models.Relationship{
		FromEntityID: q.ref.FromEntityID,
		ToEntityID:   c.id,
		Type:         q.ref.Type,
		Context:      contextName,
		TargetName:   c.name,
		Properties:   map[string]string{store.PropLine: strconv.Itoa(q.ref.Line)},
	}
}

func (q query) weak(contextName string) models.Relationship {
	props := map[string]string{store.PropLine: strconv.Itoa(q.ref.Line)}
	if q.symbol != "" {
		props[store.PropSymbol] = q.symbol
	}
	if q.module != "" {
		props[store.PropModule] = store.NormalizeModule(q.file, q.module)
	}
	return models.Relationship{
		FromEntityID: q.ref.FromEntityID,
		Type:         q.ref.Type,
		Context:      contextName,
		TargetName:   q.target,
		Weak:         true,
		Properties:   props,
	}
}

// moduleMatches reports whether the file at candidatePath belongs to the
// module an import in fromPath names.
func moduleMatches(fromPath, candidatePath, module string) bool {
	return store.ModuleMatches(candidatePath, store.NormalizeModule(fromPath, module))
}

func normalizeTarget(name string) string {
	name = strings.TrimSpace(name)
	for _, prefix := range []string{"this.", "self.", "super.", "*", "&"} {
		name = strings.TrimPrefix(name, prefix)
	}
	if i := strings.IndexAny(name, "<("); i > 0 {
		name = name[:i]
	}
	return name
}

func lastSegment(name string) string {
	if i := strings.LastIndexAny(name, "./"); i >= 0 {
		return name[i+1:]
	}
	return name
}
