package chunker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/pkg/treesitter"
)

// decl is a declaration recognised by a language adapter.
type decl struct {
	kind    models.EntityKind
	subtype string
	name    string
	// container qualifies the declaration under a type declared elsewhere
	// in the file (Go method receivers).
	container string
	signature string
	docstring string
	supers    []superRef
	returns   []string
}

type superRef struct {
	name string
	rel  models.RelationType
}

type callRef struct {
	target string
	rel    models.RelationType
}

type importSpec struct {
	alias string
	path  string
}

// language adapts one tree-sitter grammar to the chunker.
type language interface {
	declaration(n *sitter.Node, content []byte) (decl, bool)
	call(n *sitter.Node, content []byte) (callRef, bool)
	imports(root *sitter.Node, content []byte) []importSpec
}

var adapters = map[string]func() language{
	"go":         func() language { return goLang{} },
	"python":     func() language { return pythonLang{} },
	"typescript": func() language { return tsLang{} },
	"javascript": func() language { return tsLang{} },
	"java":       func() language { return javaLang{} },
	"kotlin":     func() language { return kotlinLang{} },
}

// TreeSitterChunker chunks one language with its tree-sitter grammar.
type TreeSitterChunker struct {
	lang    string
	adapter language
	opts    Options
}

func NewTreeSitterChunker(lang string, opts Options) (*TreeSitterChunker, error) {
	newAdapter, ok := adapters[lang]
	if !ok || !treesitter.IsSupported(lang) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
	if opts.MaxChunkBytes <= 0 {
		opts = DefaultOptions()
	}
	return &TreeSitterChunker{lang: lang, adapter: newAdapter(), opts: opts}, nil
}

func (c *TreeSitterChunker) Language() string { return c.lang }

func (c *TreeSitterChunker) Chunk(ctx context.Context, src Source) (*Result, error) {
	tree, err := treesitter.ParseSource(ctx, src.Content, c.lang)
	if err != nil {
		return nil, &models.ParseFailure{Path: src.Path, Err: err}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, &models.ParseFailure{Path: src.Path, Err: fmt.Errorf("empty syntax tree")}
	}

	w := &fileWalker{
		chunker: c,
		src:     src,
		content: src.Content,
		res:     &Result{Language: c.lang, Imports: make(map[string]string)},
		byQN:    make(map[string]int),
		seen:    make(map[string]int),
		refSeen: make(map[string]bool),
	}
	w.run(root)
	return w.res, nil
}

type scope struct {
	id   string
	qn   string
	path []string // names below the file level
	kind models.EntityKind
}

type pendingParent struct {
	entity   int
	parentQN string
}

type fileWalker struct {
	chunker *TreeSitterChunker
	src     Source
	content []byte
	res     *Result

	file    scope
	byQN    map[string]int
	seen    map[string]int
	refSeen map[string]bool
	parents []pendingParent
}

func (w *fileWalker) run(root *sitter.Node) {
	fileEntity := models.CodeEntity{
		ID:            models.EntityID(w.src.Context, w.src.Path, w.src.Path),
		QualifiedName: w.src.Path,
		Name:          lastSegment(w.src.Path),
		Kind:          models.KindFile,
		Subtype:       "file",
		Language:      w.chunker.lang,
		Context:       w.src.Context,
		FilePath:      w.src.Path,
		StartLine:     1,
		EndLine:       treesitter.EndLine(root),
		ContentHash:   w.src.ContentHash,
	}
	if fileEntity.ContentHash == "" {
		fileEntity.ContentHash = hashText(string(w.content))
	}
	w.file = scope{id: fileEntity.ID, qn: fileEntity.QualifiedName, kind: models.KindFile}
	w.add(fileEntity)

	for _, imp := range w.chunker.adapter.imports(root, w.content) {
		if imp.path == "" {
			continue
		}
		if imp.alias != "" {
			w.res.Imports[imp.alias] = imp.path
		}
		w.addRef(w.file.id, models.RelImports, imp.path, 1)
	}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		w.visit(root.NamedChild(i), w.file)
	}

	w.linkParents()
	w.res.Entities[0].EmbedText = w.fileEmbedText()
}

func (w *fileWalker) visit(n *sitter.Node, owner scope) {
	if n == nil {
		return
	}

	if d, ok := w.chunker.adapter.declaration(n, w.content); ok && d.name != "" {
		child := w.declare(n, d, owner)
		for i := 0; i < int(n.NamedChildCount()); i++ {
			w.visit(n.NamedChild(i), child)
		}
		return
	}

	if ref, ok := w.chunker.adapter.call(n, w.content); ok && ref.target != "" {
		w.addRef(owner.id, ref.rel, ref.target, treesitter.StartLine(n))
	}

	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.visit(n.NamedChild(i), owner)
	}
}

func (w *fileWalker) declare(n *sitter.Node, d decl, owner scope) scope {
	path := append(append([]string{}, owner.path...), d.name)
	parentQN := owner.qn
	if d.container != "" && owner.kind == models.KindFile {
		path = []string{d.container, d.name}
		parentQN = w.qualify([]string{d.container})
	}
	if d.kind == models.KindMember && d.subtype == "function" && owner.kind == models.KindType {
		d.subtype = "method"
	}

	qn := w.unique(w.qualify(path))
	text := treesitter.Text(n, w.content)
	entity := models.CodeEntity{
		ID:            models.EntityID(w.src.Context, w.src.Path, qn),
		QualifiedName: qn,
		Name:          d.name,
		Kind:          d.kind,
		Subtype:       d.subtype,
		Language:      w.chunker.lang,
		Context:       w.src.Context,
		FilePath:      w.src.Path,
		StartLine:     treesitter.StartLine(n),
		EndLine:       treesitter.EndLine(n),
		ContentHash:   hashText(text),
		Signature:     d.signature,
		Docstring:     d.docstring,
	}
	idx := w.add(entity)
	w.parents = append(w.parents, pendingParent{entity: idx, parentQN: parentQN})

	line := entity.StartLine
	for _, s := range d.supers {
		w.addRef(entity.ID, s.rel, s.name, line)
	}
	for _, r := range d.returns {
		w.addRef(entity.ID, models.RelReturnsType, r, line)
	}

	w.applyCeiling(idx, text)
	return scope{id: entity.ID, qn: qn, path: path, kind: d.kind}
}

func (w *fileWalker) qualify(path []string) string {
	return w.src.Path + "::" + strings.Join(path, ".")
}

// unique appends #n to repeated qualified names in source order.
func (w *fileWalker) unique(qn string) string {
	w.seen[qn]++
	if n := w.seen[qn]; n > 1 {
		return fmt.Sprintf("%s#%d", qn, n)
	}
	return qn
}

func (w *fileWalker) add(e models.CodeEntity) int {
	w.res.Entities = append(w.res.Entities, e)
	idx := len(w.res.Entities) - 1
	w.byQN[e.QualifiedName] = idx
	return idx
}

func (w *fileWalker) addRef(from string, rel models.RelationType, target string, line int) {
	target = strings.TrimSpace(target)
	if target == "" {
		return
	}
	key := from + "|" + string(rel) + "|" + target
	if w.refSeen[key] {
		return
	}
	w.refSeen[key] = true
	w.res.Refs = append(w.res.Refs, Ref{FromEntityID: from, Type: rel, TargetName: target, Line: line})
}

// linkParents emits the structural edges once every declaration of the file
// is known, so Go methods attach to receivers declared further down.
func (w *fileWalker) linkParents() {
	for _, p := range w.parents {
		child := &w.res.Entities[p.entity]
		if child.ParentID != "" {
			continue
		}
		parentIdx, ok := w.byQN[p.parentQN]
		if !ok {
			parentIdx = 0
		}
		parent := w.res.Entities[parentIdx]
		child.ParentID = parent.ID

		rel := models.RelContains
		if parent.Kind == models.KindFile {
			rel = models.RelDefines
		}
		w.res.Relationships = append(w.res.Relationships, models.Relationship{
			FromEntityID: parent.ID,
			ToEntityID:   child.ID,
			Type:         rel,
			Context:      w.src.Context,
		})
	}
}

// applyCeiling sets the embed text of an entity and splits members that do
// not fit the size ceiling into sections.
func (w *fileWalker) applyCeiling(idx int, text string) {
	limit := w.chunker.opts.MaxChunkBytes
	e := &w.res.Entities[idx]

	header := string(e.Kind) + " " + e.Subtype + " " + e.QualifiedName
	if e.Docstring != "" {
		header += "\n" + e.Docstring
	}
	full := header + "\n" + text
	if len(full) <= limit {
		e.EmbedText = full
		return
	}

	e.Truncated = true
	e.EmbedText = truncate(full, limit)
	if e.Kind != models.KindMember {
		return
	}

	member := *e
	for i, part := range splitLines(text, member.StartLine, limit-len(header)-16) {
		qn := fmt.Sprintf("%s$%d", member.QualifiedName, i+1)
		section := models.CodeEntity{
			ID:            models.EntityID(w.src.Context, w.src.Path, qn),
			QualifiedName: qn,
			Name:          fmt.Sprintf("%s$%d", member.Name, i+1),
			Kind:          models.KindSection,
			Subtype:       "section",
			Language:      member.Language,
			Context:       member.Context,
			FilePath:      member.FilePath,
			StartLine:     part.start,
			EndLine:       part.end,
			ContentHash:   hashText(part.text),
			ParentID:      member.ID,
			Truncated:     part.cut,
			EmbedText:     truncate(header+"\n"+part.text, limit),
		}
		w.add(section)
		w.res.Relationships = append(w.res.Relationships, models.Relationship{
			FromEntityID: member.ID,
			ToEntityID:   section.ID,
			Type:         models.RelContains,
			Context:      w.src.Context,
		})
	}
}

func (w *fileWalker) fileEmbedText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "File %s (%s)\n", w.src.Path, w.chunker.lang)
	for _, e := range w.res.Entities[1:] {
		if e.Kind == models.KindSection {
			continue
		}
		b.WriteString(e.Subtype)
		b.WriteByte(' ')
		b.WriteString(strings.TrimPrefix(e.QualifiedName, w.src.Path+"::"))
		b.WriteByte('\n')
	}
	text := b.String()
	if len(text) > w.chunker.opts.MaxChunkBytes {
		w.res.Entities[0].Truncated = true
		return truncate(text, w.chunker.opts.MaxChunkBytes)
	}
	return text
}

type linePart struct {
	text       string
	start, end int
	cut        bool
}

// splitLines splits text into parts of at most limit bytes on line
// boundaries. Lines longer than limit are cut and the part is flagged.
func splitLines(text string, startLine, limit int) []linePart {
	if limit < 64 {
		limit = 64
	}
	var parts []linePart
	var cur strings.Builder
	start := startLine
	cut := false

	flush := func(end int) {
		if cur.Len() == 0 {
			return
		}
		parts = append(parts, linePart{text: cur.String(), start: start, end: end, cut: cut})
		cur.Reset()
		cut = false
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lineNo := startLine + i
		long := len(line) > limit
		if long {
			line = truncate(line, limit)
		}
		if cur.Len() > 0 && cur.Len()+len(line)+1 > limit {
			flush(lineNo - 1)
			start = lineNo
		}
		// the flag belongs to the part the cut line lands in
		cut = cut || long
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	flush(startLine + len(lines) - 1)
	return parts
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !isRuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func lastSegment(path string) string {
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// signatureBefore returns the text of n up to its body field, or its first line.
func signatureBefore(n *sitter.Node, content []byte, bodyFields ...string) string {
	for _, field := range bodyFields {
		body := n.ChildByFieldName(field)
		if body == nil {
			body = treesitter.FirstChildOfType(n, field)
		}
		if body != nil && body.StartByte() > n.StartByte() {
			return strings.TrimSpace(string(content[n.StartByte():body.StartByte()]))
		}
	}
	text := treesitter.Text(n, content)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

// typeIdentifiers collects type_identifier names below n, skipping names in skip.
func typeIdentifiers(n *sitter.Node, content []byte, skip map[string]bool) []string {
	if n == nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	treesitter.Walk(n, func(c *sitter.Node) bool {
		if c.Type() == "type_identifier" {
			name := treesitter.Text(c, content)
			if !skip[name] && !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
		return true
	})
	return out
}
