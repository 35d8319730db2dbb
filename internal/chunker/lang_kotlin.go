package chunker

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/pkg/treesitter"
)

type kotlinLang struct{}

func (kotlinLang) declaration(n *sitter.Node, content []byte) (decl, bool) {
	switch n.Type() {
	case "class_declaration", "object_declaration":
		d := decl{
			kind:      models.KindType,
			subtype:   "class",
			name:      kotlinName(n, content, "type_identifier"),
			signature: signatureBefore(n, content, "class_body", "enum_class_body"),
			docstring: precedingComment(n, content),
		}
		if n.Type() == "object_declaration" {
			d.subtype = "object"
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			if c := n.Child(i); c != nil && c.Type() == "interface" {
				d.subtype = "interface"
			}
		}
		d.supers = kotlinSupertypes(n, content)
		return d, true

	case "function_declaration":
		return decl{
			kind:      models.KindMember,
			subtype:   "function",
			name:      kotlinName(n, content, "simple_identifier"),
			signature: signatureBefore(n, content, "function_body"),
			docstring: precedingComment(n, content),
		}, true
	}
	return decl{}, false
}

func kotlinName(n *sitter.Node, content []byte, nodeType string) string {
	if name := n.ChildByFieldName("name"); name != nil {
		return treesitter.Text(name, content)
	}
	return treesitter.Text(treesitter.FirstChildOfType(n, nodeType), content)
}

// kotlinSupertypes maps delegation specifiers to edges: a constructor call
// names the superclass, a bare type names an interface.
func kotlinSupertypes(n *sitter.Node, content []byte) []superRef {
	var out []superRef
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c == nil {
			continue
		}
		specs := []*sitter.Node{c}
		if c.Type() == "delegation_specifiers" {
			specs = specs[:0]
			for j := 0; j < int(c.NamedChildCount()); j++ {
				specs = append(specs, c.NamedChild(j))
			}
		}
		for _, spec := range specs {
			if spec == nil || spec.Type() != "delegation_specifier" {
				continue
			}
			if ctor := treesitter.FirstChildOfType(spec, "constructor_invocation"); ctor != nil {
				name := treesitter.Text(treesitter.FirstChildOfType(ctor, "user_type"), content)
				out = append(out, superRef{name: stripTypeArgs(name), rel: models.RelInherits})
				continue
			}
			if ut := treesitter.FirstChildOfType(spec, "user_type"); ut != nil {
				out = append(out, superRef{name: stripTypeArgs(treesitter.Text(ut, content)), rel: models.RelImplements})
			}
		}
	}
	return out
}

func stripTypeArgs(name string) string {
	if i := strings.IndexByte(name, '<'); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}

func (kotlinLang) call(n *sitter.Node, content []byte) (callRef, bool) {
	if n.Type() != "call_expression" || n.NamedChildCount() == 0 {
		return callRef{}, false
	}
	callee := n.NamedChild(0)
	if callee == nil {
		return callRef{}, false
	}
	switch callee.Type() {
	case "simple_identifier", "navigation_expression":
		return callRef{target: strings.TrimPrefix(treesitter.Text(callee, content), "this."), rel: models.RelCalls}, true
	}
	return callRef{}, false
}

func (kotlinLang) imports(root *sitter.Node, content []byte) []importSpec {
	var out []importSpec
	treesitter.Walk(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "source_file", "import_list":
			return true
		case "import_header":
			id := treesitter.Text(treesitter.FirstChildOfType(n, "identifier"), content)
			if id == "" {
				return false
			}
			text := treesitter.Text(n, content)
			if strings.Contains(text, ".*") {
				out = append(out, importSpec{path: id})
				return false
			}
			alias := lastDotted(id)
			if a := treesitter.FirstChildOfType(n, "import_alias"); a != nil {
				if name := treesitter.FirstChildOfType(a, "type_identifier", "simple_identifier"); name != nil {
					alias = treesitter.Text(name, content)
				}
			}
			out = append(out, importSpec{alias: alias, path: id})
		}
		return false
	})
	return out
}
