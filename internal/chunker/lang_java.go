package chunker

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/pkg/treesitter"
)

var javaBuiltinTypes = map[string]bool{
	"String": true, "Object": true, "Integer": true, "Long": true, "Boolean": true,
	"Double": true, "List": true, "Map": true, "Set": true, "Optional": true, "Void": true,
}

type javaLang struct{}

func (javaLang) declaration(n *sitter.Node, content []byte) (decl, bool) {
	d := decl{
		name:      treesitter.Text(n.ChildByFieldName("name"), content),
		docstring: precedingComment(n, content),
	}
	switch n.Type() {
	case "class_declaration", "record_declaration":
		d.kind, d.subtype = models.KindType, "class"
		d.signature = signatureBefore(n, content, "body")
		if sc := n.ChildByFieldName("superclass"); sc != nil {
			for _, name := range javaTypeNames(sc, content) {
				d.supers = append(d.supers, superRef{name: name, rel: models.RelInherits})
			}
		}
		if ifaces := n.ChildByFieldName("interfaces"); ifaces != nil {
			for _, name := range javaTypeNames(ifaces, content) {
				d.supers = append(d.supers, superRef{name: name, rel: models.RelImplements})
			}
		}

	case "interface_declaration":
		d.kind, d.subtype = models.KindType, "interface"
		d.signature = signatureBefore(n, content, "body")
		if ext := treesitter.FirstChildOfType(n, "extends_interfaces"); ext != nil {
			for _, name := range javaTypeNames(ext, content) {
				d.supers = append(d.supers, superRef{name: name, rel: models.RelInherits})
			}
		}

	case "enum_declaration":
		d.kind, d.subtype = models.KindType, "enum"
		d.signature = signatureBefore(n, content, "body")
		if ifaces := n.ChildByFieldName("interfaces"); ifaces != nil {
			for _, name := range javaTypeNames(ifaces, content) {
				d.supers = append(d.supers, superRef{name: name, rel: models.RelImplements})
			}
		}

	case "method_declaration":
		d.kind, d.subtype = models.KindMember, "method"
		d.signature = signatureBefore(n, content, "body")
		d.returns = javaTypeNames(n.ChildByFieldName("type"), content)

	case "constructor_declaration":
		d.kind, d.subtype = models.KindMember, "constructor"
		d.signature = signatureBefore(n, content, "body")

	default:
		return decl{}, false
	}
	return d, true
}

// javaTypeNames returns the non-builtin type names below n.
func javaTypeNames(n *sitter.Node, content []byte) []string {
	if n == nil {
		return nil
	}
	var out []string
	treesitter.Walk(n, func(c *sitter.Node) bool {
		switch c.Type() {
		case "type_identifier":
			if name := treesitter.Text(c, content); !javaBuiltinTypes[name] {
				out = append(out, name)
			}
			return false
		case "scoped_type_identifier":
			out = append(out, treesitter.Text(c, content))
			return false
		}
		return true
	})
	return out
}

func (javaLang) call(n *sitter.Node, content []byte) (callRef, bool) {
	switch n.Type() {
	case "method_invocation":
		name := treesitter.Text(n.ChildByFieldName("name"), content)
		if obj := n.ChildByFieldName("object"); obj != nil && obj.Type() != "this" {
			name = treesitter.Text(obj, content) + "." + name
		}
		return callRef{target: name, rel: models.RelCalls}, true
	case "object_creation_expression":
		typ := n.ChildByFieldName("type")
		if typ == nil {
			return callRef{}, false
		}
		name := treesitter.Text(typ, content)
		if i := strings.IndexByte(name, '<'); i >= 0 {
			name = name[:i]
		}
		return callRef{target: name, rel: models.RelUses}, true
	}
	return callRef{}, false
}

func (javaLang) imports(root *sitter.Node, content []byte) []importSpec {
	var out []importSpec
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		if n == nil || n.Type() != "import_declaration" {
			continue
		}
		text := strings.TrimSpace(treesitter.Text(n, content))
		text = strings.TrimPrefix(text, "import")
		text = strings.TrimSuffix(text, ";")
		text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "static"))
		if strings.HasSuffix(text, ".*") {
			out = append(out, importSpec{path: strings.TrimSuffix(text, ".*")})
			continue
		}
		out = append(out, importSpec{alias: lastDotted(text), path: text})
	}
	return out
}

func lastDotted(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}
