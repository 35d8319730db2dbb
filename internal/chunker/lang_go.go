package chunker

import (
	"path"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/pkg/treesitter"
)

var goBuiltinTypes = map[string]bool{
	"bool": true, "byte": true, "complex64": true, "complex128": true, "error": true,
	"float32": true, "float64": true, "int": true, "int8": true, "int16": true,
	"int32": true, "int64": true, "rune": true, "string": true, "uint": true,
	"uint8": true, "uint16": true, "uint32": true, "uint64": true, "uintptr": true,
	"any": true, "comparable": true,
}

type goLang struct{}

func (goLang) declaration(n *sitter.Node, content []byte) (decl, bool) {
	switch n.Type() {
	case "function_declaration", "method_declaration":
		d := decl{
			kind:      models.KindMember,
			subtype:   "function",
			name:      treesitter.Text(n.ChildByFieldName("name"), content),
			signature: signatureBefore(n, content, "body"),
			docstring: precedingComment(n, content),
			returns:   typeIdentifiers(n.ChildByFieldName("result"), content, goBuiltinTypes),
		}
		if n.Type() == "method_declaration" {
			d.subtype = "method"
			d.container = goReceiverType(n, content)
		}
		return d, true

	case "type_spec", "type_alias":
		d := decl{
			kind:      models.KindType,
			subtype:   "type",
			name:      treesitter.Text(n.ChildByFieldName("name"), content),
			signature: signatureBefore(n, content, "field_declaration_list", "method_spec_list"),
			docstring: precedingComment(n, content),
		}
		switch typeNode := n.ChildByFieldName("type"); {
		case typeNode == nil:
		case typeNode.Type() == "struct_type":
			d.subtype = "struct"
			d.supers = goEmbedded(typeNode, content, models.RelInherits)
		case typeNode.Type() == "interface_type":
			d.subtype = "interface"
			d.supers = goEmbedded(typeNode, content, models.RelInherits)
		}
		return d, true
	}
	return decl{}, false
}

func (goLang) call(n *sitter.Node, content []byte) (callRef, bool) {
	switch n.Type() {
	case "call_expression":
		fn := n.ChildByFieldName("function")
		if fn == nil {
			return callRef{}, false
		}
		// Generic instantiation: Foo[int](x)
		if fn.Type() == "index_expression" {
			fn = fn.ChildByFieldName("operand")
		}
		return callRef{target: treesitter.Text(fn, content), rel: models.RelCalls}, true
	case "composite_literal":
		typ := n.ChildByFieldName("type")
		if typ == nil || typ.Type() != "type_identifier" && typ.Type() != "qualified_type" {
			return callRef{}, false
		}
		return callRef{target: treesitter.Text(typ, content), rel: models.RelUses}, true
	}
	return callRef{}, false
}

func (goLang) imports(root *sitter.Node, content []byte) []importSpec {
	var out []importSpec
	treesitter.Walk(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "import_declaration", "import_spec_list", "source_file":
			return true
		case "import_spec":
			p := strings.Trim(treesitter.Text(n.ChildByFieldName("path"), content), "\"`")
			alias := treesitter.Text(n.ChildByFieldName("name"), content)
			if alias == "" || alias == "." || alias == "_" {
				alias = path.Base(p)
			}
			out = append(out, importSpec{alias: alias, path: p})
		}
		return false
	})
	return out
}

// goReceiverType returns the receiver type name of a method declaration.
func goReceiverType(n *sitter.Node, content []byte) string {
	recv := n.ChildByFieldName("receiver")
	if recv == nil {
		return ""
	}
	var name string
	treesitter.Walk(recv, func(c *sitter.Node) bool {
		if name != "" {
			return false
		}
		if c.Type() == "type_identifier" {
			name = treesitter.Text(c, content)
			return false
		}
		return true
	})
	return name
}

// goEmbedded returns the embedded types of a struct or interface.
func goEmbedded(typeNode *sitter.Node, content []byte, rel models.RelationType) []superRef {
	var out []superRef
	treesitter.Walk(typeNode, func(c *sitter.Node) bool {
		switch c.Type() {
		case "struct_type", "interface_type", "field_declaration_list":
			return true
		case "field_declaration":
			if c.ChildByFieldName("name") == nil {
				if t := c.ChildByFieldName("type"); t != nil {
					out = append(out, superRef{name: strings.TrimPrefix(treesitter.Text(t, content), "*"), rel: rel})
				}
			}
		case "type_elem", "constraint_elem":
			text := treesitter.Text(c, content)
			if !strings.ContainsAny(text, "|~") && !goBuiltinTypes[text] {
				out = append(out, superRef{name: text, rel: rel})
			}
		}
		return false
	})
	return out
}
