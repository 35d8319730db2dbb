package chunker

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/pkg/treesitter"
)

var tsBuiltinTypes = map[string]bool{
	"Promise": true, "Array": true, "Record": true, "Partial": true, "Readonly": true,
	"Map": true, "Set": true, "Pick": true, "Omit": true,
}

// tsLang handles both TypeScript and JavaScript grammars.
type tsLang struct{}

func (tsLang) declaration(n *sitter.Node, content []byte) (decl, bool) {
	d := decl{docstring: precedingComment(n, content)}
	switch n.Type() {
	case "function_declaration", "generator_function_declaration":
		d.kind, d.subtype = models.KindMember, "function"
		d.name = treesitter.Text(n.ChildByFieldName("name"), content)
		d.signature = signatureBefore(n, content, "body")
		d.returns = typeIdentifiers(n.ChildByFieldName("return_type"), content, tsBuiltinTypes)

	case "method_definition":
		d.kind, d.subtype = models.KindMember, "method"
		d.name = treesitter.Text(n.ChildByFieldName("name"), content)
		d.signature = signatureBefore(n, content, "body")
		d.returns = typeIdentifiers(n.ChildByFieldName("return_type"), content, tsBuiltinTypes)

	case "class_declaration", "abstract_class_declaration", "class":
		d.kind, d.subtype = models.KindType, "class"
		d.name = treesitter.Text(n.ChildByFieldName("name"), content)
		d.signature = signatureBefore(n, content, "body")
		d.supers = tsHeritage(n, content)

	case "interface_declaration":
		d.kind, d.subtype = models.KindType, "interface"
		d.name = treesitter.Text(n.ChildByFieldName("name"), content)
		d.signature = signatureBefore(n, content, "body")
		d.supers = tsHeritage(n, content)

	case "enum_declaration":
		d.kind, d.subtype = models.KindType, "enum"
		d.name = treesitter.Text(n.ChildByFieldName("name"), content)
		d.signature = signatureBefore(n, content, "body")

	case "type_alias_declaration":
		d.kind, d.subtype = models.KindType, "type"
		d.name = treesitter.Text(n.ChildByFieldName("name"), content)
		d.signature = firstLine(treesitter.Text(n, content))

	case "variable_declarator":
		// const handler = () => {...}
		value := n.ChildByFieldName("value")
		if value == nil {
			return decl{}, false
		}
		switch value.Type() {
		case "arrow_function", "function_expression", "function":
		default:
			return decl{}, false
		}
		if stmt := n.Parent(); stmt != nil {
			d.docstring = precedingComment(stmt, content)
		}
		d.kind, d.subtype = models.KindMember, "function"
		d.name = treesitter.Text(n.ChildByFieldName("name"), content)
		d.signature = signatureBefore(n, content, "body")
		d.returns = typeIdentifiers(value.ChildByFieldName("return_type"), content, tsBuiltinTypes)

	default:
		return decl{}, false
	}
	return d, true
}

func tsHeritage(n *sitter.Node, content []byte) []superRef {
	var out []superRef
	add := func(clause *sitter.Node, rel models.RelationType) {
		for i := 0; i < int(clause.NamedChildCount()); i++ {
			c := clause.NamedChild(i)
			if c == nil || c.Type() == "type_arguments" {
				continue
			}
			name := treesitter.Text(c, content)
			if i := strings.IndexByte(name, '<'); i >= 0 {
				name = name[:i]
			}
			out = append(out, superRef{name: strings.TrimSpace(name), rel: rel})
		}
	}
	treesitter.Walk(n, func(c *sitter.Node) bool {
		switch c.Type() {
		case "class_heritage":
			return true
		case "extends_clause", "extends_type_clause":
			add(c, models.RelInherits)
		case "implements_clause":
			add(c, models.RelImplements)
		default:
			return c == n
		}
		return false
	})
	return out
}

func (tsLang) call(n *sitter.Node, content []byte) (callRef, bool) {
	switch n.Type() {
	case "call_expression":
		fn := n.ChildByFieldName("function")
		if fn == nil {
			return callRef{}, false
		}
		switch fn.Type() {
		case "identifier", "member_expression":
			return callRef{target: strings.TrimPrefix(treesitter.Text(fn, content), "this."), rel: models.RelCalls}, true
		}
	case "new_expression":
		ctor := n.ChildByFieldName("constructor")
		if ctor == nil {
			return callRef{}, false
		}
		return callRef{target: treesitter.Text(ctor, content), rel: models.RelUses}, true
	}
	return callRef{}, false
}

func (tsLang) imports(root *sitter.Node, content []byte) []importSpec {
	var out []importSpec
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		if n == nil || n.Type() != "import_statement" {
			continue
		}
		source := strings.Trim(treesitter.Text(n.ChildByFieldName("source"), content), "\"'`")
		if source == "" {
			continue
		}
		clause := treesitter.FirstChildOfType(n, "import_clause")
		if clause == nil {
			out = append(out, importSpec{path: source})
			continue
		}
		found := false
		treesitter.Walk(clause, func(c *sitter.Node) bool {
			switch c.Type() {
			case "import_clause", "named_imports":
				return true
			case "identifier":
				// default import
				out = append(out, importSpec{alias: treesitter.Text(c, content), path: source})
				found = true
			case "namespace_import":
				if id := treesitter.FirstChildOfType(c, "identifier"); id != nil {
					out = append(out, importSpec{alias: treesitter.Text(id, content), path: source})
					found = true
				}
			case "import_specifier":
				name := treesitter.Text(c.ChildByFieldName("name"), content)
				alias := treesitter.Text(c.ChildByFieldName("alias"), content)
				if alias == "" {
					alias = name
				}
				out = append(out, importSpec{alias: alias, path: source + "." + name})
				found = true
			}
			return false
		})
		if !found {
			out = append(out, importSpec{path: source})
		}
	}
	return out
}
