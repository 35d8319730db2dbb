package chunker

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/pkg/treesitter"
)

type pythonLang struct{}

func (pythonLang) declaration(n *sitter.Node, content []byte) (decl, bool) {
	switch n.Type() {
	case "function_definition":
		return decl{
			kind:      models.KindMember,
			subtype:   "function",
			name:      treesitter.Text(n.ChildByFieldName("name"), content),
			signature: firstLine(treesitter.Text(n, content)),
			docstring: pythonDocstring(n, content),
		}, true

	case "class_definition":
		d := decl{
			kind:      models.KindType,
			subtype:   "class",
			name:      treesitter.Text(n.ChildByFieldName("name"), content),
			signature: firstLine(treesitter.Text(n, content)),
			docstring: pythonDocstring(n, content),
		}
		if bases := n.ChildByFieldName("superclasses"); bases != nil {
			for i := 0; i < int(bases.NamedChildCount()); i++ {
				base := bases.NamedChild(i)
				if base == nil {
					continue
				}
				switch base.Type() {
				case "identifier", "attribute":
					name := treesitter.Text(base, content)
					if name != "object" {
						d.supers = append(d.supers, superRef{name: name, rel: models.RelInherits})
					}
				}
			}
		}
		return d, true
	}
	return decl{}, false
}

func (pythonLang) call(n *sitter.Node, content []byte) (callRef, bool) {
	if n.Type() != "call" {
		return callRef{}, false
	}
	fn := n.ChildByFieldName("function")
	if fn == nil || (fn.Type() != "identifier" && fn.Type() != "attribute") {
		return callRef{}, false
	}
	return callRef{target: treesitter.Text(fn, content), rel: models.RelCalls}, true
}

func (pythonLang) imports(root *sitter.Node, content []byte) []importSpec {
	var out []importSpec
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		if n == nil {
			continue
		}
		switch n.Type() {
		case "import_statement":
			for j := 0; j < int(n.NamedChildCount()); j++ {
				out = append(out, pythonImportName(n.NamedChild(j), content, ""))
			}
		case "import_from_statement":
			module := treesitter.Text(n.ChildByFieldName("module_name"), content)
			moduleNode := n.ChildByFieldName("module_name")
			for j := 0; j < int(n.NamedChildCount()); j++ {
				child := n.NamedChild(j)
				if child == nil || (moduleNode != nil && child.StartByte() == moduleNode.StartByte()) {
					continue
				}
				if child.Type() == "wildcard_import" {
					out = append(out, importSpec{path: module})
					continue
				}
				out = append(out, pythonImportName(child, content, module))
			}
		}
	}
	return out
}

// pythonImportName maps a dotted_name or aliased_import to an import spec.
// Names imported from a module resolve to "module.name".
func pythonImportName(n *sitter.Node, content []byte, module string) importSpec {
	if n == nil {
		return importSpec{}
	}
	var name, alias string
	switch n.Type() {
	case "aliased_import":
		name = treesitter.Text(n.ChildByFieldName("name"), content)
		alias = treesitter.Text(n.ChildByFieldName("alias"), content)
	case "dotted_name":
		name = treesitter.Text(n, content)
	default:
		return importSpec{}
	}
	full := name
	if module != "" {
		full = module + "." + name
	}
	if alias == "" {
		if module != "" {
			alias = name
		} else {
			alias = strings.SplitN(name, ".", 2)[0]
			full = alias
			if alias != name {
				return importSpec{alias: alias, path: name}
			}
		}
	}
	return importSpec{alias: alias, path: full}
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}
