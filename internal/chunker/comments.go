package chunker

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/dpolishuk/codegraph/pkg/treesitter"
)

var commentTypes = map[string]bool{
	"comment":           true,
	"line_comment":      true,
	"block_comment":     true,
	"multiline_comment": true,
}

// precedingComment collects the comment block directly above node. Wrapper
// nodes (export statements, decorators, Go type declarations) are climbed first.
func precedingComment(node *sitter.Node, content []byte) string {
	if node == nil {
		return ""
	}
	for parent := node.Parent(); parent != nil; parent = parent.Parent() {
		switch parent.Type() {
		case "export_statement", "decorated_definition", "type_declaration":
			node = parent
			continue
		}
		break
	}

	var lines []string
	prev := node.PrevSibling()
	for prev != nil && commentTypes[prev.Type()] {
		// Stop at a blank line between comment and declaration.
		if int(node.StartPoint().Row)-int(prev.EndPoint().Row) > 1 && len(lines) == 0 {
			break
		}
		lines = append([]string{cleanComment(treesitter.Text(prev, content))}, lines...)
		node = prev
		prev = prev.PrevSibling()
		if prev != nil && int(node.StartPoint().Row)-int(prev.EndPoint().Row) > 1 {
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func cleanComment(comment string) string {
	comment = strings.TrimSpace(comment)
	comment = strings.TrimPrefix(comment, "/**")
	comment = strings.TrimPrefix(comment, "//")
	comment = strings.TrimPrefix(comment, "/*")
	comment = strings.TrimSuffix(comment, "*/")
	comment = strings.TrimPrefix(comment, "#")

	lines := strings.Split(comment, "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "*")
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// pythonDocstring extracts the docstring from a function or class body.
func pythonDocstring(node *sitter.Node, content []byte) string {
	body := node.ChildByFieldName("body")
	if body == nil || body.Type() != "block" || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first == nil || first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	expr := first.NamedChild(0)
	if expr == nil || expr.Type() != "string" {
		return ""
	}
	doc := treesitter.Text(expr, content)
	doc = strings.TrimPrefix(doc, `"""`)
	doc = strings.TrimSuffix(doc, `"""`)
	doc = strings.TrimPrefix(doc, "'''")
	doc = strings.TrimSuffix(doc, "'''")
	return strings.TrimSpace(strings.Trim(doc, `"'`))
}
