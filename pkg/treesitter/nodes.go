package treesitter

import (
	sitter "github.com/smacker/go-tree-sitter"
)

// Text returns the source text of node.
func Text(node *sitter.Node, content []byte) string {
	if node == nil {
		return ""
	}
	return node.Content(content)
}

// StartLine and EndLine report 1-based line numbers.
func StartLine(node *sitter.Node) int { return int(node.StartPoint().Row) + 1 }

func EndLine(node *sitter.Node) int { return int(node.EndPoint().Row) + 1 }

// Walk visits node and its named descendants depth-first. Returning false
// from visit skips the children of that node.
func Walk(node *sitter.Node, visit func(*sitter.Node) bool) {
	if node == nil {
		return
	}
	if !visit(node) {
		return
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		Walk(node.NamedChild(i), visit)
	}
}

// FirstChildOfType returns the first named child whose type is one of types.
func FirstChildOfType(node *sitter.Node, types ...string) *sitter.Node {
	if node == nil {
		return nil
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child == nil {
			continue
		}
		for _, t := range types {
			if child.Type() == t {
				return child
			}
		}
	}
	return nil
}
