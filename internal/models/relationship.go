package models

import "strings"

type RelationType string

const (
	RelContains    RelationType = "Contains"
	RelDefines     RelationType = "Defines"
	RelCalls       RelationType = "Calls"
	RelInherits    RelationType = "Inherits"
	RelImplements  RelationType = "Implements"
	RelImports     RelationType = "Imports"
	RelUses        RelationType = "Uses"
	RelHasType     RelationType = "HasType"
	RelReturnsType RelationType = "ReturnsType"
	RelReferences  RelationType = "References"
	RelOverrides   RelationType = "Overrides"
	RelDecorates   RelationType = "Decorates"
)

var relationTypes = []RelationType{
	RelContains, RelDefines, RelCalls, RelInherits, RelImplements, RelImports,
	RelUses, RelHasType, RelReturnsType, RelReferences, RelOverrides, RelDecorates,
}

// RelationTypes returns every known relationship type.
func RelationTypes() []RelationType {
	out := make([]RelationType, len(relationTypes))
	copy(out, relationTypes)
	return out
}

func (t RelationType) Valid() bool {
	for _, rt := range relationTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// Label returns the graph relationship label, e.g. "RETURNS_TYPE".
func (t RelationType) Label() string {
	var b strings.Builder
	for i, r := range string(t) {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

// Relationship is a typed edge between two entities of the same context.
// A weak relationship has no ToEntityID; its target is only known by TargetName.
type Relationship struct {
	FromEntityID string            `json:"fromEntityId"`
	ToEntityID   string            `json:"toEntityId,omitempty"`
	Type         RelationType      `json:"type"`
	Properties   map[string]string `json:"properties,omitempty"`
	Context      string            `json:"context"`
	TargetName   string            `json:"targetName,omitempty"`
	Weak         bool              `json:"weak,omitempty"`
}

// Key identifies an edge for de-duplication.
func (r Relationship) Key() string {
	if r.Weak {
		return r.FromEntityID + "|" + string(r.Type) + "|~" + r.TargetName
	}
	return r.FromEntityID + "|" + string(r.Type) + "|" + r.ToEntityID
}

// AcceptsTarget reports whether an edge of this type may end at an entity of kind.
func (t RelationType) AcceptsTarget(kind EntityKind) bool {
	switch t {
	case RelInherits, RelImplements, RelReturnsType, RelUses, RelHasType:
		return kind == KindType
	case RelCalls:
		return kind == KindMember || kind == KindType
	case RelImports:
		return true
	default:
		return kind != KindFile
	}
}
