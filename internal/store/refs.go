package store

import (
	"path"
	"sort"
	"strings"

	"github.com/dpolishuk/codegraph/internal/models"
)

// Properties recorded on weak edges so they can be promoted later.
const (
	PropSymbol = "symbol"
	PropModule = "module"
	PropLine   = "line"
	// PropTarget is the entity a weak edge was resolved to before that
	// entity was stored.
	PropTarget = "target"
)

// NormalizeModule resolves a relative import against the importing file and
// turns dotted module names into slash paths.
func NormalizeModule(fromPath, module string) string {
	switch {
	case module == "":
		return ""
	case strings.HasPrefix(module, "./") || strings.HasPrefix(module, "../"):
		module = path.Join(path.Dir(fromPath), module)
	case !strings.Contains(module, "/"):
		module = strings.ReplaceAll(module, ".", "/")
	}
	return strings.Trim(module, "/")
}

// ModuleMatches reports whether the file at candidatePath belongs to a
// normalized module: the module names the file itself or its directory.
func ModuleMatches(candidatePath, module string) bool {
	if module == "" || module == "." {
		return false
	}
	noExt := strings.TrimSuffix(candidatePath, path.Ext(candidatePath))
	for _, p := range []string{noExt, path.Dir(candidatePath)} {
		if p == "." {
			continue
		}
		if p == module || strings.HasSuffix("/"+p, "/"+module) || strings.HasSuffix(module, "/"+p) {
			return true
		}
	}
	return false
}

// WeakSymbol is the simple name a weak edge waits for.
func WeakSymbol(rel models.Relationship) string {
	if s := rel.Properties[PropSymbol]; s != "" {
		return s
	}
	name := rel.TargetName
	if i := strings.LastIndexAny(name, "./"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// PromotionTarget picks the entity a weak edge should now point to, if any.
// Among several candidates the lexically smallest path wins.
func PromotionTarget(rel models.Relationship, candidates []models.CodeEntity) (models.CodeEntity, bool) {
	if id := rel.Properties[PropTarget]; id != "" {
		for _, e := range candidates {
			if e.ID == id {
				return e, true
			}
		}
	}
	symbol := WeakSymbol(rel)
	module := rel.Properties[PropModule]

	var matches []models.CodeEntity
	for _, e := range candidates {
		if e.Name != symbol || e.ID == rel.FromEntityID || !rel.Type.AcceptsTarget(e.Kind) {
			continue
		}
		if module != "" && !ModuleMatches(e.FilePath, module) {
			continue
		}
		matches = append(matches, e)
	}
	if len(matches) == 0 {
		return models.CodeEntity{}, false
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].FilePath != matches[j].FilePath {
			return matches[i].FilePath < matches[j].FilePath
		}
		return matches[i].QualifiedName < matches[j].QualifiedName
	})
	return matches[0], true
}

// WeakScore matches the name a weak edge waits for against query terms.
func WeakScore(rel models.Relationship, terms []string) float64 {
	return MatchScore(models.CodeEntity{Name: WeakSymbol(rel), QualifiedName: rel.TargetName}, terms)
}

// Weaken turns a hard edge whose target is going away into a weak edge
// waiting for an entity with the target's name.
func Weaken(rel models.Relationship, target models.CodeEntity) models.Relationship {
	props := make(map[string]string, len(rel.Properties)+1)
	for k, v := range rel.Properties {
		props[k] = v
	}
	props[PropSymbol] = target.Name
	return models.Relationship{
		FromEntityID: rel.FromEntityID,
		Type:         rel.Type,
		Context:      rel.Context,
		TargetName:   target.Name,
		Weak:         true,
		Properties:   props,
	}
}

// Detach turns a hard edge whose target is not stored into a weak edge
// waiting for it by name. The intended target id is kept so promotion
// picks that entity once it arrives.
func Detach(rel models.Relationship) models.Relationship {
	name := rel.TargetName
	if name == "" {
		name = rel.ToEntityID
	}
	props := make(map[string]string, len(rel.Properties)+2)
	for k, v := range rel.Properties {
		props[k] = v
	}
	props[PropSymbol] = name
	props[PropTarget] = rel.ToEntityID
	return models.Relationship{
		FromEntityID: rel.FromEntityID,
		Type:         rel.Type,
		Context:      rel.Context,
		TargetName:   name,
		Weak:         true,
		Properties:   props,
	}
}

// Promote turns a weak edge into a hard edge to target.
func Promote(rel models.Relationship, target models.CodeEntity) models.Relationship {
	return models.Relationship{
		FromEntityID: rel.FromEntityID,
		ToEntityID:   target.ID,
		Type:         rel.Type,
		Context:      rel.Context,
		TargetName:   target.Name,
		Properties:   map[string]string{PropLine: rel.Properties[PropLine]},
	}
}

// SortNeighbors orders the neighbors found in one hop by direction, edge
// type and qualified name.
func SortNeighbors(ns []Neighbor) {
	sort.SliceStable(ns, func(i, j int) bool {
		if ns[i].Direction != ns[j].Direction {
			return ns[i].Direction < ns[j].Direction
		}
		if ns[i].Type != ns[j].Type {
			return ns[i].Type < ns[j].Type
		}
		return ns[i].Entity.QualifiedName < ns[j].Entity.QualifiedName
	})
}
