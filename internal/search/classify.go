package search

import (
	"strings"
	"unicode"

	"github.com/dpolishuk/codegraph/internal/models"
	"github.com/dpolishuk/codegraph/internal/store"
)

// Analysis is what a query asks for, derived from its text alone.
type Analysis struct {
	Strategy models.Strategy
	// Keywords are the structural phrases found, in query order.
	Keywords []string
	// Relations are the edge patterns the keywords translate to.
	Relations []store.RelationPattern
	// Identifiers are tokens that look like code names.
	Identifiers []string
	// Terms are matched against entity names by the graph store.
	Terms []string
	// FreeText holds the remaining content words.
	FreeText []string
}

type structural struct {
	phrase  []string
	pattern store.RelationPattern
}

// Longer phrases come first so "called by" wins over "called".
var structuralPhrases = []structural{
	{[]string{"implementations", "of"}, store.RelationPattern{Type: models.RelImplements}},
	{[]string{"subclasses", "of"}, store.RelationPattern{Type: models.RelInherits}},
	{[]string{"callers", "of"}, store.RelationPattern{Type: models.RelCalls}},
	{[]string{"called", "by"}, store.RelationPattern{Type: models.RelCalls, Reverse: true}},
	{[]string{"used", "by"}, store.RelationPattern{Type: models.RelUses, Reverse: true}},
	{[]string{"depends", "on"}, store.RelationPattern{Type: models.RelUses}},
	{[]string{"depend", "on"}, store.RelationPattern{Type: models.RelUses}},
	{[]string{"implements"}, store.RelationPattern{Type: models.RelImplements}},
	{[]string{"implement"}, store.RelationPattern{Type: models.RelImplements}},
	{[]string{"inherits"}, store.RelationPattern{Type: models.RelInherits}},
	{[]string{"inherit"}, store.RelationPattern{Type: models.RelInherits}},
	{[]string{"extends"}, store.RelationPattern{Type: models.RelInherits}},
	{[]string{"extend"}, store.RelationPattern{Type: models.RelInherits}},
	{[]string{"overrides"}, store.RelationPattern{Type: models.RelOverrides}},
	{[]string{"calls"}, store.RelationPattern{Type: models.RelCalls}},
	{[]string{"call"}, store.RelationPattern{Type: models.RelCalls}},
	{[]string{"invokes"}, store.RelationPattern{Type: models.RelCalls}},
	{[]string{"imports"}, store.RelationPattern{Type: models.RelImports}},
	{[]string{"import"}, store.RelationPattern{Type: models.RelImports}},
	{[]string{"uses"}, store.RelationPattern{Type: models.RelUses}},
	{[]string{"returns"}, store.RelationPattern{Type: models.RelReturnsType}},
	{[]string{"references"}, store.RelationPattern{Type: models.RelReferences}},
}

var questionWords = map[string]bool{
	"how": true, "what": true, "why": true, "where": true, "when": true,
	"which": true, "who": true, "does": true, "do": true, "is": true,
	"are": true, "can": true, "should": true, "explain": true, "describe": true,
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "to": true, "in": true,
	"on": true, "for": true, "and": true, "or": true, "by": true, "with": true,
	"that": true, "this": true, "it": true, "its": true, "be": true, "from": true,
	"all": true, "any": true, "me": true, "i": true, "we": true, "there": true,
	"find": true, "show": true, "list": true, "get": true, "code": true,
}

// Classify picks the retrieval strategy for a query. Structural keywords or
// code identifiers select graph-first; plain prose selects semantic-first;
// exactly one structural signal mixed with free text selects hybrid.
func Classify(query string) Analysis {
	tokens := tokenize(query)
	var a Analysis

	lower := make([]string, len(tokens))
	for i, t := range tokens {
		lower[i] = strings.ToLower(t)
	}

	for i := 0; i < len(tokens); {
		if s, ok := matchPhrase(lower[i:]); ok {
			a.Keywords = append(a.Keywords, strings.Join(s.phrase, " "))
			a.Relations = appendPattern(a.Relations, s.pattern)
			i += len(s.phrase)
			continue
		}
		tok := tokens[i]
		switch {
		case isIdentifier(tok, i > 0 || leadingName(lower, i)):
			a.Identifiers = append(a.Identifiers, cleanIdentifier(tok))
		case questionWords[lower[i]] || stopWords[lower[i]] || len(lower[i]) < 3:
		default:
			a.FreeText = append(a.FreeText, lower[i])
		}
		i++
	}

	if len(a.Identifiers) > 0 {
		a.Terms = a.Identifiers
	} else {
		a.Terms = a.FreeText
	}

	signals := len(a.Keywords) + len(a.Identifiers)
	switch {
	case signals == 0:
		a.Strategy = models.StrategySemanticFirst
	case signals == 1 && len(a.FreeText) > 0:
		a.Strategy = models.StrategyHybrid
	default:
		a.Strategy = models.StrategyGraphFirst
	}
	return a
}

func tokenize(q string) []string {
	fields := strings.FieldsFunc(q, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(",;?!\"'`", r)
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimRight(f, ".:"); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func matchPhrase(words []string) (structural, bool) {
	for _, s := range structuralPhrases {
		if len(words) < len(s.phrase) {
			continue
		}
		ok := true
		for j, w := range s.phrase {
			if words[j] != w {
				ok = false
				break
			}
		}
		if ok {
			return s, true
		}
	}
	return structural{}, false
}

func appendPattern(ps []store.RelationPattern, p store.RelationPattern) []store.RelationPattern {
	for _, existing := range ps {
		if existing == p {
			return ps
		}
	}
	return append(ps, p)
}

// leadingName reports whether a capitalized first token should count as a
// code name: it stands alone ("Repository") or directly precedes a
// structural phrase ("Handler calls"), and is not a question or stop word.
func leadingName(lower []string, i int) bool {
	if i != 0 || questionWords[lower[0]] || stopWords[lower[0]] {
		return false
	}
	if len(lower) == 1 {
		return true
	}
	_, ok := matchPhrase(lower[1:])
	return ok
}

// isIdentifier reports whether tok looks like a code name: it has a
// separator (snake_case, pkg.Name, Type::member, call()), mixed case inside
// the word, or is capitalized where capitals are allowed to mark a name.
func isIdentifier(tok string, capitalized bool) bool {
	if strings.ContainsAny(tok, "_.") || strings.Contains(tok, "::") || strings.HasSuffix(tok, "()") {
		return len(strings.Trim(tok, "_.:()")) > 0
	}
	runes := []rune(tok)
	hasLower := false
	for _, r := range runes {
		if unicode.IsLower(r) {
			hasLower = true
			break
		}
	}
	for _, r := range runes[1:] {
		if unicode.IsUpper(r) && hasLower {
			return true
		}
	}
	return capitalized && unicode.IsUpper(runes[0]) && hasLower
}

func cleanIdentifier(tok string) string {
	tok = strings.TrimSuffix(tok, "()")
	if i := strings.LastIndex(tok, "::"); i >= 0 {
		tok = tok[i+2:]
	}
	if i := strings.LastIndex(tok, "."); i >= 0 && i < len(tok)-1 {
		tok = tok[i+1:]
	}
	return tok
}
