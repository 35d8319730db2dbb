package models

type Strategy string

const (
	StrategyGraphFirst    Strategy = "graph-first"
	StrategySemanticFirst Strategy = "semantic-first"
	StrategyHybrid        Strategy = "hybrid"
)

type SearchRequest struct {
	Query                string  `json:"query" query:"q" validate:"required"`
	Context              string  `json:"context" query:"context" validate:"required"`
	Limit                int     `json:"limit" query:"limit" validate:"gte=0,lte=500"`
	Offset               int     `json:"offset" query:"offset" validate:"gte=0"`
	IncludeRelationships bool    `json:"includeRelationships" query:"includeRelationships"`
	RelationshipDepth    int     `json:"relationshipDepth" query:"relationshipDepth" validate:"gte=0"`
	MinimumScore         float64 `json:"minimumScore" query:"minimumScore" validate:"gte=0,lte=1"`
}

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// RelatedEntity is a neighbor reached during relationship enrichment.
type RelatedEntity struct {
	EntityID      string       `json:"entityId,omitempty"`
	QualifiedName string       `json:"qualifiedName"`
	FilePath      string       `json:"filePath,omitempty"`
	Type          RelationType `json:"type"`
	Direction     Direction    `json:"direction"`
	Depth         int          `json:"depth"`
	Weak          bool         `json:"weak,omitempty"`
}

type RankedResult struct {
	Entity        CodeEntity      `json:"entity"`
	Score         float64         `json:"score"`
	GraphScore    float64         `json:"graphScore"`
	SemanticScore float64         `json:"semanticScore"`
	Callers       []RelatedEntity `json:"callers,omitempty"`
	Dependencies  []RelatedEntity `json:"dependencies,omitempty"`
}

type SearchResponse struct {
	Results  []RankedResult `json:"results"`
	Count    int            `json:"count"`
	Total    int            `json:"total"`
	HasMore  bool           `json:"hasMore"`
	Degraded bool           `json:"degraded"`
	Strategy Strategy       `json:"strategy"`
}
