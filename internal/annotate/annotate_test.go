package annotate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpolishuk/codegraph/internal/models"
)

type panicky struct{}

func (panicky) Name() string { return "panicky" }

func (panicky) Annotate(models.CodeEntity, string) map[string]string { panic("broken plugin") }

const source = `package calc

// Div divides a by b.
func Div(a, b int) int {
	// TODO: return an error
	if b == 0 || a == 0 {
		return 0
	}
	return a / b
}

func helper() {}
`

func TestChainApply(t *testing.T) {
	entities := []models.CodeEntity{
		{Kind: models.KindFile, Name: "calc.go", Language: "go", StartLine: 1, EndLine: 13},
		{Kind: models.KindMember, Name: "Div", Language: "go", StartLine: 4, EndLine: 10, Docstring: "Div divides a by b."},
		{Kind: models.KindMember, Name: "helper", Language: "go", StartLine: 12, EndLine: 12},
	}

	chain := NewChain(nil, panicky{}, Complexity{}, Markers{}, Docs{})
	chain.Apply(entities, []byte(source))

	assert.Empty(t, entities[0].Metadata)

	div := entities[1].Metadata
	require.NotNil(t, div)
	assert.Equal(t, "2", div["complexity.branches"])
	assert.Equal(t, "3", div["complexity.cyclomatic"])
	assert.Equal(t, "7", div["complexity.lines"])
	assert.Equal(t, "1", div["markers.todo"])
	assert.Equal(t, "true", div["docs.documented"])
	assert.Equal(t, "true", div["docs.exported"])
	assert.NotContains(t, div, "panicky.anything")

	helper := entities[2].Metadata
	assert.Equal(t, "0", helper["complexity.branches"])
	assert.Equal(t, "false", helper["docs.documented"])
	assert.Equal(t, "false", helper["docs.exported"])
	assert.NotContains(t, helper, "markers.todo")
}

func TestDefaultChain(t *testing.T) {
	assert.Equal(t, []string{"complexity", "markers", "docs"}, Default(nil).Names())
}

func TestExported(t *testing.T) {
	assert.True(t, exported(models.CodeEntity{Name: "Open", Language: "go"}))
	assert.False(t, exported(models.CodeEntity{Name: "_private", Language: "python"}))
	assert.False(t, exported(models.CodeEntity{Name: "run", Language: "java", Signature: "private void run()"}))
	assert.True(t, exported(models.CodeEntity{Name: "run", Language: "typescript", Signature: "run(): void"}))
}
