package chunker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpolishuk/codegraph/internal/models"
)

func chunk(t *testing.T, lang, path, code string) *Result {
	t.Helper()
	c, err := NewTreeSitterChunker(lang, DefaultOptions())
	require.NoError(t, err)
	res, err := c.Chunk(context.Background(), Source{Context: "test", Path: path, Language: lang, Content: []byte(code)})
	require.NoError(t, err)
	return res
}

func entityByQN(t *testing.T, res *Result, qn string) models.CodeEntity {
	t.Helper()
	for _, e := range res.Entities {
		if e.QualifiedName == qn {
			return e
		}
	}
	t.Fatalf("entity %q not found", qn)
	return models.CodeEntity{}
}

func hasRef(res *Result, from string, rel models.RelationType, target string) bool {
	for _, r := range res.Refs {
		if r.FromEntityID == from && r.Type == rel && r.TargetName == target {
			return true
		}
	}
	return false
}

func hasEdge(res *Result, from, to string, rel models.RelationType) bool {
	for _, r := range res.Relationships {
		if r.FromEntityID == from && r.ToEntityID == to && r.Type == rel {
			return true
		}
	}
	return false
}

func TestChunkGo(t *testing.T) {
	goCode := `package main

// Add adds two numbers together
func Add(a, b int) int {
	return a + b
}

// Calculator is a simple calculator
type Calculator struct {
	result int
}

// Multiply multiplies two numbers
func (c *Calculator) Multiply(a, b int) int {
	result := a * b
	c.result = result
	return result
}
`
	res := chunk(t, "go", "test.go", goCode)
	require.Len(t, res.Entities, 4)

	file := res.FileEntity()
	require.NotNil(t, file)
	assert.Equal(t, models.KindFile, file.Kind)
	assert.Equal(t, "test.go", file.QualifiedName)
	assert.NotEmpty(t, file.ContentHash)

	add := entityByQN(t, res, "test.go::Add")
	assert.Equal(t, models.KindMember, add.Kind)
	assert.Equal(t, "function", add.Subtype)
	assert.Equal(t, "Add adds two numbers together", add.Docstring)
	assert.Equal(t, 4, add.StartLine)
	assert.Equal(t, 6, add.EndLine)
	assert.Equal(t, "test.go", add.FilePath)
	assert.Equal(t, file.ID, add.ParentID)
	assert.Contains(t, add.EmbedText, "return a + b")

	calc := entityByQN(t, res, "test.go::Calculator")
	assert.Equal(t, models.KindType, calc.Kind)
	assert.Equal(t, "struct", calc.Subtype)
	assert.Equal(t, "Calculator is a simple calculator", calc.Docstring)

	mul := entityByQN(t, res, "test.go::Calculator.Multiply")
	assert.Equal(t, "method", mul.Subtype)
	assert.Equal(t, "Multiply multiplies two numbers", mul.Docstring)
	assert.Equal(t, calc.ID, mul.ParentID)

	assert.True(t, hasEdge(res, file.ID, add.ID, models.RelDefines))
	assert.True(t, hasEdge(res, file.ID, calc.ID, models.RelDefines))
	assert.True(t, hasEdge(res, calc.ID, mul.ID, models.RelContains))
}

func TestChunkGoCallsAndImports(t *testing.T) {
	goCode := `package main

import (
	"fmt"
	str "strings"
)

type Config struct{}

func helper() *Config {
	return &Config{}
}

func process(x int) int {
	return x * 2
}

func main() {
	helper()
	result := process(5)
	fmt.Println(str.ToUpper("x"), result)
}
`
	res := chunk(t, "go", "main.go", goCode)

	assert.Equal(t, "fmt", res.Imports["fmt"])
	assert.Equal(t, "strings", res.Imports["str"])
	file := res.FileEntity()
	assert.True(t, hasRef(res, file.ID, models.RelImports, "fmt"))
	assert.True(t, hasRef(res, file.ID, models.RelImports, "strings"))

	main := entityByQN(t, res, "main.go::main")
	assert.True(t, hasRef(res, main.ID, models.RelCalls, "helper"))
	assert.True(t, hasRef(res, main.ID, models.RelCalls, "process"))
	assert.True(t, hasRef(res, main.ID, models.RelCalls, "fmt.Println"))
	assert.True(t, hasRef(res, main.ID, models.RelCalls, "str.ToUpper"))

	helper := entityByQN(t, res, "main.go::helper")
	assert.True(t, hasRef(res, helper.ID, models.RelReturnsType, "Config"))
	assert.True(t, hasRef(res, helper.ID, models.RelUses, "Config"))
}

func TestChunkPython(t *testing.T) {
	pythonCode := `import os
from collections import OrderedDict as OD

def add(a, b):
    """Add two numbers together"""
    return a + b

class Calculator(Base):
    """A simple calculator class"""

    def __init__(self):
        self.result = 0

    def multiply(self, a, b):
        """Multiply two numbers"""
        result = add(a, b) * b
        self.result = result
        return result
`
	res := chunk(t, "python", "calc.py", pythonCode)
	require.Len(t, res.Entities, 5)

	add := entityByQN(t, res, "calc.py::add")
	assert.Equal(t, "function", add.Subtype)
	assert.Equal(t, "Add two numbers together", add.Docstring)

	calc := entityByQN(t, res, "calc.py::Calculator")
	assert.Equal(t, "class", calc.Subtype)
	assert.Equal(t, "A simple calculator class", calc.Docstring)
	assert.True(t, hasRef(res, calc.ID, models.RelInherits, "Base"))

	mul := entityByQN(t, res, "calc.py::Calculator.multiply")
	assert.Equal(t, "method", mul.Subtype)
	assert.Equal(t, "Multiply two numbers", mul.Docstring)
	assert.True(t, hasRef(res, mul.ID, models.RelCalls, "add"))
	assert.True(t, hasEdge(res, calc.ID, mul.ID, models.RelContains))

	assert.Equal(t, "os", res.Imports["os"])
	assert.Equal(t, "collections.OrderedDict", res.Imports["OD"])
}

func TestChunkTypeScript(t *testing.T) {
	tsCode := `import { Animal } from "./animal";
import * as utils from "./utils";

// Pet can be petted
interface Pet {
  pet(): void;
}

// Dog barks
class Dog extends Animal implements Pet {
  bark(): string {
    return this.sound();
  }

  pet(): void {
    utils.log("pet");
  }
}

const makeDog = (): Dog => new Dog();
`
	res := chunk(t, "typescript", "dog.ts", tsCode)

	dog := entityByQN(t, res, "dog.ts::Dog")
	assert.Equal(t, "class", dog.Subtype)
	assert.Equal(t, "Dog barks", dog.Docstring)
	assert.True(t, hasRef(res, dog.ID, models.RelInherits, "Animal"))
	assert.True(t, hasRef(res, dog.ID, models.RelImplements, "Pet"))

	pet := entityByQN(t, res, "dog.ts::Pet")
	assert.Equal(t, "interface", pet.Subtype)

	bark := entityByQN(t, res, "dog.ts::Dog.bark")
	assert.Equal(t, "method", bark.Subtype)
	assert.True(t, hasRef(res, bark.ID, models.RelCalls, "sound"))

	petMethod := entityByQN(t, res, "dog.ts::Dog.pet")
	assert.True(t, hasRef(res, petMethod.ID, models.RelCalls, "utils.log"))

	makeDog := entityByQN(t, res, "dog.ts::makeDog")
	assert.Equal(t, "function", makeDog.Subtype)
	assert.True(t, hasRef(res, makeDog.ID, models.RelUses, "Dog"))

	assert.Equal(t, "./animal.Animal", res.Imports["Animal"])
	assert.Equal(t, "./utils", res.Imports["utils"])
}

func TestChunkJava(t *testing.T) {
	javaCode := `import java.util.List;

/**
 * Calculator does math.
 */
public class Calculator extends Base implements Operation {
    public int add(int a, int b) {
        return helper(a) + b;
    }

    public Result compute() {
        return new Result();
    }
}
`
	res := chunk(t, "java", "Calculator.java", javaCode)

	calc := entityByQN(t, res, "Calculator.java::Calculator")
	assert.Equal(t, "class", calc.Subtype)
	assert.Equal(t, "Calculator does math.", calc.Docstring)
	assert.True(t, hasRef(res, calc.ID, models.RelInherits, "Base"))
	assert.True(t, hasRef(res, calc.ID, models.RelImplements, "Operation"))

	add := entityByQN(t, res, "Calculator.java::Calculator.add")
	assert.Equal(t, "method", add.Subtype)
	assert.True(t, hasRef(res, add.ID, models.RelCalls, "helper"))

	compute := entityByQN(t, res, "Calculator.java::Calculator.compute")
	assert.True(t, hasRef(res, compute.ID, models.RelReturnsType, "Result"))
	assert.True(t, hasRef(res, compute.ID, models.RelUses, "Result"))

	assert.Equal(t, "java.util.List", res.Imports["List"])
}

func TestChunkKotlin(t *testing.T) {
	kotlinCode := `fun add(a: Int, b: Int): Int {
    return a + b
}

class Calculator {
    fun multiply(a: Int, b: Int): Int {
        return add(a, 0) * b
    }
}
`
	res := chunk(t, "kotlin", "Calc.kt", kotlinCode)

	add := entityByQN(t, res, "Calc.kt::add")
	assert.Equal(t, "function", add.Subtype)

	calc := entityByQN(t, res, "Calc.kt::Calculator")
	assert.Equal(t, models.KindType, calc.Kind)

	mul := entityByQN(t, res, "Calc.kt::Calculator.multiply")
	assert.Equal(t, "method", mul.Subtype)
	assert.Equal(t, calc.ID, mul.ParentID)
	assert.True(t, hasRef(res, mul.ID, models.RelCalls, "add"))
}

func TestChunkDuplicateNames(t *testing.T) {
	res := chunk(t, "python", "dup.py", "def f():\n    pass\n\ndef f():\n    return 1\n")

	first := entityByQN(t, res, "dup.py::f")
	second := entityByQN(t, res, "dup.py::f#2")
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 4, second.StartLine)
}

func TestChunkDeterministicIDs(t *testing.T) {
	code := "package a\n\nfunc A() {}\n\nfunc B() { A() }\n"
	first := chunk(t, "go", "a.go", code)
	second := chunk(t, "go", "a.go", code)

	require.Len(t, second.Entities, len(first.Entities))
	for i := range first.Entities {
		assert.Equal(t, first.Entities[i].ID, second.Entities[i].ID)
		assert.Equal(t, first.Entities[i].ContentHash, second.Entities[i].ContentHash)
	}
	assert.Equal(t, models.EntityID("test", "a.go", "a.go::B"), entityByQN(t, first, "a.go::B").ID)
}

func TestChunkSizeCeiling(t *testing.T) {
	var b strings.Builder
	b.WriteString("package big\n\nfunc Big() int {\n\tx := 0\n")
	for i := 0; i < 80; i++ {
		b.WriteString("\tx += 1 // increment the counter once more\n")
	}
	b.WriteString("\treturn x\n}\n")

	c, err := NewTreeSitterChunker("go", Options{MaxChunkBytes: 512})
	require.NoError(t, err)
	res, err := c.Chunk(context.Background(), Source{Context: "test", Path: "big.go", Content: []byte(b.String())})
	require.NoError(t, err)

	big := entityByQN(t, res, "big.go::Big")
	assert.True(t, big.Truncated)
	assert.LessOrEqual(t, len(big.EmbedText), 512)

	var sections []models.CodeEntity
	for _, e := range res.Entities {
		if e.Kind == models.KindSection {
			sections = append(sections, e)
		}
	}
	require.NotEmpty(t, sections)
	assert.Equal(t, "big.go::Big$1", sections[0].QualifiedName)
	assert.Equal(t, big.StartLine, sections[0].StartLine)
	for _, s := range sections {
		assert.Equal(t, big.ID, s.ParentID)
		assert.LessOrEqual(t, len(s.EmbedText), 512)
		assert.True(t, hasEdge(res, big.ID, s.ID, models.RelContains))
	}
	assert.Equal(t, big.EndLine, sections[len(sections)-1].EndLine)
}

func TestTruncateKeepsRunes(t *testing.T) {
	s := "héllo wörld"
	for limit := 0; limit <= len(s); limit++ {
		out := truncate(s, limit)
		assert.LessOrEqual(t, len(out), limit)
		assert.True(t, strings.HasPrefix(s, out))
		assert.True(t, utf8.ValidString(out))
	}
	assert.Equal(t, "h", truncate(s, 2))
}

func TestSplitLinesFlagsThePartHoldingACutLine(t *testing.T) {
	text := "short line\n" + strings.Repeat("x", 200) + "\nend"
	parts := splitLines(text, 10, 64)
	require.Len(t, parts, 3)

	assert.Equal(t, "short line", parts[0].text)
	assert.False(t, parts[0].cut)
	assert.Equal(t, 10, parts[0].start)

	assert.Equal(t, strings.Repeat("x", 64), parts[1].text)
	assert.True(t, parts[1].cut)
	assert.Equal(t, 11, parts[1].start)
	assert.Equal(t, 11, parts[1].end)

	assert.Equal(t, "end", parts[2].text)
	assert.False(t, parts[2].cut)
	assert.Equal(t, 12, parts[2].end)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(DefaultOptions())
	assert.Equal(t, []string{"go", "java", "javascript", "kotlin", "python", "typescript"}, r.Languages())
	assert.True(t, r.Supports("main.go"))
	assert.False(t, r.Supports("README.md"))

	res, err := r.Chunk(context.Background(), Source{Context: "test", Path: "lib.py", Content: []byte("def f():\n    pass\n")})
	require.NoError(t, err)
	assert.Equal(t, "python", res.Language)

	_, err = r.Chunk(context.Background(), Source{Context: "test", Path: "main.rb", Content: []byte("puts 1")})
	var pf *models.ParseFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "main.rb", pf.Path)
	assert.True(t, errors.Is(err, ErrUnsupportedLanguage))
}
