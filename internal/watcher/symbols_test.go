package watcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectLanguage(t *testing.T) {
	cases := map[string]string{
		"main.go":      "go",
		"lib.rs":       "rust",
		"app.ts":       "typescript",
		"page.tsx":     "typescript",
		"index.js":     "javascript",
		"util.mjs":     "javascript",
		"script.py":    "python",
		"README.md":    "unknown",
		"Makefile":     "unknown",
		"weird.XYZ":    "unknown",
	}
	for path, want := range cases {
		assert.Equal(t, want, DetectLanguage(path), path)
	}
}

func TestExtractGoSymbols(t *testing.T) {
	src := `package x

import "fmt"

// Greet says hello.
func Greet(name string) string {
	if name == "" {
		return "hi"
	}
	return fmt.Sprintf("hi %s", name)
}

func (s *Server) handle() {
	Greet("x")
}

type Server struct {
	addr string
}
`
	symbols, imports := ExtractSymbols(src, "x.go", "go")
	require.Len(t, symbols, 3)

	assert.Equal(t, "Greet", symbols[0].Name)
	assert.Equal(t, "function", symbols[0].Kind)
	assert.Contains(t, symbols[0].Doc, "Greet says hello")
	assert.Greater(t, symbols[0].Complexity, 1)

	assert.Equal(t, "handle", symbols[1].Name)
	assert.Equal(t, "method", symbols[1].Kind)
	require.NotEmpty(t, symbols[1].Calls)
	assert.Equal(t, "Greet", symbols[1].Calls[0].Callee)

	assert.Equal(t, "Server", symbols[2].Name)
	assert.Equal(t, "struct", symbols[2].Kind)

	require.Len(t, imports, 1)
	assert.Equal(t, "fmt", imports[0].Path)
}

func TestExtractRustSymbols(t *testing.T) {
	src := `use std::fmt;

pub async fn fetch() {}

struct Config {
    path: String,
}

pub(crate) fn helper() {}
`
	symbols, imports := ExtractSymbols(src, "lib.rs", "rust")
	require.Len(t, symbols, 3)
	assert.Equal(t, "fetch", symbols[0].Name)
	assert.True(t, symbols[0].IsAsync)
	assert.Equal(t, "Config", symbols[1].Name)
	assert.Equal(t, "struct", symbols[1].Kind)
	assert.Equal(t, "helper", symbols[2].Name)

	require.Len(t, imports, 1)
	assert.Equal(t, "std::fmt", imports[0].Path)
}

func TestExtractPythonSymbols(t *testing.T) {
	src := `import os
from typing import List

# parses things
async def parse(data):
    if data:
        return data

class Parser:
    def run(self):
        pass
`
	symbols, imports := ExtractSymbols(src, "p.py", "python")
	require.Len(t, symbols, 3)
	assert.Equal(t, "parse", symbols[0].Name)
	assert.True(t, symbols[0].IsAsync)
	assert.Contains(t, symbols[0].Doc, "parses things")
	assert.Equal(t, "Parser", symbols[1].Name)
	assert.Equal(t, "run", symbols[2].Name)
	assert.Len(t, imports, 2)
}

func TestTestFileDetection(t *testing.T) {
	symbols, _ := ExtractSymbols("func TestFoo(t *testing.T) {}\n", "foo_test.go", "go")
	require.Len(t, symbols, 1)
	assert.True(t, symbols[0].IsTest)
}

func TestSignatureHashStable(t *testing.T) {
	a, _ := ExtractSymbols("func A() {}\n", "a.go", "go")
	b, _ := ExtractSymbols("func A() {}\n", "b.go", "go")
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].Signature, b[0].Signature)

	c, _ := ExtractSymbols("func A(x int) {}\n", "c.go", "go")
	assert.NotEqual(t, a[0].Signature, c[0].Signature)
}
