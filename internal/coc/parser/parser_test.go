package parser

import (
	"testing"

	"github.com/harunnryd/heike/internal/coc/graph"
	heikeErrors "github.com/harunnryd/heike/internal/errors"

	"github.com/stretchr/testify/require"
)

type fakeGoStrategy struct{}

func (fakeGoStrategy) Language() string { return "go" }

func (fakeGoStrategy) Parse(path string, content []byte) (ParsedFile, error) {
	return ParsedFile{
		Symbols: []ParsedSymbol{{
			Name:     "Foo",
			Kind:     graph.KindFunction,
			Location: Location{Path: path, StartLine: 1, EndLine: 3},
		}},
		Imports: []string{"fmt"},
	}, nil
}

type brokenStrategy struct{}

func (brokenStrategy) Language() string { return "broken" }

func (brokenStrategy) Parse(path string, content []byte) (ParsedFile, error) {
	return ParsedFile{Symbols: []ParsedSymbol{{Name: "bad", Location: Location{}}}}, nil
}

func TestRegistry_Dispatch(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeGoStrategy{})

	pf, err := r.Parse("go", "main.go", []byte("package main"))
	require.NoError(t, err)
	require.Len(t, pf.Symbols, 1)
	require.Equal(t, "Foo", pf.Symbols[0].Name)
}

func TestRegistry_UnsupportedLanguage(t *testing.T) {
	r := NewRegistry()
	_, err := r.Parse("cobol", "a.cbl", nil)
	require.ErrorIs(t, err, heikeErrors.ErrUnsupported)
}

func TestRegistry_RejectsMalformedLocations(t *testing.T) {
	r := NewRegistry()
	r.Register(brokenStrategy{})

	_, err := r.Parse("broken", "a.x", nil)
	require.Error(t, err)
}
