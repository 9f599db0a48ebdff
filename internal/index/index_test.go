package index

import (
	"errors"
	"testing"

	"github.com/mohammed-shakir/olp-quadindex/internal/quadkey"
)

func mustCode(t *testing.T, q quadkey.QuadKey) quadkey.MortonCode {
	t.Helper()
	c, err := quadkey.MortonCodeFromQuadKey(q)
	if err != nil {
		t.Fatalf("encode %s: %v", q, err)
	}
	return c
}

func TestBuild_MergesSubAndParentQuads(t *testing.T) {
	root := quadkey.QuadKey{Level: 4}
	res := FetchResult{
		SubQuads: []SubQuad{
			{SubQuadKey: "1", DataHandle: "HR"},
			{SubQuadKey: "6", DataHandle: "H1"},
		},
		ParentQuads: []ParentQuad{
			{Partition: "16", DataHandle: "H0"},
		},
	}

	m, err := Build(root, res)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if m.Len() != 3 {
		t.Fatalf("len=%d want 3", m.Len())
	}
	if m.Root() != root {
		t.Fatalf("root=%s want %s", m.Root(), root)
	}

	// relative "1" is the root itself
	if h, ok := m.Lookup(root); !ok || h != "HR" {
		t.Fatalf("root lookup = %q,%v", h, ok)
	}
	if h, ok := m.Lookup(quadkey.QuadKey{Level: 5, Row: 1, Column: 0}); !ok || h != "H1" {
		t.Fatalf("sub-quad lookup = %q,%v", h, ok)
	}
	if h, ok := m.Get(16); !ok || h != "H0" {
		t.Fatalf("parent-quad lookup = %q,%v", h, ok)
	}
	if _, ok := m.Lookup(quadkey.QuadKey{Level: 5, Row: 1, Column: 1}); ok {
		t.Fatalf("unexpected hit for absent tile")
	}
}

func TestBuild_LastWriteWins(t *testing.T) {
	root := quadkey.QuadKey{Level: 2, Row: 0, Column: 0}
	res := FetchResult{
		SubQuads: []SubQuad{
			{SubQuadKey: "1", DataHandle: "first"},
			{SubQuadKey: "1", DataHandle: "second"},
		},
		// the parent-quad names the root itself and is merged after the sub-quads
		ParentQuads: []ParentQuad{
			{Partition: "16", DataHandle: "parent"},
		},
	}
	m, err := Build(root, res)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if h, _ := m.Get(mustCode(t, root)); h != "parent" {
		t.Fatalf("handle=%q want parent", h)
	}
	if m.Len() != 1 {
		t.Fatalf("len=%d want 1", m.Len())
	}
}

func TestBuild_EmptyResult(t *testing.T) {
	m, err := Build(quadkey.QuadKey{Level: 3, Row: 1, Column: 2}, FetchResult{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if m.Len() != 0 || len(m.Entries()) != 0 {
		t.Fatalf("expected empty map")
	}
	if !(FetchResult{}).Empty() {
		t.Fatalf("zero result must be empty")
	}
}

func TestBuild_MalformedRecordFails(t *testing.T) {
	root := quadkey.QuadKey{Level: 1}
	cases := []FetchResult{
		{SubQuads: []SubQuad{{SubQuadKey: "x", DataHandle: "h"}}},
		{SubQuads: []SubQuad{{SubQuadKey: "0", DataHandle: "h"}}},
		{ParentQuads: []ParentQuad{{Partition: "3", DataHandle: "h"}}},
	}
	for i, c := range cases {
		_, err := Build(root, c)
		if !errors.Is(err, quadkey.ErrInvalidMortonCode) {
			t.Fatalf("case %d: err=%v want ErrInvalidMortonCode", i, err)
		}
		if !errors.Is(err, ErrMalformedIndex) {
			t.Fatalf("case %d: err=%v want ErrMalformedIndex", i, err)
		}
	}
	if _, err := Build(quadkey.QuadKey{Level: 1, Row: 2}, FetchResult{}); !errors.Is(err, quadkey.ErrInvalidQuadKey) {
		t.Fatalf("invalid root: err=%v", err)
	}
}

func TestEntries_Sorted(t *testing.T) {
	m, err := Build(quadkey.QuadKey{Level: 1, Row: 1, Column: 1}, FetchResult{
		SubQuads: []SubQuad{
			{SubQuadKey: "7", DataHandle: "c"},
			{SubQuadKey: "4", DataHandle: "a"},
			{SubQuadKey: "5", DataHandle: "b"},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	es := m.Entries()
	if len(es) != 3 {
		t.Fatalf("entries=%d", len(es))
	}
	for i := 1; i < len(es); i++ {
		if es[i-1].Code >= es[i].Code {
			t.Fatalf("entries not ascending: %+v", es)
		}
	}
	if es[0].DataHandle != "a" || es[2].DataHandle != "c" {
		t.Fatalf("unexpected order: %+v", es)
	}
}
