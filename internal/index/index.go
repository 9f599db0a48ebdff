// Package index holds the records returned by one quadtree index fetch and the immutable
// Morton-code keyed map built from them.
package index

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/mohammed-shakir/olp-quadindex/internal/quadkey"
)

// ErrMalformedIndex marks a fetch result holding a record that does not decode.
var ErrMalformedIndex = errors.New("malformed index record")

// SubQuad is a tile inside the fetched sub-tree; SubQuadKey is the Morton code of the
// tile relative to the fetch root.
type SubQuad struct {
	SubQuadKey string `json:"subQuadKey"`
	Version    int64  `json:"version,omitempty"`
	DataHandle string `json:"dataHandle"`
	DataSize   int64  `json:"dataSize,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
}

// ParentQuad is a tile above the fetch root; Partition is its absolute Morton code.
type ParentQuad struct {
	Partition  string `json:"partition"`
	Version    int64  `json:"version,omitempty"`
	DataHandle string `json:"dataHandle"`
	DataSize   int64  `json:"dataSize,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
}

// FetchResult is one index response. Both lists may be empty.
type FetchResult struct {
	SubQuads    []SubQuad    `json:"subQuads,omitempty"`
	ParentQuads []ParentQuad `json:"parentQuads,omitempty"`
}

func (r FetchResult) Empty() bool {
	return len(r.SubQuads) == 0 && len(r.ParentQuads) == 0
}

// IndexMap maps absolute Morton codes to data handles. It is never mutated after Build.
type IndexMap struct {
	root    quadkey.QuadKey
	handles map[quadkey.MortonCode]string
}

// Build merges the sub-quads (resolved against root) and the parent-quads of r into one
// map, sub-quads first and parent-quads second; a later record for the same code
// replaces an earlier one. A record whose key does not decode fails the whole build.
func Build(root quadkey.QuadKey, r FetchResult) (IndexMap, error) {
	if err := root.Valid(); err != nil {
		return IndexMap{}, err
	}
	m := make(map[quadkey.MortonCode]string, len(r.SubQuads)+len(r.ParentQuads))

	for i, sub := range r.SubQuads {
		rel, err := quadkey.FromString(sub.SubQuadKey)
		if err != nil {
			return IndexMap{}, fmt.Errorf("%w: sub-quad %d: %w", ErrMalformedIndex, i, err)
		}
		abs, err := quadkey.AddQuadKeys(root, rel)
		if err != nil {
			return IndexMap{}, fmt.Errorf("%w: sub-quad %d (%s under %s): %w", ErrMalformedIndex, i, sub.SubQuadKey, root, err)
		}
		code, err := quadkey.MortonCodeFromQuadKey(abs)
		if err != nil {
			return IndexMap{}, fmt.Errorf("%w: sub-quad %d: %w", ErrMalformedIndex, i, err)
		}
		m[code] = sub.DataHandle
	}

	for i, parent := range r.ParentQuads {
		code, err := quadkey.ParseMortonCode(parent.Partition)
		if err != nil {
			return IndexMap{}, fmt.Errorf("%w: parent-quad %d: %w", ErrMalformedIndex, i, err)
		}
		m[code] = parent.DataHandle
	}

	return IndexMap{root: root, handles: m}, nil
}

// Root is the key the index was fetched for.
func (m IndexMap) Root() quadkey.QuadKey { return m.root }

func (m IndexMap) Len() int { return len(m.handles) }

// Get returns the handle stored for code.
func (m IndexMap) Get(code quadkey.MortonCode) (string, bool) {
	h, ok := m.handles[code]
	return h, ok
}

// Lookup returns the handle stored for q.
func (m IndexMap) Lookup(q quadkey.QuadKey) (string, bool) {
	code, err := quadkey.MortonCodeFromQuadKey(q)
	if err != nil {
		return "", false
	}
	return m.Get(code)
}

// Entry is one code/handle pair of an IndexMap.
type Entry struct {
	Code       quadkey.MortonCode `json:"quadKey,string"`
	DataHandle string             `json:"dataHandle"`
}

// Entries lists the map in ascending code order.
func (m IndexMap) Entries() []Entry {
	codes := slices.Sorted(maps.Keys(m.handles))
	out := make([]Entry, 0, len(codes))
	for _, c := range codes {
		out = append(out, Entry{Code: c, DataHandle: m.handles[c]})
	}
	return out
}
