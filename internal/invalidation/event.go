// Package invalidation describes layer change events and the index roots they make stale.
package invalidation

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mohammed-shakir/olp-quadindex/internal/quadkey"
)

const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
	OpPurge  = "purge"
)

var ErrInvalidEvent = errors.New("invalid invalidation event")

// Event announces that a catalog version changed the tiles listed in QuadKeys, given as
// decimal Morton codes. No QuadKeys means the whole layer changed.
type Event struct {
	Version  uint64    `json:"version"`
	Op       string    `json:"op"`
	Catalog  string    `json:"catalog,omitempty"`
	Layer    string    `json:"layer"`
	QuadKeys []string  `json:"quadkeys,omitempty"`
	TS       time.Time `json:"ts"`
}

func (e Event) Validate() error {
	if e.Version == 0 {
		return fmt.Errorf("%w: version is required", ErrInvalidEvent)
	}
	switch e.Op {
	case OpInsert, OpUpdate, OpDelete, OpPurge:
	default:
		return fmt.Errorf("%w: op must be insert|update|delete|purge", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.Layer) == "" {
		return fmt.Errorf("%w: layer is required", ErrInvalidEvent)
	}
	if e.TS.IsZero() {
		return fmt.Errorf("%w: ts is required", ErrInvalidEvent)
	}
	if _, err := e.Tiles(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return nil
}

// WholeLayer reports whether the event invalidates every tile of the layer.
func (e Event) WholeLayer() bool {
	return e.Op == OpPurge || len(e.QuadKeys) == 0
}

func (e Event) Tiles() ([]quadkey.QuadKey, error) {
	out := make([]quadkey.QuadKey, 0, len(e.QuadKeys))
	for i, s := range e.QuadKeys {
		q, err := quadkey.FromString(s)
		if err != nil {
			return nil, fmt.Errorf("quadkeys[%d]: %w", i, err)
		}
		out = append(out, q)
	}
	return out, nil
}

// AffectedRoots lists, in ascending Morton order, every index root whose sub-tree of the
// given depth contains one of the changed tiles: each tile's ancestors from depth levels
// up (or level 0) down to the tile itself.
func (e Event) AffectedRoots(depth int) ([]quadkey.QuadKey, error) {
	if depth < 1 {
		return nil, fmt.Errorf("%w: depth %d must be positive", ErrInvalidEvent, depth)
	}
	tiles, err := e.Tiles()
	if err != nil {
		return nil, err
	}
	seen := make(map[quadkey.MortonCode]quadkey.QuadKey)
	for _, t := range tiles {
		for up := 0; up <= min(depth, int(t.Level)); up++ {
			a, err := quadkey.ComputeParentKey(t, up)
			if err != nil {
				return nil, err
			}
			c, err := quadkey.Encode(a)
			if err != nil {
				return nil, err
			}
			seen[c] = a
		}
	}
	codes := make([]quadkey.MortonCode, 0, len(seen))
	for c := range seen {
		codes = append(codes, c)
	}
	slices.Sort(codes)
	out := make([]quadkey.QuadKey, 0, len(codes))
	for _, c := range codes {
		out = append(out, seen[c])
	}
	return out, nil
}
