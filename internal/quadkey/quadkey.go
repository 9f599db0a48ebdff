// Package quadkey addresses tiles of the platform's quadtree partitioning and converts
// between tile addresses and their Morton codes.
package quadkey

import (
	"errors"
	"fmt"
)

// MaxLevel is the deepest level whose Morton code fits in 64 bits.
const MaxLevel = 31

var (
	ErrInvalidQuadKey    = errors.New("invalid quad key")
	ErrInvalidMortonCode = errors.New("invalid morton code")
)

// QuadKey is one tile of the quadtree. Level 0 is the whole extent.
type QuadKey struct {
	Level  uint32
	Row    uint32
	Column uint32
}

// Root is the level 0 tile.
var Root = QuadKey{}

// New returns the tile at (level, row, column), or ErrInvalidQuadKey when it is out of range.
func New(level, row, column uint32) (QuadKey, error) {
	q := QuadKey{Level: level, Row: row, Column: column}
	if err := q.Valid(); err != nil {
		return QuadKey{}, err
	}
	return q, nil
}

// Valid reports why q is not a tile address, or nil.
func (q QuadKey) Valid() error {
	if q.Level > MaxLevel {
		return fmt.Errorf("%w: level %d exceeds max level %d", ErrInvalidQuadKey, q.Level, MaxLevel)
	}
	limit := uint64(1) << q.Level
	if uint64(q.Row) >= limit || uint64(q.Column) >= limit {
		return fmt.Errorf("%w: row %d / column %d out of range for level %d",
			ErrInvalidQuadKey, q.Row, q.Column, q.Level)
	}
	return nil
}

// IsValid reports whether q is within MaxLevel and its row and column fit the level.
func IsValid(q QuadKey) bool { return q.Valid() == nil }

func (q QuadKey) String() string {
	return fmt.Sprintf("%d/%d/%d", q.Level, q.Row, q.Column)
}
