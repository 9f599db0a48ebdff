package quadkey

import "fmt"

// ComputeParentKey returns the ancestor levelsUp levels above q.
func ComputeParentKey(q QuadKey, levelsUp int) (QuadKey, error) {
	if err := q.Valid(); err != nil {
		return QuadKey{}, err
	}
	if levelsUp < 0 || uint64(levelsUp) > uint64(q.Level) {
		return QuadKey{}, fmt.Errorf("%w: cannot go %d levels up from level %d", ErrInvalidQuadKey, levelsUp, q.Level)
	}
	if levelsUp == 0 {
		return q, nil
	}
	n := uint32(levelsUp)
	return QuadKey{Level: q.Level - n, Row: q.Row >> n, Column: q.Column >> n}, nil
}

// AddQuadKeys resolves rel, a key relative to root, into an absolute key.
func AddQuadKeys(root, rel QuadKey) (QuadKey, error) {
	if err := root.Valid(); err != nil {
		return QuadKey{}, err
	}
	if err := rel.Valid(); err != nil {
		return QuadKey{}, err
	}
	if uint64(root.Level)+uint64(rel.Level) > MaxLevel {
		return QuadKey{}, fmt.Errorf("%w: %s below %s is deeper than max level %d", ErrInvalidQuadKey, rel, root, MaxLevel)
	}
	return QuadKey{
		Level:  root.Level + rel.Level,
		Row:    root.Row<<rel.Level | rel.Row,
		Column: root.Column<<rel.Level | rel.Column,
	}, nil
}

// MortonCodeFromQuadKey is Encode.
func MortonCodeFromQuadKey(q QuadKey) (MortonCode, error) { return Encode(q) }

// QuadKeyFromMortonCode is Decode.
func QuadKeyFromMortonCode(c MortonCode) (QuadKey, error) { return Decode(c) }

// Child returns child i of q; bit 0 of i selects the column half, bit 1 the row half,
// so the child's code is the parent's code shifted by two with i appended.
func Child(q QuadKey, i int) (QuadKey, error) {
	if i < 0 || i > 3 {
		return QuadKey{}, fmt.Errorf("%w: child index %d must be 0..3", ErrInvalidQuadKey, i)
	}
	rel := QuadKey{Level: 1, Row: uint32(i >> 1), Column: uint32(i & 1)}
	return AddQuadKeys(q, rel)
}

// Children returns the four children of q in Morton order.
func Children(q QuadKey) ([]QuadKey, error) {
	out := make([]QuadKey, 0, 4)
	for i := range 4 {
		c, err := Child(q, i)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// IsAncestorOf reports whether o lies in the sub-tree rooted at q (q included).
func (q QuadKey) IsAncestorOf(o QuadKey) bool {
	if q.Level > o.Level {
		return false
	}
	p, err := ComputeParentKey(o, int(o.Level-q.Level))
	return err == nil && p == q
}
