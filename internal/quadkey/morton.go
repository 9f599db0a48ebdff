package quadkey

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// MortonCode is the platform's integer tile id: a marker bit at position 2*level followed
// by the interleaved row/column bits, column on even positions and row on odd ones.
type MortonCode uint64

var (
	masks = [...]uint64{
		0b0101010101010101010101010101010101010101010101010101010101010101,
		0b0011001100110011001100110011001100110011001100110011001100110011,
		0b0000111100001111000011110000111100001111000011110000111100001111,
		0b0000000011111111000000001111111100000000111111110000000011111111,
		0b0000000000000000111111111111111100000000000000001111111111111111,
		0b0000000000000000000000000000000011111111111111111111111111111111,
	}
	powersOfTwo = [...]uint{0, 1, 2, 4, 8, 16}
)

// spreads the low 32 bits of v onto the even bit positions
func interleave(v uint64) uint64 {
	for i := 4; i >= 0; i-- {
		v = (v | (v << powersOfTwo[i+1])) & masks[i]
	}
	return v
}

// gathers the even bit positions of v into the low 32 bits
func deinterleave(v uint64) uint64 {
	for i := 0; i <= 5; i++ {
		v = (v | (v >> powersOfTwo[i])) & masks[i]
	}
	return v
}

// Encode returns the Morton code of q.
func Encode(q QuadKey) (MortonCode, error) {
	if err := q.Valid(); err != nil {
		return 0, err
	}
	z := interleave(uint64(q.Column)) | interleave(uint64(q.Row))<<1
	return MortonCode(uint64(1)<<(2*q.Level) | z), nil
}

// Decode returns the tile addressed by c.
func Decode(c MortonCode) (QuadKey, error) {
	if c < 1 {
		return QuadKey{}, fmt.Errorf("%w: %d has no level", ErrInvalidMortonCode, uint64(c))
	}
	marker := bits.Len64(uint64(c)) - 1
	if marker%2 != 0 {
		return QuadKey{}, fmt.Errorf("%w: %d has its level bit at odd position %d",
			ErrInvalidMortonCode, uint64(c), marker)
	}
	level := uint32(marker / 2)
	if level > MaxLevel {
		return QuadKey{}, fmt.Errorf("%w: %d is deeper than max level %d", ErrInvalidMortonCode, uint64(c), MaxLevel)
	}
	z := uint64(c) &^ (uint64(1) << marker)
	return QuadKey{
		Level:  level,
		Row:    uint32(deinterleave(z >> 1)),
		Column: uint32(deinterleave(z)),
	}, nil
}

// Level of the tile c addresses, without decoding its coordinates.
func (c MortonCode) Level() (uint32, error) {
	q, err := Decode(c)
	if err != nil {
		return 0, err
	}
	return q.Level, nil
}

func (c MortonCode) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// ParseMortonCode reads the decimal form used on the wire and checks it decodes.
func ParseMortonCode(s string) (MortonCode, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidMortonCode, s, err)
	}
	c := MortonCode(n)
	if _, err := Decode(c); err != nil {
		return 0, err
	}
	return c, nil
}

// FromString parses a decimal Morton code into its tile.
func FromString(s string) (QuadKey, error) {
	c, err := ParseMortonCode(s)
	if err != nil {
		return QuadKey{}, err
	}
	return Decode(c)
}
