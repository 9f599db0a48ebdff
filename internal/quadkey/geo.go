package quadkey

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// The platform tiling covers lon [-180,180] and lat [-90,90] with square tiles of
// 360/2^level degrees, origin at the south-west corner.

func tileSize(level uint32) float64 {
	return 360 / math.Exp2(float64(level))
}

// Bound is the geographic extent of q in degrees.
func (q QuadKey) Bound() orb.Bound {
	size := tileSize(q.Level)
	minLon := -180 + float64(q.Column)*size
	minLat := -90 + float64(q.Row)*size
	return orb.Bound{
		Min: orb.Point{minLon, minLat},
		Max: orb.Point{math.Min(minLon+size, 180), math.Min(minLat+size, 90)},
	}
}

// FromPoint returns the tile at level containing p (lon, lat in degrees).
func FromPoint(p orb.Point, level uint32) (QuadKey, error) {
	lon, lat := p.Lon(), p.Lat()
	if level > MaxLevel {
		return QuadKey{}, fmt.Errorf("%w: level %d exceeds max level %d", ErrInvalidQuadKey, level, MaxLevel)
	}
	if math.IsNaN(lon) || math.IsNaN(lat) || lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return QuadKey{}, fmt.Errorf("%w: point (%g, %g) outside the tiled extent", ErrInvalidQuadKey, lon, lat)
	}
	size := tileSize(level)
	maxCol := uint64(1)<<level - 1
	maxRow := uint64(0)
	if level > 0 {
		maxRow = uint64(1)<<(level-1) - 1
	}
	col := min(uint64((lon+180)/size), maxCol)
	row := min(uint64((lat+90)/size), maxRow)
	return QuadKey{Level: level, Row: uint32(row), Column: uint32(col)}, nil
}

func FromLatLon(lat, lon float64, level uint32) (QuadKey, error) {
	return FromPoint(orb.Point{lon, lat}, level)
}
