// Package geo provides geographic utility functions for the taxi index.
//
// All distance calculations use the Haversine formula on WGS-84 coordinates.
package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/shiva/taxiavail/internal/model"
)

// ─── Constants ──────────────────────────────────────────────

const (
	// EarthRadiusM is the mean radius of Earth in meters.
	EarthRadiusM = 6_371_000.0

	// MetersPerDegreeLat is the length of one degree of latitude.
	MetersPerDegreeLat = EarthRadiusM * math.Pi / 180.0
)

// ErrInvalidCoordinate is returned for a longitude outside [-180, 180] or a
// latitude outside [-90, 90].
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// ─── Validation ─────────────────────────────────────────────

// Validate checks that lon/lat form a usable WGS-84 point.
func Validate(lon, lat float64) error {
	if math.IsNaN(lon) || math.IsNaN(lat) {
		return fmt.Errorf("%w: NaN in (%v, %v)", ErrInvalidCoordinate, lon, lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v out of [-180, 180]", ErrInvalidCoordinate, lon)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of [-90, 90]", ErrInvalidCoordinate, lat)
	}
	return nil
}

// ─── Distance ───────────────────────────────────────────────

// HaversineM returns the great-circle distance between two points in meters.
//
// Complexity: O(1)
func HaversineM(a, b model.Location) float64 {
	dLat := degToRad(b.Lat - a.Lat)
	dLon := degToRad(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	h := sinLat*sinLat +
		math.Cos(degToRad(a.Lat))*math.Cos(degToRad(b.Lat))*sinLon*sinLon

	return 2 * EarthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// ─── Bounding boxes ─────────────────────────────────────────

// Box is a latitude/longitude rectangle. MinLon may exceed MaxLon when the
// box crosses the antimeridian.
type Box struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// CrossesAntimeridian reports whether the box wraps from +180 to -180.
func (b Box) CrossesAntimeridian() bool {
	return b.MinLon > b.MaxLon
}

// RadiusBox returns the smallest box containing every point within
// radiusMeters of center. ok is false when the circle covers a pole or the
// full longitude range, in which case no useful box exists.
func RadiusBox(center model.Location, radiusMeters float64) (box Box, ok bool) {
	dLat := radiusMeters / MetersPerDegreeLat
	box.MinLat = center.Lat - dLat
	box.MaxLat = center.Lat + dLat
	if box.MinLat <= -90 || box.MaxLat >= 90 {
		return Box{MinLat: math.Max(box.MinLat, -90), MaxLat: math.Min(box.MaxLat, 90), MinLon: -180, MaxLon: 180}, false
	}

	// Widest longitude span is reached at the latitude furthest from the equator.
	maxAbsLat := math.Max(math.Abs(box.MinLat), math.Abs(box.MaxLat))
	dLon := radiusMeters / (MetersPerDegreeLat * math.Cos(degToRad(maxAbsLat)))
	if dLon >= 180 {
		box.MinLon, box.MaxLon = -180, 180
		return box, false
	}

	box.MinLon = normalizeLon(center.Lon - dLon)
	box.MaxLon = normalizeLon(center.Lon + dLon)
	return box, true
}

// ─── Helpers ────────────────────────────────────────────────

func normalizeLon(lon float64) float64 {
	switch {
	case lon < -180:
		return lon + 360
	case lon > 180:
		return lon - 360
	}
	return lon
}

func degToRad(deg float64) float64 {
	return deg * (math.Pi / 180.0)
}
