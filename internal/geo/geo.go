package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

const earthRadiusKm = 6371.0

// ErrInvalidCoordinate is returned when a coordinate cannot be normalized
// into finite lat/lng values within range.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a WGS84 coordinate. Upstream feeds use either {lat,lng} or
// {latitude,longitude}; UnmarshalJSON accepts both.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var raw struct {
		Lat       *float64 `json:"lat"`
		Lng       *float64 `json:"lng"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	lat := raw.Lat
	if lat == nil {
		lat = raw.Latitude
	}
	lng := raw.Lng
	if lng == nil {
		lng = raw.Longitude
	}
	if lat == nil || lng == nil {
		return fmt.Errorf("%w: missing lat/lng fields", ErrInvalidCoordinate)
	}
	p.Lat = *lat
	p.Lng = *lng
	return nil
}

// Normalize validates the point and returns it unchanged on success. It
// never silently defaults to (0,0).
func (p Point) Normalize() (Point, error) {
	if !isFinite(p.Lat) || !isFinite(p.Lng) {
		return Point{}, fmt.Errorf("%w: non-finite lat=%v lng=%v", ErrInvalidCoordinate, p.Lat, p.Lng)
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return Point{}, fmt.Errorf("%w: out of range lat=%v lng=%v", ErrInvalidCoordinate, p.Lat, p.Lng)
	}
	return p, nil
}

// Valid reports whether Normalize would succeed.
func (p Point) Valid() bool {
	_, err := p.Normalize()
	return err == nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// HaversineKm returns the great-circle distance between a and b in
// kilometers. Invalid input yields +Inf so callers can treat the pair as
// unreachable instead of failing.
func HaversineKm(a, b Point) float64 {
	if !a.Valid() || !b.Valid() {
		return math.Inf(1)
	}
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	la1 := a.Lat * math.Pi / 180
	la2 := b.Lat * math.Pi / 180
	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(la1)*math.Cos(la2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
}

// DistanceMeters returns the rounded great-circle distance in meters.
// Invalid input maps to MaxInt32, the integer analogue of unreachable.
func DistanceMeters(a, b Point) int {
	km := HaversineKm(a, b)
	if math.IsInf(km, 1) {
		return math.MaxInt32
	}
	return int(math.Round(km * 1000))
}

// ForwardSteps counts stop-to-stop hops going strictly in travel direction
// from one loop index to another. Result is always in [0, n).
func ForwardSteps(from, to, n int) int {
	if n <= 0 {
		return 0
	}
	return ((to-from)%n + n) % n
}

// Projection is the result of projecting a point onto a segment.
type Projection struct {
	T      float64 // clamped position along the segment, 0..1
	Point  Point   // projected point
	DistKm float64 // perpendicular distance from the input point
}

// ProjectToSegment projects p onto segment a-b using a planar approximation
// of lat/lng. Inter-stop segments are sub-kilometer, so the approximation
// error is negligible.
func ProjectToSegment(a, b, p Point) Projection {
	abx := b.Lng - a.Lng
	aby := b.Lat - a.Lat
	apx := p.Lng - a.Lng
	apy := p.Lat - a.Lat

	ab2 := abx*abx + aby*aby
	if ab2 == 0 {
		ab2 = 1e-12
	}
	t := (apx*abx + apy*aby) / ab2
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	q := Point{Lat: a.Lat + t*aby, Lng: a.Lng + t*abx}
	return Projection{T: t, Point: q, DistKm: HaversineKm(p, q)}
}
