package geo

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversineKm(t *testing.T) {
	// Giheung Station to the engineering building, roughly 1.6-1.7 km.
	a := Point{Lat: 37.274514, Lng: 127.116160}
	b := Point{Lat: 37.276645, Lng: 127.134479}
	d := HaversineKm(a, b)
	assert.InDelta(t, 1.64, d, 0.1)

	assert.Zero(t, HaversineKm(a, a))
}

func TestHaversineInvalidIsUnreachable(t *testing.T) {
	valid := Point{Lat: 37.27, Lng: 127.12}
	for _, bad := range []Point{
		{Lat: math.NaN(), Lng: 127},
		{Lat: 37, Lng: math.Inf(1)},
		{Lat: 91, Lng: 0},
		{Lat: 0, Lng: -181},
	} {
		assert.True(t, math.IsInf(HaversineKm(valid, bad), 1), "expected +Inf for %+v", bad)
	}
}

func TestDistanceMetersRounds(t *testing.T) {
	a := Point{Lat: 0, Lng: 0}
	b := Point{Lat: 0, Lng: 0.001} // ~111.19 m at the equator
	assert.Equal(t, 111, DistanceMeters(a, b))
}

func TestForwardSteps(t *testing.T) {
	for _, n := range []int{2, 3, 7, 12} {
		for i := 0; i < n; i++ {
			assert.Equal(t, 0, ForwardSteps(i, i, n))
			assert.Equal(t, 1, ForwardSteps(i, (i+1)%n, n))
		}
	}
	// Wraparound: from the last stop back to the first is one hop.
	assert.Equal(t, 1, ForwardSteps(6, 0, 7))
	assert.Equal(t, 6, ForwardSteps(1, 0, 7))
}

func TestNormalize(t *testing.T) {
	_, err := Point{Lat: math.NaN(), Lng: 10}.Normalize()
	require.ErrorIs(t, err, ErrInvalidCoordinate)

	p, err := Point{Lat: 37.27, Lng: 127.12}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, 37.27, p.Lat)
}

func TestPointUnmarshalAcceptsBothNamings(t *testing.T) {
	var short, long Point
	require.NoError(t, json.Unmarshal([]byte(`{"lat":37.1,"lng":127.2}`), &short))
	require.NoError(t, json.Unmarshal([]byte(`{"latitude":37.1,"longitude":127.2}`), &long))
	assert.Equal(t, short, long)

	var missing Point
	err := json.Unmarshal([]byte(`{"latitude":37.1}`), &missing)
	require.ErrorIs(t, err, ErrInvalidCoordinate)
}

func TestProjectToSegment(t *testing.T) {
	a := Point{Lat: 0, Lng: 0}
	b := Point{Lat: 0, Lng: 0.01}

	mid := ProjectToSegment(a, b, Point{Lat: 0.001, Lng: 0.005})
	assert.InDelta(t, 0.5, mid.T, 1e-9)
	assert.InDelta(t, 0.005, mid.Point.Lng, 1e-9)

	before := ProjectToSegment(a, b, Point{Lat: 0, Lng: -0.5})
	assert.Zero(t, before.T)
	past := ProjectToSegment(a, b, Point{Lat: 0, Lng: 0.5})
	assert.Equal(t, 1.0, past.T)

	// Degenerate zero-length segment must not divide by zero.
	deg := ProjectToSegment(a, a, Point{Lat: 0.001, Lng: 0})
	assert.False(t, math.IsNaN(deg.T))
}
