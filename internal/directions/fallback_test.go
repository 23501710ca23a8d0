package directions

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttle-eta/internal/geo"
	"shuttle-eta/internal/route"
)

func TestFallbackEstimateWalksTheLoop(t *testing.T) {
	loop := route.DefaultLoop()
	f := NewFallbackEstimator(loop, 18)

	// Bus just past station2, heading for station5: the synthetic path
	// visits every intermediate stop in loop order.
	origin := geo.Point{Lat: 37.270900, Lng: 127.125700}
	goal, ok := loop.StopByID("station5")
	require.True(t, ok)

	est, produced := f.Estimate(origin, goal)
	require.True(t, produced)

	assert.Equal(t, SourceFallback, est.Source)
	assert.Equal(t, origin, est.Path[0])
	assert.Equal(t, goal.Point, est.Path[len(est.Path)-1])
	assert.Greater(t, est.DistanceM, 0)
	assert.GreaterOrEqual(t, est.Duration, 5*time.Second)

	// Duration follows from the distance at the configured average speed.
	wantDur := time.Duration(float64(est.DistanceM) / 1000 / 18 * float64(time.Hour))
	assert.InDelta(t, float64(wantDur), float64(est.Duration), float64(2*time.Second))
}

func TestFallbackRoundTripDistance(t *testing.T) {
	loop := route.DefaultLoop()
	f := NewFallbackEstimator(loop, 18)

	origin := geo.Point{Lat: 37.274514, Lng: 127.116160}
	goal, _ := loop.StopByID("station4")
	est, produced := f.Estimate(origin, goal)
	require.True(t, produced)

	// Re-summing the emitted path reproduces the reported distance.
	sumKm := 0.0
	for i := 1; i < len(est.Path); i++ {
		sumKm += geo.HaversineKm(est.Path[i-1], est.Path[i])
	}
	assert.InDelta(t, float64(est.DistanceM), sumKm*1000, 1.0)
}

func TestFallbackStartsAtNextStopForward(t *testing.T) {
	loop := route.DefaultLoop()
	f := NewFallbackEstimator(loop, 18)

	// A bus a short way past Shalom Hall: its nearest stop lies behind it,
	// but the synthetic route keeps moving forward to Education Bldg.
	s3, _ := loop.StopByID("station3")
	s4, _ := loop.StopByID("station4")
	origin := geo.Point{
		Lat: s3.Point.Lat + 0.1*(s4.Point.Lat-s3.Point.Lat),
		Lng: s3.Point.Lng + 0.1*(s4.Point.Lng-s3.Point.Lng),
	}
	goal, _ := loop.StopByID("station5")

	est, produced := f.Estimate(origin, goal)
	require.True(t, produced)
	require.Len(t, est.Path, 3)
	assert.Equal(t, origin, est.Path[0])
	assert.Equal(t, s4.Point, est.Path[1])
	assert.NotContains(t, est.Path, s3.Point)
}

func TestFallbackMinimumDurationFloor(t *testing.T) {
	loop := route.DefaultLoop()
	f := NewFallbackEstimator(loop, 18)

	goal, _ := loop.StopByID("station3")
	// Origin already at the goal: distance is ~0 but duration never is.
	est, produced := f.Estimate(goal.Point, goal)
	require.True(t, produced)
	assert.Equal(t, 5*time.Second, est.Duration)
}

func TestFallbackRejectsInvalidOrigin(t *testing.T) {
	loop := route.DefaultLoop()
	f := NewFallbackEstimator(loop, 18)

	goal, _ := loop.StopByID("station3")
	_, produced := f.Estimate(geo.Point{Lat: math.NaN(), Lng: 127}, goal)
	assert.False(t, produced)
}
