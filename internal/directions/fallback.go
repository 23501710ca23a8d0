package directions

import (
	"math"
	"time"

	"shuttle-eta/internal/geo"
	"shuttle-eta/internal/route"
)

// FallbackEstimator produces a deterministic along-the-loop estimate when
// the remote oracle is unusable, so a transient outage never surfaces a
// hard failure to the rider.
type FallbackEstimator struct {
	loop        *route.Loop
	avgSpeedKmh float64
	minDuration time.Duration
}

// NewFallbackEstimator builds an estimator around the given loop. avgSpeedKmh
// defaults to 18 when non-positive.
func NewFallbackEstimator(loop *route.Loop, avgSpeedKmh float64) *FallbackEstimator {
	if avgSpeedKmh <= 0 {
		avgSpeedKmh = 18
	}
	return &FallbackEstimator{loop: loop, avgSpeedKmh: avgSpeedKmh, minDuration: 5 * time.Second}
}

// Estimate walks origin -> next stop ahead along the loop -> every
// subsequent stop -> goal, sums segment distances, and converts to duration
// at the configured average speed. Duration is floored at 5 seconds. The
// first stop comes from projecting the origin onto the route, never from
// plain proximity: a bus just past a stop must not double back to it.
func (f *FallbackEstimator) Estimate(origin geo.Point, goal route.Stop) (Estimate, bool) {
	o, err := origin.Normalize()
	if err != nil {
		return Estimate{}, false
	}
	goalIdx := f.loop.IndexOf(goal.ID)
	if goalIdx < 0 {
		return Estimate{}, false
	}

	startIdx := f.loop.ProgressAlongRoute(o).SegIdx + 1
	path := []geo.Point{o}
	idx := startIdx
	for idx != goalIdx {
		path = append(path, f.loop.Stop(idx).Point)
		idx = (idx + 1) % f.loop.Len()
	}
	path = append(path, goal.Point)

	totalKm := 0.0
	for i := 1; i < len(path); i++ {
		d := geo.HaversineKm(path[i-1], path[i])
		if math.IsInf(d, 1) {
			return Estimate{}, false
		}
		totalKm += d
	}

	dur := time.Duration(totalKm / f.avgSpeedKmh * float64(time.Hour))
	if dur < f.minDuration {
		dur = f.minDuration
	}
	return Estimate{
		Duration:  dur,
		DistanceM: int(math.Round(totalKm * 1000)),
		Path:      path,
		Source:    SourceFallback,
	}, true
}
