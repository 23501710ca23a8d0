package route

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttle-eta/internal/geo"
)

// kmPerDegree is the great-circle length of one degree of longitude at the
// equator for the haversine's earth radius.
const kmPerDegree = 2 * 3.14159265358979323846 * 6371.0 / 360.0

// equatorLoop builds n stops along the equator spaced stepM meters apart.
func equatorLoop(t *testing.T, n int, stepM float64) *Loop {
	t.Helper()
	stops := make([]Stop, n)
	for i := range stops {
		stops[i] = Stop{
			ID:      fmt.Sprintf("s%d", i),
			Title:   fmt.Sprintf("Stop %d", i),
			Point:   equatorPoint(float64(i) * stepM),
			Visible: true,
		}
	}
	loop, err := NewLoop(stops, nil)
	require.NoError(t, err)
	return loop
}

// equatorPoint returns the point m meters east of (0,0) along the equator.
func equatorPoint(m float64) geo.Point {
	return geo.Point{Lat: 0, Lng: m / 1000 / kmPerDegree}
}

func TestPassedStopIndexBoundaries(t *testing.T) {
	loop := equatorLoop(t, 7, 1000)

	tests := []struct {
		name   string
		atM    float64
		expect int
	}{
		{"at stop 0", 0, 0},
		{"mid first segment", 500, 0},
		{"exactly at stop 3", 3000, 3},
		{"61m before stop 3", 3000 - 61, 2},
		{"59m before stop 3", 3000 - 59, 3},
		{"just past stop 3", 3010, 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker(loop, TrackerConfig{})
			got := tr.passedStopIndex(tr.ProgressAlongRoute(equatorPoint(tc.atM)).TotalKm)
			assert.Equal(t, tc.expect, got)
		})
	}
}

func TestProgressAlongRoute(t *testing.T) {
	loop := equatorLoop(t, 7, 1000)
	tr := NewTracker(loop, TrackerConfig{})

	p := tr.ProgressAlongRoute(equatorPoint(2500))
	assert.Equal(t, 2, p.SegIdx)
	assert.InDelta(t, 0.5, p.T, 1e-6)
	assert.InDelta(t, 2.5, p.TotalKm, 1e-6)
	assert.InDelta(t, 0, p.OffRouteKm, 1e-9)
}

func TestTrackerMonotonicGuard(t *testing.T) {
	loop := equatorLoop(t, 7, 1000)
	tr := NewTracker(loop, TrackerConfig{})
	now := time.Now()

	assert.Equal(t, 3, tr.Update(equatorPoint(3100), now))
	// A noisy sample jumping backward must not regress the index.
	assert.Equal(t, 3, tr.Update(equatorPoint(2100), now.Add(5*time.Second)))
	// Forward progress still advances.
	assert.Equal(t, 4, tr.Update(equatorPoint(4100), now.Add(10*time.Second)))
}

func TestTrackerLoopReset(t *testing.T) {
	loop := equatorLoop(t, 7, 1000)
	tr := NewTracker(loop, TrackerConfig{})
	now := time.Now()

	// Drive to the end of the loop.
	require.Equal(t, 5, tr.Update(equatorPoint(5100), now))

	// Back near the first stop, far from the last: a new lap begins.
	got := tr.Update(equatorPoint(10), now.Add(time.Minute))
	assert.Equal(t, 0, got)
}

func TestTrackerNoResetMidLoop(t *testing.T) {
	loop := equatorLoop(t, 7, 1000)
	tr := NewTracker(loop, TrackerConfig{})
	now := time.Now()

	// lastPassed below n-2 never triggers the wrap heuristic, even when the
	// sample sits near the first stop.
	require.Equal(t, 2, tr.Update(equatorPoint(2100), now))
	got := tr.Update(equatorPoint(10), now.Add(time.Second))
	assert.Equal(t, 2, got)
}

func TestTrackerSetInitializesAtNearestStop(t *testing.T) {
	loop := equatorLoop(t, 7, 1000)
	set := NewTrackerSet(loop, TrackerConfig{})
	now := time.Now()

	// First observation mid-loop starts from the nearest stop, not zero.
	assert.Equal(t, 4, set.Advance("bus-1", equatorPoint(4020), now))
	// Distinct buses keep distinct state.
	assert.Equal(t, 1, set.Advance("bus-2", equatorPoint(1020), now))
}

func TestTrackerSetDropsStaleState(t *testing.T) {
	loop := equatorLoop(t, 7, 1000)
	set := NewTrackerSet(loop, TrackerConfig{StaleAfter: time.Minute})
	now := time.Now()

	require.Equal(t, 4, set.Advance("bus-1", equatorPoint(4020), now))
	// After going dark past the staleness window the bus re-initializes,
	// so an earlier position is accepted again.
	got := set.Advance("bus-1", equatorPoint(1020), now.Add(2*time.Minute))
	assert.Equal(t, 1, got)
}

func TestLoopValidation(t *testing.T) {
	_, err := NewLoop([]Stop{{ID: "only", Point: geo.Point{}}}, nil)
	require.Error(t, err)

	stops := []Stop{
		{ID: "a", Point: equatorPoint(0)},
		{ID: "a", Point: equatorPoint(1000)},
	}
	_, err = NewLoop(stops, nil)
	require.Error(t, err, "duplicate ids must be rejected")
}

func TestLoopCumulativeMonotonic(t *testing.T) {
	loop := DefaultLoop()
	prev := 0.0
	for i := 0; i < loop.Len(); i++ {
		assert.GreaterOrEqual(t, loop.CumulativeKm(i), prev)
		prev = loop.CumulativeKm(i)
	}
}

func TestRequiredWaypointsDedupedInOrder(t *testing.T) {
	loop := DefaultLoop()
	wps := loop.RequiredWaypoints("station5")
	require.Len(t, wps, 2)
	assert.Equal(t, "station3", wps[0].ID)
	assert.Equal(t, "station4", wps[1].ID)

	assert.Empty(t, loop.RequiredWaypoints("station2"))
}
