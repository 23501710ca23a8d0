package route

import (
	"sync"
	"time"

	"shuttle-eta/internal/geo"
)

// TrackerConfig holds the progress thresholds. Zero values fall back to the
// defaults below.
type TrackerConfig struct {
	PassMarginM      float64       // slack before a stop still counts as passed
	LoopResetFirstM  float64       // max distance to first stop to accept a wrap
	LoopResetLastM   float64       // min distance from last stop to accept a wrap
	StaleAfter       time.Duration // discard per-bus state not updated for this long
}

// DefaultTrackerConfig mirrors the field-tuned thresholds of the shuttle
// deployment.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		PassMarginM:     60,
		LoopResetFirstM: 80,
		LoopResetLastM:  200,
		StaleAfter:      10 * time.Minute,
	}
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	d := DefaultTrackerConfig()
	if c.PassMarginM <= 0 {
		c.PassMarginM = d.PassMarginM
	}
	if c.LoopResetFirstM <= 0 {
		c.LoopResetFirstM = d.LoopResetFirstM
	}
	if c.LoopResetLastM <= 0 {
		c.LoopResetLastM = d.LoopResetLastM
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	return c
}

// Progress describes where along the loop a projected point sits.
type Progress struct {
	TotalKm    float64 // distance along the route from stop 0
	SegIdx     int     // index of the closest segment
	T          float64 // position within that segment, 0..1
	OffRouteKm float64 // perpendicular distance from the route
}

// Tracker derives a monotonic "last passed stop" index for one vehicle from
// noisy position samples. The index only moves forward, except when the
// loop-completion heuristic fires and it drops back to 0.
type Tracker struct {
	loop       *Loop
	cfg        TrackerConfig
	lastPassed int
	updatedAt  time.Time
}

func NewTracker(loop *Loop, cfg TrackerConfig) *Tracker {
	return &Tracker{loop: loop, cfg: cfg.withDefaults()}
}

// LastPassed returns the current last-passed stop index.
func (t *Tracker) LastPassed() int { return t.lastPassed }

// ProgressAlongRoute projects p onto the (non-wrapping) polyline of stops
// and returns continuous distance-along-route.
func (t *Tracker) ProgressAlongRoute(p geo.Point) Progress {
	return t.loop.ProgressAlongRoute(p)
}

// passedStopIndex returns the largest stop index the vehicle has reached,
// with marginM of slack so a vehicle sitting at a stop does not oscillate
// between passed and not-yet-passed.
func (t *Tracker) passedStopIndex(totalKm float64) int {
	marginKm := t.cfg.PassMarginM / 1000
	idx := 0
	for idx < t.loop.Len() && t.loop.CumulativeKm(idx) <= totalKm+marginKm {
		idx++
	}
	if idx == 0 {
		return 0
	}
	return idx - 1
}

// Update folds a new position sample into the tracker and returns the
// resulting last-passed index. The loop-reset check runs before the
// monotonic advance.
func (t *Tracker) Update(p geo.Point, now time.Time) int {
	t.updatedAt = now

	n := t.loop.Len()
	if t.lastPassed >= n-2 {
		toFirst := geo.DistanceMeters(p, t.loop.Stop(0).Point)
		toLast := geo.DistanceMeters(p, t.loop.Stop(n-1).Point)
		if float64(toFirst) < t.cfg.LoopResetFirstM && float64(toLast) > t.cfg.LoopResetLastM {
			t.lastPassed = 0
			return t.lastPassed
		}
	}

	passed := t.passedStopIndex(t.ProgressAlongRoute(p).TotalKm)
	if passed >= t.lastPassed {
		t.lastPassed = passed
	}
	return t.lastPassed
}

// TrackerSet owns one tracker per bus id. Trackers that have not seen a
// sample for StaleAfter are dropped, so a bus coming back online starts a
// fresh session instead of resuming stale progress.
type TrackerSet struct {
	loop *Loop
	cfg  TrackerConfig

	mu       sync.Mutex
	trackers map[string]*Tracker
}

func NewTrackerSet(loop *Loop, cfg TrackerConfig) *TrackerSet {
	return &TrackerSet{loop: loop, cfg: cfg.withDefaults(), trackers: make(map[string]*Tracker)}
}

// Advance updates the tracker for busID with a new sample and returns the
// last-passed stop index.
func (s *TrackerSet) Advance(busID string, p geo.Point, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.trackers[busID]
	if ok && now.Sub(tr.updatedAt) > s.cfg.StaleAfter {
		ok = false
	}
	if !ok {
		tr = NewTracker(s.loop, s.cfg)
		// Start from the nearest stop so a bus first observed mid-loop is
		// not treated as still before stop 0.
		idx, _ := s.loop.NearestIndex(p)
		tr.lastPassed = idx
		s.trackers[busID] = tr
	}
	return tr.Update(p, now)
}

// Prune drops trackers that have gone stale.
func (s *TrackerSet) Prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tr := range s.trackers {
		if now.Sub(tr.updatedAt) > s.cfg.StaleAfter {
			delete(s.trackers, id)
		}
	}
}
