package route

import (
	"fmt"
	"math"

	"shuttle-eta/internal/geo"
)

// Stop is a fixed point on the loop riders can select as origin/destination.
type Stop struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Point   geo.Point `json:"coordinate"`
	Visible bool      `json:"visible"`
}

// Loop is one direction of a closed circuit of stops. Index 0 follows the
// last index. The cumulative-distance table is built once at construction
// and is monotonically non-decreasing with len == len(stops).
type Loop struct {
	stops    []Stop
	cumKm    []float64
	byID     map[string]int
	mustPass map[string][]string // goal stop id -> required waypoint stop ids
}

// NewLoop builds a loop from an ordered stop sequence. mustPass maps a goal
// stop id to the ordered stop ids a route toward that goal has to visit.
func NewLoop(stops []Stop, mustPass map[string][]string) (*Loop, error) {
	if len(stops) < 2 {
		return nil, fmt.Errorf("loop needs at least 2 stops, got %d", len(stops))
	}
	byID := make(map[string]int, len(stops))
	for i, s := range stops {
		if s.ID == "" {
			return nil, fmt.Errorf("stop %d has empty id", i)
		}
		if _, dup := byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate stop id %q", s.ID)
		}
		if _, err := s.Point.Normalize(); err != nil {
			return nil, fmt.Errorf("stop %q: %w", s.ID, err)
		}
		byID[s.ID] = i
	}
	cum := make([]float64, len(stops))
	for i := 1; i < len(stops); i++ {
		cum[i] = cum[i-1] + geo.HaversineKm(stops[i-1].Point, stops[i].Point)
	}
	if mustPass == nil {
		mustPass = map[string][]string{}
	}
	for goal, ids := range mustPass {
		if _, ok := byID[goal]; !ok {
			return nil, fmt.Errorf("waypoint rule for unknown stop %q", goal)
		}
		for _, id := range ids {
			if _, ok := byID[id]; !ok {
				return nil, fmt.Errorf("waypoint rule %q references unknown stop %q", goal, id)
			}
		}
	}
	return &Loop{stops: stops, cumKm: cum, byID: byID, mustPass: mustPass}, nil
}

func (l *Loop) Len() int { return len(l.stops) }

func (l *Loop) Stop(i int) Stop { return l.stops[i] }

// Stops returns a copy of the stop sequence.
func (l *Loop) Stops() []Stop {
	out := make([]Stop, len(l.stops))
	copy(out, l.stops)
	return out
}

// IndexOf returns the index of the stop with the given id, or -1.
func (l *Loop) IndexOf(id string) int {
	if i, ok := l.byID[id]; ok {
		return i
	}
	return -1
}

// StopByID returns the stop with the given id.
func (l *Loop) StopByID(id string) (Stop, bool) {
	i, ok := l.byID[id]
	if !ok {
		return Stop{}, false
	}
	return l.stops[i], true
}

// CumulativeKm returns distance along the route from stop 0 to stop i.
func (l *Loop) CumulativeKm(i int) float64 { return l.cumKm[i] }

// SegmentLengthKm returns the length of the segment from stop i to stop i+1.
func (l *Loop) SegmentLengthKm(i int) float64 { return l.cumKm[i+1] - l.cumKm[i] }

// NearestIndex returns the index of the stop closest to p and the distance
// in meters. Ties keep the first-encountered stop.
func (l *Loop) NearestIndex(p geo.Point) (int, int) {
	best := 0
	bestM := geo.DistanceMeters(p, l.stops[0].Point)
	for i := 1; i < len(l.stops); i++ {
		if d := geo.DistanceMeters(p, l.stops[i].Point); d < bestM {
			best, bestM = i, d
		}
	}
	return best, bestM
}

// ProgressAlongRoute projects p onto the (non-wrapping) polyline of stops
// and returns continuous distance-along-route. For a point sitting exactly
// on a stop the earlier segment wins, so the stop itself counts as reached.
func (l *Loop) ProgressAlongRoute(p geo.Point) Progress {
	best := Progress{OffRouteKm: math.Inf(1)}
	for i := 0; i < len(l.stops)-1; i++ {
		prj := geo.ProjectToSegment(l.stops[i].Point, l.stops[i+1].Point, p)
		if prj.DistKm < best.OffRouteKm {
			best = Progress{SegIdx: i, T: prj.T, OffRouteKm: prj.DistKm}
		}
	}
	best.TotalKm = l.CumulativeKm(best.SegIdx) + best.T*l.SegmentLengthKm(best.SegIdx)
	return best
}

// RequiredWaypoints returns the ordered, deduplicated stops a route toward
// goal must visit. Only structurally required stops are returned; the
// routing provider is left free to optimize everything in between.
func (l *Loop) RequiredWaypoints(goalID string) []Stop {
	ids := l.mustPass[goalID]
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]Stop, 0, len(ids))
	for _, id := range ids {
		if seen[id] || id == goalID {
			continue
		}
		if s, ok := l.StopByID(id); ok {
			seen[id] = true
			out = append(out, s)
		}
	}
	return out
}

// DefaultLoop returns the embedded campus shuttle circuit used when no
// database is configured. station5 sits behind the campus gate, so routes
// to it have to pass station3 and station4 first.
func DefaultLoop() *Loop {
	stops := []Stop{
		{ID: "station1", Title: "Giheung Station (depart)", Point: geo.Point{Lat: 37.274514, Lng: 127.116160}, Visible: true},
		{ID: "station2", Title: "Kangnam Univ. Station", Point: geo.Point{Lat: 37.270780, Lng: 127.125569}, Visible: true},
		{ID: "station3", Title: "Shalom Hall", Point: geo.Point{Lat: 37.274566, Lng: 127.130307}, Visible: true},
		{ID: "station4", Title: "Education Bldg.", Point: geo.Point{Lat: 37.275690, Lng: 127.133470}, Visible: true},
		{ID: "station5", Title: "Engineering Bldg.", Point: geo.Point{Lat: 37.276645, Lng: 127.134479}, Visible: true},
		{ID: "station6", Title: "Starbucks", Point: geo.Point{Lat: 37.270928, Lng: 127.125917}, Visible: true},
		{ID: "station7", Title: "Giheung Station (arrive)", Point: geo.Point{Lat: 37.274618, Lng: 127.116129}, Visible: true},
	}
	mustPass := map[string][]string{
		"station5": {"station3", "station4"},
	}
	l, err := NewLoop(stops, mustPass)
	if err != nil {
		panic(err) // embedded data, cannot fail
	}
	return l
}
