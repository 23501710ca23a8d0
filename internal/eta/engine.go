package eta

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"shuttle-eta/internal/directions"
	"shuttle-eta/internal/geo"
	"shuttle-eta/internal/positions"
	"shuttle-eta/internal/route"
)

var (
	// ErrNoBuses means the live snapshot was empty.
	ErrNoBuses = errors.New("eta: no buses tracked")
	// ErrNoCandidates means every tracked bus was filtered out for the
	// requested stop.
	ErrNoCandidates = errors.New("eta: no viable candidates")
	// ErrUnknownStop means the requested stop id is not on the loop.
	ErrUnknownStop = errors.New("eta: unknown stop")
)

// RoutingFailedError means both the oracle and the fallback estimator were
// exhausted. Last carries the final oracle error for diagnostics.
type RoutingFailedError struct {
	Last error
}

func (e *RoutingFailedError) Error() string {
	return fmt.Sprintf("eta: routing failed for all candidates: %v", e.Last)
}

func (e *RoutingFailedError) Unwrap() error { return e.Last }

// Candidate is a tracked bus considered viable for a destination. Computed
// fresh per query, never stored.
type Candidate struct {
	BusID           string
	Origin          geo.Point
	StepsForward    int
	DistanceToGoalM int
}

// BusETA describes one bus's estimated arrival.
type BusETA struct {
	BusID     string
	Duration  time.Duration
	DistanceM int // -1 when unknown
	ArrivalAt time.Time
}

// Selection is a complete answer for one destination stop.
type Selection struct {
	Best         BusETA
	Path         []geo.Point
	ArrivingSoon bool
	UsedFallback bool
	Source       directions.Source
	Next         *BusETA // nil when only one candidate produced a result
}

// Config holds the candidate-filter and arriving-soon thresholds.
type Config struct {
	ArrivedMaxM       int           // steps==0 and closer than this: already serviced
	ApproachMaxM      int           // steps==0 and closer than this: still approaching
	SoonMaxDuration   time.Duration // arriving-soon time threshold (inclusive)
	SoonMaxDistanceM  int           // arriving-soon distance threshold (inclusive)
	PerCandidateLimit time.Duration // bound on each oracle call
}

func DefaultConfig() Config {
	return Config{
		ArrivedMaxM:       50,
		ApproachMaxM:      220,
		SoonMaxDuration:   90 * time.Second,
		SoonMaxDistanceM:  200,
		PerCandidateLimit: 10 * time.Second,
	}
}

// Metrics is implemented by the metrics collector; nil disables it.
type Metrics interface {
	SelectionObserve(d time.Duration)
	CandidatesObserve(n int)
	OracleCallInc(outcome string)
	FallbackRunInc()
}

// Engine turns a destination stop plus a live position snapshot into the
// best and next-best bus. Deterministic for a fixed snapshot and fixed
// tracker state; the per-bus progress trackers are its only side effect.
type Engine struct {
	loop     *route.Loop
	trackers *route.TrackerSet
	oracle   directions.Router
	fallback *directions.FallbackEstimator
	cfg      Config
	metrics  Metrics
	now      func() time.Time
}

func NewEngine(loop *route.Loop, trackers *route.TrackerSet, oracle directions.Router, fallback *directions.FallbackEstimator, cfg Config, m Metrics) *Engine {
	if cfg.ArrivedMaxM <= 0 || cfg.ApproachMaxM <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.PerCandidateLimit <= 0 {
		cfg.PerCandidateLimit = 10 * time.Second
	}
	return &Engine{
		loop:     loop,
		trackers: trackers,
		oracle:   oracle,
		fallback: fallback,
		cfg:      cfg,
		metrics:  m,
		now:      time.Now,
	}
}

// Compute runs one full best-bus selection for the stop with the given id.
func (e *Engine) Compute(ctx context.Context, stopID string, snap positions.Snapshot) (*Selection, error) {
	started := e.now()
	defer func() {
		if e.metrics != nil {
			e.metrics.SelectionObserve(time.Since(started))
		}
	}()

	goal, ok := e.loop.StopByID(stopID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStop, stopID)
	}
	if len(snap) == 0 {
		return nil, ErrNoBuses
	}

	candidates := e.selectCandidates(goal, snap, started)
	if e.metrics != nil {
		e.metrics.CandidatesObserve(len(candidates))
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	results, lastErr := e.queryOracle(ctx, goal, candidates)
	usedFallback := false
	if len(results) == 0 {
		results = e.runFallback(goal, candidates)
		usedFallback = true
		if len(results) == 0 {
			return nil, &RoutingFailedError{Last: lastErr}
		}
	}

	// Stable sort keeps the candidate-filter order for equal durations.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].est.Duration < results[j].est.Duration
	})

	best := results[0]
	sel := &Selection{
		Best: BusETA{
			BusID:     best.busID,
			Duration:  best.est.Duration,
			DistanceM: best.est.DistanceM,
			ArrivalAt: started.Add(best.est.Duration),
		},
		Path:         best.est.Path,
		UsedFallback: usedFallback,
		Source:       best.est.Source,
	}
	sel.ArrivingSoon = best.est.Duration <= e.cfg.SoonMaxDuration ||
		(best.est.DistanceM >= 0 && best.est.DistanceM <= e.cfg.SoonMaxDistanceM)
	if len(results) > 1 {
		second := results[1]
		sel.Next = &BusETA{
			BusID:     second.busID,
			Duration:  second.est.Duration,
			DistanceM: second.est.DistanceM,
			ArrivalAt: started.Add(second.est.Duration),
		}
	}
	return sel, nil
}

// selectCandidates applies the forward-distance and proximity rules. A bus
// whose last-passed stop is the goal itself is only kept while it is still
// in the approach band: closer means it already serviced the stop, farther
// means it is on its way to the next lap.
func (e *Engine) selectCandidates(goal route.Stop, snap positions.Snapshot, now time.Time) []Candidate {
	goalIdx := e.loop.IndexOf(goal.ID)
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic iteration for stable tie-breaking

	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		pos := snap[id]
		origin, err := pos.Point.Normalize()
		if err != nil {
			log.Printf("eta: skip bus %s: %v", id, err)
			continue
		}
		busIdx := e.trackers.Advance(id, origin, now)
		steps := geo.ForwardSteps(busIdx, goalIdx, e.loop.Len())
		distM := geo.DistanceMeters(origin, goal.Point)

		if steps == 0 {
			if distM <= e.cfg.ArrivedMaxM {
				continue // effectively arrived or just departed
			}
			if distM > e.cfg.ApproachMaxM {
				continue // far past; next lap's problem
			}
		}
		out = append(out, Candidate{
			BusID:           id,
			Origin:          origin,
			StepsForward:    steps,
			DistanceToGoalM: distM,
		})
	}
	return out
}

type candidateResult struct {
	busID string
	est   directions.Estimate
}

// queryOracle fans out one oracle call per candidate and collects the
// successes in candidate order. Individual failures are logged and
// tolerated; the last one is returned for diagnostics.
func (e *Engine) queryOracle(ctx context.Context, goal route.Stop, candidates []Candidate) ([]candidateResult, error) {
	waypoints := e.loop.RequiredWaypoints(goal.ID)

	type slot struct {
		est directions.Estimate
		err error
	}
	slots := make([]slot, len(candidates))

	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, c Candidate) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.PerCandidateLimit)
			defer cancel()
			est, err := e.oracle.Route(callCtx, c.Origin, goal, waypoints)
			slots[i] = slot{est: est, err: err}
		}(i, c)
	}
	wg.Wait()

	var results []candidateResult
	var lastErr error
	for i, s := range slots {
		if s.err != nil {
			lastErr = s.err
			if e.metrics != nil {
				e.metrics.OracleCallInc("error")
			}
			log.Printf("eta: oracle failed for bus %s: %v", candidates[i].BusID, s.err)
			continue
		}
		if e.metrics != nil {
			e.metrics.OracleCallInc("ok")
		}
		results = append(results, candidateResult{busID: candidates[i].BusID, est: s.est})
	}
	return results, lastErr
}

func (e *Engine) runFallback(goal route.Stop, candidates []Candidate) []candidateResult {
	if e.fallback == nil {
		return nil
	}
	if e.metrics != nil {
		e.metrics.FallbackRunInc()
	}
	var results []candidateResult
	for _, c := range candidates {
		est, ok := e.fallback.Estimate(c.Origin, goal)
		if !ok {
			continue
		}
		results = append(results, candidateResult{busID: c.BusID, est: est})
	}
	return results
}
