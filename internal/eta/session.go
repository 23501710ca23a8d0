package eta

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"shuttle-eta/internal/positions"
)

// ErrBusy means a selection for this session is already in flight. Callers
// coalesce rather than queue: only the latest result matters.
var ErrBusy = errors.New("eta: selection already in progress")

// Session serializes selections and tags each with a generation so a
// superseded in-flight computation can never clobber a newer result.
type Session struct {
	engine *Engine

	busy atomic.Bool
	gen  atomic.Uint64

	mu        sync.Mutex
	latestGen uint64
	latest    *Selection
}

func NewSession(engine *Engine) *Session {
	return &Session{engine: engine}
}

// Compute runs one selection, guarded by the busy latch.
func (s *Session) Compute(ctx context.Context, stopID string, snap positions.Snapshot) (*Selection, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.busy.Store(false)

	gen := s.gen.Add(1)
	sel, err := s.engine.Compute(ctx, stopID, snap)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if gen > s.latestGen {
		s.latestGen = gen
		s.latest = sel
	}
	s.mu.Unlock()
	return sel, nil
}

// Latest returns the most recent successful selection, or nil.
func (s *Session) Latest() *Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}
