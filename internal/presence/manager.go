package presence

import (
	"context"
	"sync"
	"time"

	"shuttle-eta/internal/geo"
	"shuttle-eta/internal/route"
)

// Manager owns one geofence monitor per rider device, creating them as
// samples arrive and retiring them after silence. Retirement runs the
// monitor's mandatory cleanup path.
type Manager struct {
	loop    *route.Loop
	store   Store
	cfg     GeofenceConfig
	idleMax time.Duration
	metrics TransitionMetrics

	mu       sync.Mutex
	monitors map[string]*Monitor
}

func NewManager(loop *route.Loop, store Store, cfg GeofenceConfig, idleMax time.Duration, m TransitionMetrics) *Manager {
	if idleMax <= 0 {
		idleMax = 5 * time.Minute
	}
	return &Manager{
		loop:     loop,
		store:    store,
		cfg:      cfg,
		idleMax:  idleMax,
		metrics:  m,
		monitors: make(map[string]*Monitor),
	}
}

// OnSample routes a device's position sample to its monitor, creating one
// on first contact.
func (g *Manager) OnSample(ctx context.Context, deviceID string, p geo.Point, now time.Time) {
	g.mu.Lock()
	mon, ok := g.monitors[deviceID]
	if !ok {
		mon = NewMonitor(g.loop, g.store, deviceID, g.cfg, g.metrics)
		g.monitors[deviceID] = mon
	}
	g.mu.Unlock()
	mon.OnSample(ctx, p, now)
}

// Teardown explicitly releases a device's monitor.
func (g *Manager) Teardown(ctx context.Context, deviceID string) {
	g.mu.Lock()
	mon, ok := g.monitors[deviceID]
	delete(g.monitors, deviceID)
	g.mu.Unlock()
	if ok {
		mon.Close(ctx)
	}
}

// Prune retires monitors whose device has gone silent.
func (g *Manager) Prune(ctx context.Context, now time.Time) {
	g.mu.Lock()
	var stale []*Monitor
	for id, mon := range g.monitors {
		if now.Sub(mon.lastSeen()) > g.idleMax {
			stale = append(stale, mon)
			delete(g.monitors, id)
		}
	}
	g.mu.Unlock()
	for _, mon := range stale {
		mon.Close(ctx)
	}
}

// Run prunes idle monitors until the context ends, then tears everything
// down, publishing "not waiting" for every device still marked waiting.
func (g *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.closeAll()
			return
		case now := <-ticker.C:
			g.Prune(ctx, now)
		}
	}
}

func (g *Manager) closeAll() {
	// Fresh context: the run context is already cancelled but cleanup
	// publishes still have to go out.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	g.mu.Lock()
	monitors := make([]*Monitor, 0, len(g.monitors))
	for _, mon := range g.monitors {
		monitors = append(monitors, mon)
	}
	g.monitors = make(map[string]*Monitor)
	g.mu.Unlock()
	for _, mon := range monitors {
		mon.Close(ctx)
	}
}
