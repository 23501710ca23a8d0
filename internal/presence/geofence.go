package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"shuttle-eta/internal/geo"
	"shuttle-eta/internal/route"
)

// GeofenceConfig holds the dwell-detection thresholds. The exit radius is
// deliberately wider than the entry radius so GPS jitter at the boundary
// does not flap the waiting state.
type GeofenceConfig struct {
	EnterRadiusM float64
	ExitRadiusM  float64
	DwellTime    time.Duration
	Heartbeat    time.Duration
}

func DefaultGeofenceConfig() GeofenceConfig {
	return GeofenceConfig{
		EnterRadiusM: 80,
		ExitRadiusM:  120,
		DwellTime:    100 * time.Second,
		Heartbeat:    30 * time.Second,
	}
}

// TransitionMetrics is implemented by the metrics collector; nil disables it.
type TransitionMetrics interface {
	PresenceTransitionInc(kind string)
}

// Monitor infers "waiting at a stop" for one rider device from periodic
// position samples, and mirrors that state into the shared store. Store
// failures are logged and swallowed; presence is best-effort and must never
// break the sample loop. Samples for one device can arrive on overlapping
// HTTP requests, so the state below is guarded by mu.
type Monitor struct {
	loop    *route.Loop
	store   Store
	cfg     GeofenceConfig
	device  string
	metrics TransitionMetrics

	mu            sync.Mutex
	currentStopID string
	activeStopID  string // stop we are published as waiting at
	waiting       bool
	dwellStart    time.Time // zero means no dwell in progress
	nextHeartbeat time.Time
	lastSample    time.Time
}

func NewMonitor(loop *route.Loop, store Store, deviceID string, cfg GeofenceConfig, m TransitionMetrics) *Monitor {
	if cfg.EnterRadiusM <= 0 {
		cfg = DefaultGeofenceConfig()
	}
	return &Monitor{loop: loop, store: store, cfg: cfg, device: deviceID, metrics: m}
}

// Waiting reports the current inferred state.
func (m *Monitor) Waiting() (stopID string, waiting bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentStopID, m.waiting
}

// lastSeen returns when the device last delivered a sample.
func (m *Monitor) lastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSample
}

// OnSample folds one position sample into the state machine at the given
// time. Each sample is processed to completion before the next one for the
// same device starts.
func (m *Monitor) OnSample(ctx context.Context, p geo.Point, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSample = now
	pt, err := p.Normalize()
	if err != nil {
		return
	}
	idx, distM := m.loop.NearestIndex(pt)
	stop := m.loop.Stop(idx)

	inside := float64(distM) <= m.cfg.EnterRadiusM
	outside := float64(distM) >= m.cfg.ExitRadiusM

	if m.currentStopID != stop.ID {
		// Nearest stop changed: release any published waiting state for the
		// old stop and restart dwell tracking against the new one.
		if m.waiting && m.activeStopID != "" {
			m.unpublish(ctx)
		}
		m.currentStopID = stop.ID
		if inside {
			m.dwellStart = now
		} else {
			m.dwellStart = time.Time{}
		}
		return
	}

	if inside {
		if m.dwellStart.IsZero() {
			m.dwellStart = now
		}
		if !m.waiting && now.Sub(m.dwellStart) >= m.cfg.DwellTime {
			m.waiting = true
			m.activeStopID = stop.ID
			if err := m.store.SetWaiting(ctx, stop.ID, m.device, now); err != nil {
				log.Printf("presence: set waiting for %s at %s: %v", m.device, stop.ID, err)
			}
			m.nextHeartbeat = now.Add(m.cfg.Heartbeat)
			if m.metrics != nil {
				m.metrics.PresenceTransitionInc("waiting")
			}
		}
	}
	if outside && m.waiting && m.activeStopID == stop.ID {
		m.unpublish(ctx)
		m.dwellStart = time.Time{}
	}

	m.heartbeatIfDue(ctx, now)
}

// heartbeatIfDue refreshes the store entry while waiting so the read-side
// TTL keeps counting this device.
func (m *Monitor) heartbeatIfDue(ctx context.Context, now time.Time) {
	if !m.waiting || m.nextHeartbeat.IsZero() || now.Before(m.nextHeartbeat) {
		return
	}
	if err := m.store.Heartbeat(ctx, m.activeStopID, m.device, now); err != nil {
		log.Printf("presence: heartbeat for %s at %s: %v", m.device, m.activeStopID, err)
	}
	m.nextHeartbeat = now.Add(m.cfg.Heartbeat)
}

func (m *Monitor) unpublish(ctx context.Context) {
	if err := m.store.ClearWaiting(ctx, m.activeStopID, m.device); err != nil {
		log.Printf("presence: clear waiting for %s at %s: %v", m.device, m.activeStopID, err)
	}
	m.waiting = false
	m.activeStopID = ""
	m.nextHeartbeat = time.Time{}
	if m.metrics != nil {
		m.metrics.PresenceTransitionInc("left")
	}
}

// Close releases the monitor. Publishing "not waiting" here is mandatory,
// not best-effort: a device that disables sharing must drop out of the
// crowd immediately rather than waiting for the TTL.
func (m *Monitor) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waiting && m.activeStopID != "" {
		m.unpublish(ctx)
	}
	m.dwellStart = time.Time{}
	m.currentStopID = ""
}
