package positions

import (
	"time"

	"shuttle-eta/internal/geo"
)

// BusPosition is one live sample for one bus. Ephemeral: the engine only
// ever consumes a snapshot, never persists it.
type BusPosition struct {
	BusID      string
	Point      geo.Point
	ObservedAt time.Time
}

// wireSample is the on-the-wire driver entry. Field names match what the
// driver apps historically published.
type wireSample struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp string  `json:"timestamp"` // RFC3339
}

// Snapshot maps bus id to its latest position.
type Snapshot map[string]BusPosition
