package positions

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// FeedMetrics is implemented by the metrics collector; nil disables it.
type FeedMetrics interface {
	PositionReceivedInc()
	PositionSkippedInc(reason string)
}

// Feed subscribes to the live driver positions and maintains the latest
// sample per bus. Malformed entries are skipped individually; one bad
// message never invalidates the rest of the snapshot.
type Feed struct {
	subjectPrefix string
	maxAge        time.Duration
	metrics       FeedMetrics

	sub *nats.Subscription

	mu     sync.RWMutex
	latest map[string]BusPosition
}

// NewFeed subscribes to "<prefix>.>" on the given connection. maxAge bounds
// how old a sample may be and still appear in snapshots; <=0 disables the
// age filter.
func NewFeed(nc *nats.Conn, subjectPrefix string, maxAge time.Duration, m FeedMetrics) (*Feed, error) {
	if subjectPrefix == "" {
		subjectPrefix = "drivers"
	}
	f := &Feed{
		subjectPrefix: subjectPrefix,
		maxAge:        maxAge,
		metrics:       m,
		latest:        make(map[string]BusPosition),
	}
	sub, err := nc.Subscribe(subjectPrefix+".>", f.handle)
	if err != nil {
		return nil, err
	}
	f.sub = sub
	return f, nil
}

func (f *Feed) handle(msg *nats.Msg) {
	busID := strings.TrimPrefix(msg.Subject, f.subjectPrefix+".")
	if busID == "" || strings.Contains(busID, ".") {
		f.skip("bad_subject")
		return
	}
	var w wireSample
	if err := json.Unmarshal(msg.Data, &w); err != nil {
		log.Printf("positions: drop malformed sample for %s: %v", busID, err)
		f.skip("unmarshal")
		return
	}
	pos, ok := fromWire(busID, w)
	if !ok {
		f.skip("invalid_coords")
		return
	}
	f.mu.Lock()
	f.latest[busID] = pos
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.PositionReceivedInc()
	}
}

func (f *Feed) skip(reason string) {
	if f.metrics != nil {
		f.metrics.PositionSkippedInc(reason)
	}
}

// Snapshot returns a copy of the current per-bus positions, dropping
// entries older than the configured max age.
func (f *Feed) Snapshot(now time.Time) Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(Snapshot, len(f.latest))
	for id, p := range f.latest {
		if f.maxAge > 0 && !p.ObservedAt.IsZero() && now.Sub(p.ObservedAt) > f.maxAge {
			continue
		}
		out[id] = p
	}
	return out
}

// Close drains the subscription.
func (f *Feed) Close() {
	if f.sub != nil {
		_ = f.sub.Drain()
	}
}
