package positions

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFeed(maxAge time.Duration) *Feed {
	return &Feed{
		subjectPrefix: "drivers",
		maxAge:        maxAge,
		latest:        make(map[string]BusPosition),
	}
}

func TestFeedHandleStoresLatest(t *testing.T) {
	f := newTestFeed(0)

	f.handle(&nats.Msg{
		Subject: "drivers.bus-1",
		Data:    []byte(`{"latitude":37.274514,"longitude":127.116160,"timestamp":"2026-08-31T09:00:00Z"}`),
	})
	f.handle(&nats.Msg{
		Subject: "drivers.bus-1",
		Data:    []byte(`{"latitude":37.270780,"longitude":127.125569,"timestamp":"2026-08-31T09:00:05Z"}`),
	})

	snap := f.Snapshot(time.Now())
	require.Len(t, snap, 1)
	assert.InDelta(t, 37.270780, snap["bus-1"].Point.Lat, 1e-9)
	assert.Equal(t, 5, snap["bus-1"].ObservedAt.Second())
}

func TestFeedHandleSkipsMalformed(t *testing.T) {
	f := newTestFeed(0)

	// Bad subject, bad JSON, bad coordinates: each dropped individually.
	f.handle(&nats.Msg{Subject: "drivers.", Data: []byte(`{}`)})
	f.handle(&nats.Msg{Subject: "drivers.a.b", Data: []byte(`{}`)})
	f.handle(&nats.Msg{Subject: "drivers.bus-1", Data: []byte(`not json`)})
	f.handle(&nats.Msg{Subject: "drivers.bus-2", Data: []byte(`{"latitude":999,"longitude":0}`)})
	f.handle(&nats.Msg{Subject: "drivers.bus-3", Data: []byte(`{"latitude":37.27,"longitude":127.12,"timestamp":"2026-08-31T09:00:00Z"}`)})

	snap := f.Snapshot(time.Now())
	require.Len(t, snap, 1)
	assert.Contains(t, snap, "bus-3")
}

func TestFeedSnapshotAgeFilter(t *testing.T) {
	f := newTestFeed(2 * time.Minute)
	now := time.Now()

	f.latest["fresh"] = BusPosition{BusID: "fresh", ObservedAt: now.Add(-time.Minute)}
	f.latest["stale"] = BusPosition{BusID: "stale", ObservedAt: now.Add(-3 * time.Minute)}
	// Samples without a parseable timestamp are kept rather than dropped.
	f.latest["no-ts"] = BusPosition{BusID: "no-ts"}

	snap := f.Snapshot(now)
	assert.Contains(t, snap, "fresh")
	assert.Contains(t, snap, "no-ts")
	assert.NotContains(t, snap, "stale")
}

func TestFromWireBadTimestampTolerated(t *testing.T) {
	pos, ok := fromWire("bus-1", wireSample{Latitude: 37.27, Longitude: 127.12, Timestamp: "yesterday-ish"})
	require.True(t, ok)
	assert.True(t, pos.ObservedAt.IsZero())

	_, ok = fromWire("bus-1", wireSample{Latitude: -91, Longitude: 0})
	assert.False(t, ok)
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "bus-1", subjectToken("bus-1"))
	assert.Equal(t, "shuttle_7", subjectToken("shuttle 7"))
	assert.Equal(t, "a_b_c", subjectToken("a.b>c"))
	assert.Equal(t, "_", subjectToken("  "))
}
