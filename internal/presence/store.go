package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Entry is one waiting device at one stop. Entries are expired on read:
// the writer only refreshes LastSeenAt, and readers ignore anything older
// than the TTL, so devices that vanish without cleanup heal themselves out
// of the crowd count.
type Entry struct {
	DeviceID   string    `json:"deviceId"`
	Status     string    `json:"status"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

const StatusWaiting = "waiting"

// Store is the shared presence collection. Each device writes only its own
// key, so concurrent writers never interfere.
type Store interface {
	SetWaiting(ctx context.Context, stopID, deviceID string, now time.Time) error
	Heartbeat(ctx context.Context, stopID, deviceID string, now time.Time) error
	ClearWaiting(ctx context.Context, stopID, deviceID string) error
	CountWaiting(ctx context.Context, stopID string, now time.Time) (int, error)
}

// KVStore keeps presence entries in a NATS JetStream key-value bucket under
// "<stopID>.<deviceID>".
type KVStore struct {
	kv  nats.KeyValue
	ttl time.Duration
}

// NewKVStore binds (creating if needed) the presence bucket. ttl is the
// read-side liveness window, not a bucket-level expiry.
func NewKVStore(nc *nats.Conn, bucket string, ttl time.Duration) (*KVStore, error) {
	if bucket == "" {
		bucket = "presence"
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("presence: jetstream: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		return nil, fmt.Errorf("presence: bind bucket %q: %w", bucket, err)
	}
	return &KVStore{kv: kv, ttl: ttl}, nil
}

func key(stopID, deviceID string) string {
	clean := func(s string) string {
		return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
	}
	return clean(stopID) + "." + clean(deviceID)
}

func (s *KVStore) put(stopID, deviceID string, now time.Time) error {
	e := Entry{DeviceID: deviceID, Status: StatusWaiting, LastSeenAt: now.UTC()}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(key(stopID, deviceID), b)
	return err
}

func (s *KVStore) SetWaiting(_ context.Context, stopID, deviceID string, now time.Time) error {
	return s.put(stopID, deviceID, now)
}

func (s *KVStore) Heartbeat(_ context.Context, stopID, deviceID string, now time.Time) error {
	return s.put(stopID, deviceID, now)
}

func (s *KVStore) ClearWaiting(_ context.Context, stopID, deviceID string) error {
	err := s.kv.Delete(key(stopID, deviceID))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

// CountWaiting counts devices whose last heartbeat is within the TTL.
func (s *KVStore) CountWaiting(_ context.Context, stopID string, now time.Time) (int, error) {
	keys, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	prefix := key(stopID, "")
	var entries []Entry
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		kve, err := s.kv.Get(k)
		if err != nil {
			continue // deleted between Keys and Get
		}
		var e Entry
		if err := json.Unmarshal(kve.Value(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return CountLive(entries, now, s.ttl), nil
}

// CountLive applies the read-side liveness filter: only waiting entries seen
// within the TTL contribute to a stop's crowd.
func CountLive(entries []Entry, now time.Time, ttl time.Duration) int {
	count := 0
	for _, e := range entries {
		if e.Status != StatusWaiting {
			continue
		}
		if now.Sub(e.LastSeenAt) < ttl {
			count++
		}
	}
	return count
}
