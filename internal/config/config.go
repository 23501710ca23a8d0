package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Transport
	NATSURL        string
	DriversSubject string // subject prefix for live positions
	PresenceBucket string // JetStream KV bucket for presence entries

	// Optional Postgres holding the stop sequence; empty DSN uses the
	// embedded default loop.
	DatabaseURL string

	// HTTP surfaces
	HTTPAddr       string
	MetricsAddr    string // empty disables the metrics server
	AllowedOrigins []string

	// Routing oracle
	DirectionsBaseURL   string
	DirectionsKeyID     string
	DirectionsKeySecret string
	DirectionsTimeout   time.Duration
	EstimateCacheTTL    time.Duration
	FallbackSpeedKmh    float64

	// Route progress
	PassMarginM     float64
	LoopResetFirstM float64
	LoopResetLastM  float64
	TrackerStale    time.Duration

	// Candidate filter / arriving-soon
	ArrivedMaxM      int
	ApproachMaxM     int
	SoonMaxDuration  time.Duration
	SoonMaxDistanceM int

	// Presence geofence
	GeofenceEnterM  float64
	GeofenceExitM   float64
	DwellTime       time.Duration
	Heartbeat       time.Duration
	PresenceTTL     time.Duration
	PresenceIdleMax time.Duration

	// Live feed
	PositionMaxAge time.Duration
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.DriversSubject = getenvDefault("DRIVERS_SUBJECT", "drivers")
	cfg.PresenceBucket = getenvDefault("PRESENCE_BUCKET", "presence")

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars.
	// The stop loop ships embedded, so an unset database is not an error.
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" && os.Getenv("PGDATABASE") != "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			dsn = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	}
	cfg.DatabaseURL = dsn

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	cfg.DirectionsBaseURL = getenvDefault("DIRECTIONS_URL", "https://maps.apigw.ntruss.com/map-direction/v1/driving")
	cfg.DirectionsKeyID = os.Getenv("DIRECTIONS_KEY_ID")
	cfg.DirectionsKeySecret = os.Getenv("DIRECTIONS_KEY_SECRET")

	var err error
	if cfg.DirectionsTimeout, err = durationMS("DIRECTIONS_TIMEOUT_MS", 10_000); err != nil {
		return nil, err
	}
	if cfg.EstimateCacheTTL, err = durationSec("ESTIMATE_CACHE_TTL_SEC", 15); err != nil {
		return nil, err
	}
	if cfg.FallbackSpeedKmh, err = floatVar("FALLBACK_SPEED_KMH", 18); err != nil {
		return nil, err
	}

	if cfg.PassMarginM, err = floatVar("PASS_MARGIN_M", 60); err != nil {
		return nil, err
	}
	if cfg.LoopResetFirstM, err = floatVar("LOOP_RESET_FIRST_M", 80); err != nil {
		return nil, err
	}
	if cfg.LoopResetLastM, err = floatVar("LOOP_RESET_LAST_M", 200); err != nil {
		return nil, err
	}
	if cfg.TrackerStale, err = durationSec("TRACKER_STALE_SEC", 600); err != nil {
		return nil, err
	}

	if cfg.ArrivedMaxM, err = intVar("ARRIVED_MAX_M", 50); err != nil {
		return nil, err
	}
	if cfg.ApproachMaxM, err = intVar("APPROACH_MAX_M", 220); err != nil {
		return nil, err
	}
	if cfg.SoonMaxDuration, err = durationMS("ARRIVING_SOON_MS", 90_000); err != nil {
		return nil, err
	}
	if cfg.SoonMaxDistanceM, err = intVar("ARRIVING_SOON_M", 200); err != nil {
		return nil, err
	}

	if cfg.GeofenceEnterM, err = floatVar("GEOFENCE_ENTER_M", 80); err != nil {
		return nil, err
	}
	if cfg.GeofenceExitM, err = floatVar("GEOFENCE_EXIT_M", 120); err != nil {
		return nil, err
	}
	if cfg.DwellTime, err = durationMS("DWELL_MS", 100_000); err != nil {
		return nil, err
	}
	if cfg.Heartbeat, err = durationMS("HEARTBEAT_MS", 30_000); err != nil {
		return nil, err
	}
	if cfg.PresenceTTL, err = durationSec("PRESENCE_TTL_SEC", 15); err != nil {
		return nil, err
	}
	if cfg.PresenceIdleMax, err = durationSec("PRESENCE_IDLE_SEC", 300); err != nil {
		return nil, err
	}

	// An explicit 0 is allowed here: it disables the feed's age filter.
	maxAgeSec, err := nonNegIntVar("POSITION_MAX_AGE_SEC", 120)
	if err != nil {
		return nil, err
	}
	cfg.PositionMaxAge = time.Duration(maxAgeSec) * time.Second

	return cfg, nil
}

func durationMS(key string, def int) (time.Duration, error) {
	ms, err := intVar(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func durationSec(key string, def int) (time.Duration, error) {
	sec, err := intVar(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(sec) * time.Second, nil
}

func intVar(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

// nonNegIntVar is intVar for settings where an explicit 0 is meaningful.
func nonNegIntVar(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func floatVar(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
