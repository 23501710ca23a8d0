package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	TrackedBuses prometheus.Gauge

	PositionsReceived prometheus.Counter
	PositionsSkipped  *prometheus.CounterVec // reason label
	PositionsSent     prometheus.Counter
	PositionSendErrs  prometheus.Counter
	NATSConnected     prometheus.Gauge

	OracleCalls  *prometheus.CounterVec // outcome label: ok|error
	FallbackRuns prometheus.Counter

	SelectionDuration prometheus.Histogram
	PublishDuration   prometheus.Histogram
	CandidatesPerRun  prometheus.Histogram

	PresenceTransitions *prometheus.CounterVec // kind label: waiting|left

	GeofenceRadius prometheus.Gauge // meters
	PresenceTTL    prometheus.Gauge // seconds
}

func NewCollector(geofenceRadiusM float64, presenceTTL time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		TrackedBuses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shuttle_tracked_buses",
			Help: "Number of buses in the current live snapshot.",
		}),
		PositionsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuttle_positions_received_total",
			Help: "Total driver position samples accepted from the feed.",
		}),
		PositionsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shuttle_positions_skipped_total",
			Help: "Total driver position samples dropped.",
		}, []string{"reason"}),
		PositionsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuttle_positions_published_total",
			Help: "Total driver position samples published to NATS.",
		}),
		PositionSendErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuttle_position_publish_errors_total",
			Help: "Total NATS publish errors for driver positions.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shuttle_nats_connected",
			Help: "1 if the NATS connection is established, 0 otherwise.",
		}),
		OracleCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shuttle_oracle_calls_total",
			Help: "Routing-oracle calls by outcome.",
		}, []string{"outcome"}),
		FallbackRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuttle_fallback_runs_total",
			Help: "Selections that fell back to the local loop estimator.",
		}),
		SelectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shuttle_selection_duration_seconds",
			Help:    "Duration of one best-bus selection including oracle fan-out.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 13),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shuttle_publish_duration_seconds",
			Help:    "Duration to marshal and publish a position message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		CandidatesPerRun: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shuttle_candidates_per_selection",
			Help:    "Viable candidates remaining after the filter.",
			Buckets: prometheus.LinearBuckets(0, 1, 8),
		}),
		PresenceTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shuttle_presence_transitions_total",
			Help: "Geofence state transitions by kind.",
		}, []string{"kind"}),
		GeofenceRadius: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shuttle_geofence_radius_meters",
			Help: "Configured geofence entry radius.",
		}),
		PresenceTTL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shuttle_presence_ttl_seconds",
			Help: "Configured presence liveness window.",
		}),
	}

	reg.MustRegister(
		c.TrackedBuses,
		c.PositionsReceived, c.PositionsSkipped, c.PositionsSent, c.PositionSendErrs,
		c.NATSConnected,
		c.OracleCalls, c.FallbackRuns,
		c.SelectionDuration, c.PublishDuration, c.CandidatesPerRun,
		c.PresenceTransitions,
		c.GeofenceRadius, c.PresenceTTL,
	)

	c.GeofenceRadius.Set(geofenceRadiusM)
	c.PresenceTTL.Set(presenceTTL.Seconds())

	return c
}

// Interface adapters for packages that take a narrow metrics surface.

func (c *Collector) PositionReceivedInc()              { c.PositionsReceived.Inc() }
func (c *Collector) PositionSkippedInc(reason string)  { c.PositionsSkipped.WithLabelValues(reason).Inc() }
func (c *Collector) PositionPublishedInc()             { c.PositionsSent.Inc() }
func (c *Collector) PositionPublishErrInc()            { c.PositionSendErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration)    { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) SelectionObserve(d time.Duration)  { c.SelectionDuration.Observe(d.Seconds()) }
func (c *Collector) CandidatesObserve(n int)           { c.CandidatesPerRun.Observe(float64(n)) }
func (c *Collector) OracleCallInc(outcome string)      { c.OracleCalls.WithLabelValues(outcome).Inc() }
func (c *Collector) FallbackRunInc()                   { c.FallbackRuns.Inc() }
func (c *Collector) PresenceTransitionInc(kind string) { c.PresenceTransitions.WithLabelValues(kind).Inc() }

func (c *Collector) NATSSetConnected(b bool) {
	if b {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
