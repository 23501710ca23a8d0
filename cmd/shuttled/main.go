package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"shuttle-eta/internal/config"
	"shuttle-eta/internal/directions"
	"shuttle-eta/internal/eta"
	"shuttle-eta/internal/httpapi"
	"shuttle-eta/internal/metrics"
	"shuttle-eta/internal/positions"
	"shuttle-eta/internal/presence"
	"shuttle-eta/internal/route"
	"shuttle-eta/internal/store"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loop := loadLoop(ctx, cfg)

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.GeofenceEnterM, cfg.PresenceTTL)
		metricsSrv = mcol.Serve(cfg.MetricsAddr)
	}

	// NATS: live positions in and out, presence KV
	nc, err := positions.Connect(cfg.NATSURL, "shuttle-eta", pubMetrics(mcol))
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer nc.Close()

	feed, err := positions.NewFeed(nc, cfg.DriversSubject, cfg.PositionMaxAge, feedMetrics(mcol))
	if err != nil {
		log.Fatalf("position feed error: %v", err)
	}
	defer feed.Close()
	pub := positions.NewPublisher(nc, cfg.DriversSubject, pubMetrics(mcol))

	presenceStore, err := presence.NewKVStore(nc, cfg.PresenceBucket, cfg.PresenceTTL)
	if err != nil {
		log.Fatalf("presence store error: %v", err)
	}
	geoCfg := presence.GeofenceConfig{
		EnterRadiusM: cfg.GeofenceEnterM,
		ExitRadiusM:  cfg.GeofenceExitM,
		DwellTime:    cfg.DwellTime,
		Heartbeat:    cfg.Heartbeat,
	}
	presenceMgr := presence.NewManager(loop, presenceStore, geoCfg, cfg.PresenceIdleMax, presMetrics(mcol))
	go presenceMgr.Run(ctx)

	// Routing oracle with cache, local estimator as last resort
	var router directions.Router = directions.NewClient(directions.ClientConfig{
		BaseURL:   cfg.DirectionsBaseURL,
		KeyID:     cfg.DirectionsKeyID,
		KeySecret: cfg.DirectionsKeySecret,
		Timeout:   cfg.DirectionsTimeout,
	})
	router = directions.NewCachedRouter(router, cfg.EstimateCacheTTL)
	fallback := directions.NewFallbackEstimator(loop, cfg.FallbackSpeedKmh)

	trackers := route.NewTrackerSet(loop, route.TrackerConfig{
		PassMarginM:     cfg.PassMarginM,
		LoopResetFirstM: cfg.LoopResetFirstM,
		LoopResetLastM:  cfg.LoopResetLastM,
		StaleAfter:      cfg.TrackerStale,
	})
	engine := eta.NewEngine(loop, trackers, router, fallback, eta.Config{
		ArrivedMaxM:       cfg.ArrivedMaxM,
		ApproachMaxM:      cfg.ApproachMaxM,
		SoonMaxDuration:   cfg.SoonMaxDuration,
		SoonMaxDistanceM:  cfg.SoonMaxDistanceM,
		PerCandidateLimit: cfg.DirectionsTimeout,
	}, engineMetrics(mcol))
	session := eta.NewSession(engine)

	if mcol != nil {
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					mcol.TrackedBuses.Set(float64(len(feed.Snapshot(now))))
				}
			}
		}()
	}

	api := httpapi.NewServer(loop, feed, pub, session, presenceMgr, presenceStore)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Handler(cfg.AllowedOrigins)}
	go func() {
		log.Printf("api listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server error: %v", err)
		}
	}()

	// Block until context cancelled
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Println("shutdown complete")
}

func loadLoop(ctx context.Context, cfg *config.Config) *route.Loop {
	if cfg.DatabaseURL == "" {
		log.Printf("no database configured, using embedded stop loop")
		return route.DefaultLoop()
	}
	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	defer db.Close()
	if err := store.Ping(ctx, db); err != nil {
		log.Fatalf("db ping error: %v", err)
	}
	loop, err := store.LoadLoop(ctx, db)
	if err != nil {
		log.Fatalf("load stop loop: %v", err)
	}
	log.Printf("loaded %d stops from database", loop.Len())
	return loop
}

// The metric helpers return nil interfaces when metrics are disabled so the
// consuming packages can skip instrumentation entirely.

func pubMetrics(c *metrics.Collector) positions.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c
}

func feedMetrics(c *metrics.Collector) positions.FeedMetrics {
	if c == nil {
		return nil
	}
	return c
}

func engineMetrics(c *metrics.Collector) eta.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func presMetrics(c *metrics.Collector) presence.TransitionMetrics {
	if c == nil {
		return nil
	}
	return c
}
