package main

import (
	"context"
	"errors"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/gf5-dispatch/internal/config"
	"github.com/example/gf5-dispatch/internal/geo"
	"github.com/example/gf5-dispatch/internal/ingest"
	"github.com/example/gf5-dispatch/internal/logging"
	"github.com/example/gf5-dispatch/internal/models"
	"github.com/example/gf5-dispatch/internal/tracker"
)

// The tracker process hosts the propagation loop for a single driver: it goes
// available on start, pushes position samples on the configured cadence, and
// goes offline again on shutdown. A permission denial from the location
// provider disables the loop and the process exits.
func main() {
	var metricsAddr string
	var simulate bool
	flag.StringVar(&metricsAddr, "metrics-addr", ":2113", "address to serve prometheus metrics on")
	flag.BoolVar(&simulate, "simulate", false, "feed the loop with a random-walk position source")
	flag.Parse()

	cfg, err := config.LoadTrackerConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.ForProcess(logging.NewLogger(cfg.LogLevel), "tracker")

	store := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)

	var publisher tracker.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	}

	var provider tracker.Provider
	if simulate {
		provider = &tracker.TickerProvider{Read: randomWalk(40.7128, -74.0060)}
	} else {
		provider = &tracker.TickerProvider{Read: gpsdRead}
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(metricsAddr, mux)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	status := tracker.NewStatusManager(cfg.DriverID, store, logger)
	if err := status.SetStatus(ctx, models.StatusAvailable); err != nil {
		logger.Error("could not go available", "error", err)
		os.Exit(1)
	}

	t := &tracker.Tracker{
		DriverID:  cfg.DriverID,
		Provider:  provider,
		Store:     store,
		Publisher: publisher,
		Config: tracker.ProviderConfig{
			Interval:     cfg.Interval,
			MinInterval:  cfg.MinInterval,
			HighAccuracy: cfg.HighAccuracy,
		},
		Logger: logger,
	}

	err = t.Run(ctx)

	// best effort: the driver disappears from matching on the way out
	offCtx, cancel := context.WithTimeout(context.Background(), cfg.MinInterval)
	defer cancel()
	_ = status.SetStatus(offCtx, models.StatusOffline)

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("tracker stopped", "error", err)
		os.Exit(1)
	}
}

// randomWalk drifts around a starting point, for local runs and demos.
func randomWalk(lat, lon float64) tracker.PositionFunc {
	cur := models.Coord{Lat: lat, Lon: lon}
	return func() (models.Coord, error) {
		cur.Lat += (rand.Float64() - 0.5) * 0.001
		cur.Lon += (rand.Float64() - 0.5) * 0.001
		return cur, nil
	}
}

// gpsdRead would bridge to the host's location daemon; without one the
// provider reports permission denied and the loop never starts.
func gpsdRead() (models.Coord, error) {
	return models.Coord{}, tracker.ErrPermissionDenied
}
