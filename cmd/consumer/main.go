package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/gf5-dispatch/internal/ingest"
	"github.com/example/gf5-dispatch/internal/logging"
	"github.com/example/gf5-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.ForProcess(logging.NewLogger(os.Getenv("LOG_LEVEL")), "consumer")

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "driver-locations"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "gf5-dispatch-consumer"
	}
	geoKey := os.Getenv("REDIS_GEO_KEY")
	if geoKey == "" {
		geoKey = "drivers_geo"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr})
	applier := &redisApplier{c: rc, geoKey: geoKey}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", topic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		var msg ingest.LocationMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil || msg.DriverID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err)
			continue
		}

		// apply the batched driver+vehicle update with retries and small backoff
		if err := applyWithRetry(ctx, applier, msg, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "driver_id", msg.DriverID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

// PositionApplier is the small surface we need from the store, kept as an
// interface so tests can count calls and inject failures.
type PositionApplier interface {
	ApplyPosition(ctx context.Context, msg ingest.LocationMessage) error
	ApplyMeta(ctx context.Context, msg ingest.LocationMessage) error
}

type redisApplier struct {
	c      *redis.Client
	geoKey string
}

// ApplyPosition commits one sample to the driver and vehicle records plus the
// GEO set in a single transactional pipeline.
func (r *redisApplier) ApplyPosition(ctx context.Context, msg ingest.LocationMessage) error {
	fields := map[string]interface{}{
		"latitude":  strconv.FormatFloat(msg.Position.Lat, 'f', -1, 64),
		"longitude": strconv.FormatFloat(msg.Position.Lon, 'f', -1, 64),
		"timestamp": strconv.FormatInt(msg.Position.Timestamp.UnixMilli(), 10),
	}
	_, err := r.c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, "driver:pos:"+msg.DriverID, fields)
		pipe.HSet(ctx, "vehicle:pos:"+msg.DriverID, fields)
		pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Longitude: msg.Position.Lon, Latitude: msg.Position.Lat, Name: msg.DriverID})
		return nil
	})
	return err
}

// ApplyMeta refreshes the driver's metadata hash for snapshot messages that
// carry it; bare tracker samples skip this.
func (r *redisApplier) ApplyMeta(ctx context.Context, msg ingest.LocationMessage) error {
	if msg.Status == "" && msg.Name == "" {
		return nil
	}
	fields := map[string]interface{}{}
	if msg.Name != "" {
		fields["name"] = msg.Name
		fields["rating"] = strconv.FormatFloat(msg.Rating, 'f', -1, 64)
		fields["model"] = msg.Vehicle.Model
		fields["plate"] = msg.Vehicle.LicensePlate
	}
	if msg.Status != "" {
		fields["status"] = string(msg.Status)
	}
	_, err := r.c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, "driver:meta:"+msg.DriverID, fields)
		if msg.Status == models.StatusAvailable {
			pipe.SAdd(ctx, "drivers:available", msg.DriverID)
		} else if msg.Status != "" {
			pipe.SRem(ctx, "drivers:available", msg.DriverID)
		}
		return nil
	})
	return err
}

// applyWithRetry applies position then metadata with retry/backoff.
func applyWithRetry(ctx context.Context, pa PositionApplier, msg ingest.LocationMessage, attempts int, delay time.Duration) error {
	for i := 0; i < attempts; i++ {
		if err := pa.ApplyPosition(ctx, msg); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		if err := pa.ApplyMeta(ctx, msg); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}
