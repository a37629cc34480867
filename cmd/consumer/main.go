package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ambulance-dispatch/internal/booking"
	"github.com/example/ambulance-dispatch/internal/config"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/ingest"
	"github.com/example/ambulance-dispatch/internal/logging"
	"github.com/example/ambulance-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total booking event messages consumed",
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
	_ = godotenv.Load()
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger("position-mirror", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	positions := geo.NewRedisPositions(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	rc := positions.Client()

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
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroupID, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = positions.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroupID)

	m := &mirror{rc: positions, geoKey: cfg.RedisGeoKey, attempts: cfg.MaxRetries, delay: cfg.RetryBase, logger: logger}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()
		m.handle(ctx, msg.Value)
	}
}

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

// mirror projects booking events onto the Redis position view.
type mirror struct {
	rc       RedisUpdater
	geoKey   string
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

func (m *mirror) handle(ctx context.Context, value []byte) {
	env, pos, ok, err := ingest.DecodePosition(value)
	if err != nil {
		msgsInvalid.Inc()
		m.logger.Warn("invalid message", "error", err)
		return
	}
	if ok {
		if err := updateRedisWithRetry(ctx, m.rc, m.geoKey, env.BookingID, pos, m.attempts, m.delay); err != nil {
			redisErrors.Inc()
			m.logger.Error("redis update failed", "vehicle_id", pos.VehicleID, "booking_id", env.BookingID, "error", err)
			return
		}
		redisUpdates.Inc()
		return
	}

	_, sc, ok, err := ingest.DecodeStatus(value)
	if err != nil {
		msgsInvalid.Inc()
		m.logger.Warn("invalid message", "error", err)
		return
	}
	if !ok || sc.VehicleID == "" || !booking.IsTerminal(sc.To) {
		return
	}
	// the vehicle is free again once its booking ends
	if err := m.rc.HSet(ctx, geo.MetaKey(sc.VehicleID), map[string]interface{}{"booking_id": ""}); err != nil {
		redisErrors.Inc()
		m.logger.Error("redis release failed", "vehicle_id", sc.VehicleID, "booking_id", env.BookingID, "error", err)
		return
	}
	redisUpdates.Inc()
}

// updateRedisWithRetry updates redis using the RedisUpdater interface with retry/backoff.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey, bookingID string, p models.PositionUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: p.Location.Lon, Latitude: p.Location.Lat, Name: p.VehicleID}); err == nil {
			err = rc.HSet(ctx, geo.MetaKey(p.VehicleID), map[string]interface{}{
				"booking_id":  bookingID,
				"loc":         geo.FormatCoord(p.Location),
				"eta_minutes": p.ETAMinutes,
				"updated":     time.Now().UTC().Format(time.RFC3339),
			})
		}
		if err == nil {
			return nil
		}
		if i == attempts-1 || !sleepCtx(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
