package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/example/ambulance-dispatch/internal/booking"
	"github.com/example/ambulance-dispatch/internal/config"
	"github.com/example/ambulance-dispatch/internal/fare"
	"github.com/example/ambulance-dispatch/internal/geo"
	httpapi "github.com/example/ambulance-dispatch/internal/http"
	"github.com/example/ambulance-dispatch/internal/ingest"
	"github.com/example/ambulance-dispatch/internal/logging"
	"github.com/example/ambulance-dispatch/internal/matcher"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/notify"
	"github.com/example/ambulance-dispatch/internal/payments"
	"github.com/example/ambulance-dispatch/internal/storage"
	"github.com/example/ambulance-dispatch/internal/tracking"
)

func main() {
	// a missing .env is fine; the environment wins either way
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("dispatch-api", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.BookingStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx, cfg.MigrationPath); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migration applied", "path", cfg.MigrationPath)
		}
		store = ps
	}

	wsreg := notify.NewWSRegistry(logger)
	sinks := notify.Multi{notify.LogSink{Logger: logger}, wsreg, httpapi.CloseOnTerminal(wsreg)}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer kp.Close()
		sinks = append(sinks, kp)
	}

	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.WebhookURL, cfg.WebhookToken, logger))
	}

	var positions httpapi.PositionStore
	if cfg.RedisAddr != "" {
		rp := geo.NewRedisPositions(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rp.Close()
		positions = rp
	}

	var charger payments.Charger
	if sc := payments.NewStripeClient(cfg.StripeAPIKey); sc != nil {
		charger = sc
	}

	card := fare.DefaultRateCard()
	card.BaseFare = cfg.FareBase
	card.PerKm = cfg.FarePerKm
	card.TaxRate = cfg.FareTaxRate
	card.Currency = cfg.FareCurrency

	mgr := booking.NewManager(booking.Config{
		Store:    store,
		Notifier: sinks,
		Fares:    fare.NewEngine(card),
		Selector: &matcher.Selector{TopN: cfg.MatcherTopN},
		Tracking: tracking.Config{
			Interval:     cfg.TrackingInterval,
			StepDegrees:  cfg.TrackingStepDegrees,
			MinutesPerKm: cfg.MinutesPerKm,
			Strict:       cfg.StrictTracking,
			Logger:       logger,
		},
		RouteSteps:   cfg.RouteSteps,
		MinutesPerKm: cfg.MinutesPerKm,
		Logger:       logger,
	})
	defer mgr.Close()

	srv := httpapi.NewServer(httpapi.Deps{
		Bookings: mgr,
		Pool:     geo.NewIndex(),
		Locator: &geo.Locator{
			Timeout:  cfg.GeolocationTimeout,
			Fallback: models.Coord{Lat: cfg.DefaultPickupLat, Lon: cfg.DefaultPickupLon},
			Logger:   logger,
		},
		WSReg:     wsreg,
		Charger:   charger,
		Positions: positions,
		Logger:    logger,
	})

	hs := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ambulance-dispatch listening", "addr", cfg.HTTPAddr)
		errCh <- hs.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	logger.Info("shutdown complete")
}
