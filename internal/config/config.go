package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	PGDSN         string
	MigrationPath string

	TrackingInterval    time.Duration
	TrackingStepDegrees float64
	StrictTracking      bool
	MinutesPerKm        float64
	RouteSteps          int
	MatcherTopN         int

	FareBase     float64
	FarePerKm    float64
	FareTaxRate  float64
	FareCurrency string

	DefaultPickupLat   float64
	DefaultPickupLon   float64
	GeolocationTimeout time.Duration

	StripeAPIKey string

	WebhookURL   string
	WebhookToken string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "ambulances_geo",
		KafkaTopic:          "booking-events",
		KafkaGroupID:        "ambulance-position-mirror",
		MigrationPath:       "migrations/001_create_bookings.sql",
		TrackingInterval:    5 * time.Second,
		TrackingStepDegrees: 0.004,
		MinutesPerKm:        2,
		RouteSteps:          20,
		MatcherTopN:         10,
		FareBase:            500,
		FarePerKm:           18,
		FareTaxRate:         0.18,
		FareCurrency:        "INR",
		DefaultPickupLat:    28.6139,
		DefaultPickupLon:    77.2090,
		GeolocationTimeout:  3 * time.Second,
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.MigrationPath, "MIGRATION_PATH")

	setDurationFromEnv(&cfg.TrackingInterval, "TRACKING_INTERVAL", &errs)
	setFloatFromEnv(&cfg.TrackingStepDegrees, "TRACKING_STEP_DEGREES", &errs)
	cfg.StrictTracking = strings.EqualFold(os.Getenv("STRICT_TRACKING"), "true")
	setFloatFromEnv(&cfg.MinutesPerKm, "ETA_MINUTES_PER_KM", &errs)
	setIntFromEnv(&cfg.RouteSteps, "ROUTE_STEPS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "DISPATCH_TOP_N", &errs)

	setFloatFromEnv(&cfg.FareBase, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.FarePerKm, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.FareTaxRate, "FARE_TAX_RATE", &errs)
	setStringFromEnv(&cfg.FareCurrency, "FARE_CURRENCY")

	setFloatFromEnv(&cfg.DefaultPickupLat, "DEFAULT_PICKUP_LAT", &errs)
	setFloatFromEnv(&cfg.DefaultPickupLon, "DEFAULT_PICKUP_LON", &errs)
	setDurationFromEnv(&cfg.GeolocationTimeout, "GEOLOCATION_TIMEOUT", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.WebhookURL = strings.TrimSpace(os.Getenv("WEBHOOK_URL"))
	cfg.WebhookToken = os.Getenv("WEBHOOK_TOKEN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_TOP_N must be > 0"))
	}
	if cfg.RouteSteps < 1 {
		errs = append(errs, fmt.Errorf("ROUTE_STEPS must be >= 1"))
	}
	if cfg.TrackingInterval <= 0 {
		errs = append(errs, fmt.Errorf("TRACKING_INTERVAL must be > 0"))
	}
	if cfg.TrackingStepDegrees <= 0 {
		errs = append(errs, fmt.Errorf("TRACKING_STEP_DEGREES must be > 0"))
	}
	if cfg.MinutesPerKm <= 0 {
		errs = append(errs, fmt.Errorf("ETA_MINUTES_PER_KM must be > 0"))
	}
	if cfg.FareBase < 0 || cfg.FarePerKm < 0 || cfg.FareTaxRate < 0 {
		errs = append(errs, fmt.Errorf("fare rates must be >= 0"))
	}
	if cfg.DefaultPickupLat < -90 || cfg.DefaultPickupLat > 90 || cfg.DefaultPickupLon < -180 || cfg.DefaultPickupLon > 180 {
		errs = append(errs, fmt.Errorf("default pickup out of range"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the position mirror process.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr string
	MaxRetries  int
	RetryBase   time.Duration
	LogLevel    string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "booking-events",
		KafkaGroupID: "ambulance-position-mirror",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "ambulances_geo",
		MetricsAddr:  ":9102",
		MaxRetries:   5,
		RetryBase:    100 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.MaxRetries, "REDIS_MAX_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryBase, "REDIS_RETRY_BASE", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("REDIS_MAX_RETRIES must be >= 1"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
