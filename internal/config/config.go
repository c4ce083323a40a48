package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Location retention policies applied when a driver disconnects.
const (
	LocationRetain = "retain"
	LocationEvict  = "evict"
)

// ServerConfig captures all tunable parameters for the relay process.
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

	KafkaBrokers    []string
	KafkaTopic      string
	KafkaOfferTopic string

	PGDSN string

	OfferTimeout             time.Duration
	OfferRetention           time.Duration
	OfferExpireOnAllDeclined bool
	DispatchRadiusM          float64
	DispatchMaxDrivers       int
	StoreLat                 float64
	StoreLon                 float64
	DefaultSpeedMps          float64
	OSRMURL                  string

	LocationPolicy     string
	LocationStaleAfter time.Duration

	WSSendBuffer   int
	WSPingInterval time.Duration

	StripeWebhookSecret string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_locations",
		KafkaTopic:         "driver-locations",
		KafkaOfferTopic:    "urgent-offer-events",
		OfferTimeout:       30 * time.Second,
		OfferRetention:     10 * time.Minute,
		StoreLat:           23.1793,
		StoreLon:           75.7849,
		DefaultSpeedMps:    8,
		LocationPolicy:     LocationRetain,
		LocationStaleAfter: 2 * time.Minute,
		WSSendBuffer:       64,
		WSPingInterval:     30 * time.Second,
		LogLevel:           "info",
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
	setStringFromEnv(&cfg.KafkaOfferTopic, "KAFKA_OFFER_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setDurationFromEnv(&cfg.OfferTimeout, "OFFER_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.OfferRetention, "OFFER_RETENTION", &errs)
	setBoolFromEnv(&cfg.OfferExpireOnAllDeclined, "OFFER_EXPIRE_ON_ALL_DECLINE", &errs)
	setFloatFromEnv(&cfg.DispatchRadiusM, "DISPATCH_RADIUS_M", &errs)
	setIntFromEnv(&cfg.DispatchMaxDrivers, "DISPATCH_MAX_DRIVERS", &errs)
	setFloatFromEnv(&cfg.StoreLat, "STORE_LAT", &errs)
	setFloatFromEnv(&cfg.StoreLon, "STORE_LON", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")

	if v := os.Getenv("LOCATION_POLICY"); v != "" {
		cfg.LocationPolicy = strings.ToLower(strings.TrimSpace(v))
	}
	setDurationFromEnv(&cfg.LocationStaleAfter, "LOCATION_STALE_AFTER", &errs)

	setIntFromEnv(&cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)
	setDurationFromEnv(&cfg.WSPingInterval, "WS_PING_INTERVAL", &errs)

	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if cfg.DispatchMaxDrivers < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_DRIVERS must be >= 0"))
	}
	if cfg.WSSendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_BUFFER must be > 0"))
	}
	if cfg.LocationPolicy != LocationRetain && cfg.LocationPolicy != LocationEvict {
		errs = append(errs, fmt.Errorf("LOCATION_POLICY must be %q or %q", LocationRetain, LocationEvict))
	}
	if cfg.StoreLat < -90 || cfg.StoreLat > 90 || cfg.StoreLon < -180 || cfg.StoreLon > 180 {
		errs = append(errs, fmt.Errorf("STORE_LAT/STORE_LON out of range"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the Kafka to Redis location consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	Attempts      int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "delivery-relay-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_locations",
		Attempts:     3,
		RetryDelay:   200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "CONSUMER_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.Attempts, "CONSUMER_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_ATTEMPTS must be > 0"))
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

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
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
