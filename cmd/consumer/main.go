package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/delivery-relay/internal/config"
	"github.com/example/delivery-relay/internal/geo"
	"github.com/example/delivery-relay/internal/logging"
	"github.com/example/delivery-relay/internal/models"
	"github.com/example/delivery-relay/internal/relay"
)

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "delivery_relay",
		Name:      "consumer_messages_consumed_total",
		Help:      "Driver location messages consumed",
	})
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "delivery_relay",
		Name:      "consumer_messages_invalid_total",
		Help:      "Location messages that failed to decode or validate",
	})
	geoUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "delivery_relay",
		Name:      "consumer_geo_updates_total",
		Help:      "Geo index writes by result",
	}, []string{"result"})
)

// GeoWriter is the part of geo.RedisGeo the consumer needs.
type GeoWriter interface {
	Upsert(ctx context.Context, driverID string, loc models.Coord) error
	Remove(ctx context.Context, driverID string) error
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	index := geo.NewRedisGeoWithClient(rc, cfg.RedisGeoKey)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

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
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		sample, err := decodeSample(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}
		if err := applyWithRetry(ctx, index, sample, cfg.Attempts, cfg.RetryDelay); err != nil {
			geoUpdates.WithLabelValues("error").Inc()
			logger.Error("geo update failed", "driver_id", sample.DriverID, "error", err)
			continue
		}
		geoUpdates.WithLabelValues("ok").Inc()
	}
}

func decodeSample(b []byte) (models.LocationSample, error) {
	var s models.LocationSample
	if err := json.Unmarshal(b, &s); err != nil {
		return s, err
	}
	if s.DriverID == "" {
		return s, errors.New("missing driverId")
	}
	if s.Online {
		if err := relay.ValidateCoordinate(s.Lat, s.Lon); err != nil {
			return s, err
		}
	}
	return s, nil
}

// applyWithRetry upserts online samples and removes offline ones, retrying
// with exponential backoff.
func applyWithRetry(ctx context.Context, w GeoWriter, s models.LocationSample, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if s.Online {
			err = w.Upsert(ctx, s.DriverID, s.Coord())
		} else {
			err = w.Remove(ctx, s.DriverID)
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
