package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/delivery-relay/internal/bus"
	"github.com/example/delivery-relay/internal/config"
	"github.com/example/delivery-relay/internal/dispatch"
	"github.com/example/delivery-relay/internal/eta"
	"github.com/example/delivery-relay/internal/geo"
	httpapi "github.com/example/delivery-relay/internal/http"
	"github.com/example/delivery-relay/internal/ingest"
	"github.com/example/delivery-relay/internal/logging"
	"github.com/example/delivery-relay/internal/matcher"
	"github.com/example/delivery-relay/internal/models"
	"github.com/example/delivery-relay/internal/payments"
	"github.com/example/delivery-relay/internal/registry"
	"github.com/example/delivery-relay/internal/relay"
	"github.com/example/delivery-relay/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var (
		index   geo.Geo
		readyFn func(context.Context) error
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		index = geo.NewRedisGeoWithClient(rc, cfg.RedisGeoKey)
		readyFn = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		logger.Info("geo index on redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		index = geo.NewIndex()
		logger.Info("geo index in memory")
	}

	var store storage.OfferStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			applied, err := ps.Migrate(ctx)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "files", applied)
		}
		store = ps
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaOfferTopic, logger)
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Warn("kafka close failed", "error", err)
			}
		}()
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(time.Minute), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}

	reg := registry.New(cfg.WSSendBuffer, logger)
	b := bus.New(reg, logger)

	relayOpts := relay.Options{
		Geo:        index,
		Policy:     cfg.LocationPolicy,
		StaleAfter: cfg.LocationStaleAfter,
		Logger:     logger,
	}
	dispatchOpts := dispatch.Options{
		Timeout:               cfg.OfferTimeout,
		Retention:             cfg.OfferRetention,
		ExpireWhenAllDeclined: cfg.OfferExpireOnAllDeclined,
		Selector: &matcher.Selector{
			Geo:     index,
			ETA:     estimator,
			Origin:  models.Coord{Lat: cfg.StoreLat, Lon: cfg.StoreLon},
			RadiusM: cfg.DispatchRadiusM,
			TopN:    cfg.DispatchMaxDrivers,
		},
		Store: store,
		OnExpired: func(o models.Offer) {
			logger.Warn("urgent order needs manual assignment", "order_id", o.OrderID, "offer_id", o.ID)
		},
		Logger: logger,
	}
	if producer != nil {
		relayOpts.Sink = producer
		dispatchOpts.Events = producer
	}
	rl := relay.New(b, relayOpts)
	coord := dispatch.New(b, reg, dispatchOpts)
	defer coord.Close()

	reg.OnDisconnect(func(role models.Role, identity string) {
		if role == models.RoleDriver {
			rl.DriverDisconnected(identity)
		}
	})

	var verifier *payments.WebhookVerifier
	if cfg.StripeWebhookSecret != "" {
		verifier = payments.NewWebhookVerifier(cfg.StripeWebhookSecret)
	}

	// workers outlive the HTTP server so the final disconnects get mirrored;
	// they flush their queues before the producer and store close
	workers, cancelWorkers := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rl.Run(workers)
	}()
	go func() {
		defer wg.Done()
		coord.Run(workers)
	}()
	defer func() {
		cancelWorkers()
		wg.Wait()
		logger.Info("workers drained")
	}()

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewServer(httpapi.Deps{
			Registry:     reg,
			Bus:          b,
			Relay:        rl,
			Coordinator:  coord,
			Payments:     verifier,
			Ready:        readyFn,
			PingInterval: cfg.WSPingInterval,
			Logger:       logger,
		}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("delivery-relay listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	// hijacked sockets are not tracked by Shutdown
	for _, c := range reg.FindByRole(models.RoleCustomer, models.RoleAdmin, models.RoleDriver) {
		reg.Unregister(c.ID)
	}
	return nil
}
