package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/drivers"
	"github.com/example/ride-dispatch/internal/feedback"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("ride-dispatch: %v", err)
	}
}

func run() error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		if cfg.RunMigrations {
			b, err := os.ReadFile(filepath.Join("migrations", "001_schema.sql"))
			if err != nil {
				return err
			}
			if _, err := ps.DB().Exec(string(b)); err != nil {
				return err
			}
			logger.Info("migration applied", "file", "001_schema.sql")
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var gindex geo.Geo
	if cfg.RedisAddr != "" {
		gindex = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-memory geo index")
		gindex = geo.NewIndex()
	}

	var publisher drivers.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	}

	var gateway payments.OrderCreator
	switch cfg.PaymentGateway {
	case "stripe":
		gateway = payments.NewStripeGateway(cfg.StripeAPIKey)
	default:
		gateway = payments.NewRazorpayClient(cfg.RazorpayKeyID, cfg.RazorpaySecret)
	}

	engine := &rides.Engine{Store: store, Geo: gindex, DiscoveryRadius: cfg.DiscoveryRadiusM, Logger: logger}
	registry := &drivers.Registry{Store: store, Geo: gindex, Publisher: publisher, NearbyRadius: cfg.NearbyRadiusM, Logger: logger}
	agg := &feedback.Aggregator{Store: store, Logger: logger}
	ledger := &payments.Ledger{Store: store, Gateway: gateway, Secret: []byte(cfg.WebhookSecret), Currency: cfg.PaymentCurrency, Logger: logger}
	authSvc := auth.NewService([]byte(cfg.JWTSecret), cfg.JWTTTL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// repair any availability drift left by a previous crash before serving
	if repaired, err := engine.Reconcile(ctx); err != nil {
		logger.Warn("boot reconcile failed", "error", err)
	} else if repaired > 0 {
		logger.Info("boot reconcile", "repaired", repaired)
	}

	srv := httpapi.NewServer(engine, registry, agg, ledger, authSvc, store, cfg.MapQuestKey, logger)
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	logger.Info("shutting down", "grace", cfg.ShutdownTimeout)
	return httpSrv.Shutdown(shutdownCtx)
}
