package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Clark-Hu/marketplace-ratings/internal/config"
	"github.com/Clark-Hu/marketplace-ratings/internal/events"
	httpserver "github.com/Clark-Hu/marketplace-ratings/internal/http"
	"github.com/Clark-Hu/marketplace-ratings/internal/identity"
	"github.com/Clark-Hu/marketplace-ratings/internal/limiter"
	"github.com/Clark-Hu/marketplace-ratings/internal/logging"
	"github.com/Clark-Hu/marketplace-ratings/internal/memory"
	"github.com/Clark-Hu/marketplace-ratings/internal/metrics"
	"github.com/Clark-Hu/marketplace-ratings/internal/rating"
	"github.com/Clark-Hu/marketplace-ratings/internal/repository"
	"github.com/Clark-Hu/marketplace-ratings/internal/store"
)

const serviceName = "ratings"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(serviceName, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	scope, metricsCloser, metricsHandler := metrics.NewReporter(serviceName)
	defer metricsCloser.Close()

	deps := httpserver.Deps{
		Scope:          scope,
		MetricsHandler: metricsHandler,
		Logger:         logger,
		Limiter:        limiter.New(logger, float64(cfg.RatingRateLimit), cfg.RatingRateBurst),
	}

	var ratingStore rating.Store
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn("Using in-memory store; data is lost on restart")
		mem := memory.New(cfg.TxMaxAttempts, logger, scope)
		ratingStore = mem
		deps.Health = mem
		deps.Directory = mem
	default:
		dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		st, err := store.New(dbCtx, cfg.DBURL, store.Options{
			MaxConns:               int32(cfg.DBMaxConns),
			MinConns:               int32(cfg.DBMinConns),
			MaxConnIdleTime:        time.Duration(cfg.DBMaxIdleSecs) * time.Second,
			MaxConnLifetime:        time.Duration(cfg.DBMaxLifeSecs) * time.Second,
			ConnTimeout:            time.Duration(cfg.DBConnTimeoutSecs) * time.Second,
			StatementCacheCapacity: cfg.DBStatementCache,
			TxMaxAttempts:          cfg.TxMaxAttempts,
			Logger:                 logger,
			Scope:                  scope,
		})
		cancel()
		if err != nil {
			logger.Fatal("Failed to connect database", zap.Error(err))
		}
		defer st.Close()
		go st.ReportPoolStats(ctx, scope, 15*time.Second)

		repo := repository.New(st)
		ratingStore = repository.NewRatingStore(st, repo)
		deps.Health = st
		deps.Directory = repository.NewDirectory(repo)
	}

	publisher := events.Publisher(events.NopPublisher{})
	if brokers := strings.TrimSpace(cfg.KafkaBrokers); brokers != "" {
		kp, err := events.NewKafkaPublisher(brokers, cfg.KafkaTopic, logger)
		if err != nil {
			logger.Fatal("Failed to initialize rating event publisher", zap.Error(err))
		}
		defer kp.Close()
		publisher = kp
	}
	deps.Ratings = rating.New(ratingStore, publisher, logger)

	if cfg.IdentityURL != "" {
		client, err := identity.NewHTTPClient(cfg.IdentityURL, cfg.IdentityAPIKey, time.Duration(cfg.IdentityTimeoutSecs)*time.Second, logger)
		if err != nil {
			logger.Fatal("Failed to initialize identity client", zap.Error(err))
		}
		deps.Identity = client
	} else {
		logger.Warn("IDENTITY_URL not set; trusting bearer tokens as user ids")
		deps.Identity = identity.HeaderResolver{}
	}

	server := httpserver.New(cfg, deps)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			serverErrCh <- err
			return
		}
		serverErrCh <- nil
	}()

	select {
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", zap.Error(err))
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("Graceful shutdown error", zap.Error(err))
	}
	logger.Info("Server stopped")
}
