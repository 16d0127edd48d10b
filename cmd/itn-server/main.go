// Package main is the entry point for the notification receiver.
//
// It loads configuration, wires the gateway client, cache, optional
// deduplication store and notification processor, and serves the webhook
// endpoint until interrupted. Graceful shutdown is handled via OS signal
// interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"payfast/internal/api/handlers"
	"payfast/internal/cache"
	"payfast/internal/config"
	"payfast/internal/db"
	"payfast/internal/external"
	"payfast/internal/itn"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main can cleanly exit on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("notification receiver starting",
		"environment", cfg.Environment,
		"sandbox", cfg.API.Sandbox,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var snapshotCache cache.Cache = cache.NewMemory()
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password.Unmask(),
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		snapshotCache = cache.NewRedis(redisClient)
		logger.Info("using shared redis cache", "addr", cfg.Redis.Addr)
	}

	client := external.NewClient(external.ClientConfig{
		MerchantID:      cfg.Merchant.MerchantID,
		Passphrase:      cfg.Merchant.Passphrase,
		APIRoot:         cfg.API.APIRoot,
		APIVersion:      cfg.API.APIVersion,
		Host:            cfg.Host(),
		Sandbox:         cfg.API.Sandbox,
		GracePeriodDays: cfg.ITN.GracePeriodDays,
		Timeout:         cfg.API.Timeout,
	},
		external.WithCache(snapshotCache, cfg.Cache.TTL, cfg.Cache.KeyPrefix),
		external.WithClientLogger(logger),
	)

	validator := external.NewValidator(cfg.ValidateURL(), cfg.Merchant.Passphrase,
		external.WithValidatorLogger(logger))

	allowList, err := itn.NewIPAllowList(cfg.ITN.AllowedSources)
	if err != nil {
		return fmt.Errorf("parsing allowed sources: %w", err)
	}

	processorOpts := []itn.ProcessorOption{
		itn.WithLogger(logger),
		itn.WithSubscriptionAPI(client),
	}
	if dsn := cfg.Database.DSN(); dsn != "" {
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return fmt.Errorf("parsing database url: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxConns)
		poolCfg.MaxConnLifetime = cfg.Database.Lifetime
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()
		processorOpts = append(processorOpts,
			itn.WithIdempotencyStore(db.NewNotificationStore(pool, logger)))
		logger.Info("notification deduplication enabled")
	}

	processor := itn.NewProcessor(
		cfg.Merchant.MerchantID,
		cfg.Merchant.Passphrase,
		allowList,
		validator,
		expectedAmountFromMetadata(logger),
		processorOpts...,
	)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	handlers.NewWebhookHandler(processor, true, logger).RegisterRoutes(router)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// expectedAmountFromMetadata resolves expected amounts from the recurring
// amount this process attached at payment time. Real deployments replace
// this with a lookup against their own order storage.
func expectedAmountFromMetadata(logger *slog.Logger) itn.ExpectedAmountLookup {
	return func(ctx context.Context, mPaymentID string) (decimal.Decimal, bool, error) {
		logger.WarnContext(ctx, "no expected amount source configured",
			"m_payment_id", mPaymentID)
		return decimal.Zero, false, nil
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
