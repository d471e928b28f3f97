/**
 * @description
 * This is the main entry point for the donation-service. It initializes configuration,
 * logging, storage, the ledger and IPFS clients, the message broker, the rate limiter,
 * the reconciliation scheduler and the HTTP server, then wires them together.
 *
 * @dependencies
 * - github.com/joho/godotenv: Loads .env files during local development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Backing store for donation rate limiting.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/ledgerclient, pkg/ipfsclient, pkg/rabbitmq: External clients.
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/soutien/donation-service/internal/api"
	"github.com/soutien/donation-service/internal/app"
	"github.com/soutien/donation-service/internal/config"
	"github.com/soutien/donation-service/internal/logging"
	"github.com/soutien/donation-service/internal/metrics"
	"github.com/soutien/donation-service/internal/store"
	"github.com/soutien/donation-service/pkg/ipfsclient"
	"github.com/soutien/donation-service/pkg/ledgerclient"
	rmrabbit "github.com/soutien/donation-service/pkg/rabbitmq"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.AppEnv, cfg.LogLevel)
	bootLog := logger.With().Str("component", "bootstrap").Logger()
	bootLog.Info().Str("port", cfg.ServerPort).Str("storage", cfg.StorageDriver).Msg("starting donation-service")

	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		bootLog.Warn().Str("env", "INTERNAL_API_KEY").Msg("internal api key not configured; internal routes are closed")
	}

	repository, closeStore := openRepository(cfg, bootLog)
	defer closeStore()

	rateLimiter, closeRedis := openRateLimiter(cfg, bootLog)
	defer closeRedis()

	var producer rmrabbit.Publisher
	eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		bootLog.Warn().Err(err).Msg("rabbitmq producer unavailable; using fallback")
		producer = &rmrabbit.EventProducerFallback{Logger: logger}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		bootLog.Info().Msg("rabbitmq producer connected")
	}

	ledgerClient := ledgerclient.NewClient(cfg.LedgerAPIBaseURL, cfg.LedgerAPIKey, cfg.LedgerRateLimitPerSecond, logger)
	ipfsClient := ipfsclient.NewClient(cfg.IPFSAPIURL, cfg.IPFSProjectID, cfg.IPFSProjectSecret, logger)
	serviceMetrics := metrics.New()

	donationService := app.NewService(
		repository,
		ledgerClient,
		ipfsClient,
		producer,
		rateLimiter,
		serviceMetrics,
		logger,
		app.Options{
			EventsExchange:      cfg.EventsExchange,
			TopicID:             cfg.LedgerTopicID,
			BadgeCollectionID:   cfg.BadgeCollectionID,
			BadgeCollectionName: cfg.BadgeCollectionName,
			TransferTimeout:     time.Duration(cfg.LedgerTransferTimeoutSecs) * time.Second,
			PendingGracePeriod:  time.Duration(cfg.PendingDonationGraceSeconds) * time.Second,
			ReconcileBatchSize:  cfg.ReconcileBatchSize,
		},
	)

	// Ledger status updates are optional; reconciliation covers their absence.
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		bootLog.Warn().Err(err).Msg("rabbitmq consumer unavailable; relying on reconciliation")
	} else {
		defer rabbitConsumer.Close()
		statusConsumer := app.NewLedgerStatusConsumer(donationService)
		bindings := map[string]func([]byte) bool{
			"ledger.transfer.success": statusConsumer.HandleMessage,
			"ledger.transfer.failure": statusConsumer.HandleMessage,
			"ledger.transfer.pending": statusConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.LedgerEventQueue, bindings); err != nil {
			bootLog.Error().Err(err).Msg("ledger status consumer start failed")
		}
	}

	scheduler := app.NewScheduler(donationService, logger, app.SchedulerConfig{
		PendingSchedule: cfg.ReconcileSchedule,
		EffectsSchedule: cfg.EffectsReconcileSchedule,
		BatchSize:       cfg.ReconcileBatchSize,
	})
	scheduler.Start()

	handlers := api.NewHandlers(donationService, logger)
	router := api.NewRouter(handlers, api.RouterConfig{
		Auth: api.AuthConfig{
			JWKSURL:  cfg.JWKSURL,
			Audience: cfg.JWTAudience,
			Issuer:   cfg.JWTIssuer,
		},
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
		Metrics:        serviceMetrics,
		Logger:         logger,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("component", "http").Str("addr", serverAddr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Str("component", "http").Err(err).Msg("server stopped unexpectedly")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info().Str("component", "http").Msg("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Str("component", "http").Err(err).Msg("shutdown failed")
	}
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		logger.Warn().Str("component", "scheduler").Msg("reconciliation jobs still running at shutdown")
	}

	logger.Info().Str("component", "http").Msg("shutdown complete")
}

// openRepository selects the storage backend. The memory driver is meant for local runs.
func openRepository(cfg config.Config, bootLog zerolog.Logger) (store.Repository, func()) {
	if strings.EqualFold(cfg.StorageDriver, "memory") {
		bootLog.Warn().Msg("using in-memory storage; data is lost on restart")
		return store.NewMemoryRepository(), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("database url parse failed")
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("database connection failed")
	}
	if err := dbpool.Ping(ctx); err != nil {
		bootLog.Fatal().Err(err).Msg("database ping failed")
	}
	bootLog.Info().Msg("database connected")

	if cfg.RunMigrations {
		if err := store.Migrate(ctx, dbpool); err != nil {
			bootLog.Fatal().Err(err).Msg("database migration failed")
		}
		bootLog.Info().Msg("database migrations applied")
	}

	return store.NewPostgresRepository(dbpool), dbpool.Close
}

// openRateLimiter returns nil when redis is not configured, which disables rate limiting.
func openRateLimiter(cfg config.Config, bootLog zerolog.Logger) (app.DonationRateLimiter, func()) {
	if cfg.DonationRateLimitPerMinute <= 0 {
		return nil, func() {}
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		bootLog.Warn().Str("env", "REDIS_URL").Msg("redis url missing; donation rate limiting disabled")
		return nil, func() {}
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		bootLog.Warn().Err(err).Msg("redis url parse failed; donation rate limiting disabled")
		return nil, func() {}
	}
	redisClient := redis.NewClient(redisOptions)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		bootLog.Warn().Err(err).Msg("redis ping failed; donation rate limiting disabled")
		redisClient.Close()
		return nil, func() {}
	}
	bootLog.Info().Msg("redis connected")

	limiter := app.NewRedisDonationRateLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.DonationRateLimitPerMinute)
	return limiter, func() { redisClient.Close() }
}
