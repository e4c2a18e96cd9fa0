package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"custodial-ledger/config"
	kafkaEvents "custodial-ledger/internal/adapter/events/kafka"
	httpHandler "custodial-ledger/internal/adapter/http/handler"
	"custodial-ledger/internal/adapter/http/middleware"
	memStorage "custodial-ledger/internal/adapter/storage/memory"
	pgStorage "custodial-ledger/internal/adapter/storage/postgres"
	redisStorage "custodial-ledger/internal/adapter/storage/redis"
	"custodial-ledger/internal/core/ports"
	"custodial-ledger/internal/ledger"
	"custodial-ledger/internal/service"
	"custodial-ledger/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// A .env file is optional; real environment variables take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	gin.SetMode(cfg.Server.Mode)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Str("auth_mode", cfg.Auth.Mode).
		Str("transfer_mode", cfg.Transfer.Mode).
		Uint64("withdrawal_limit", cfg.Ledger.WithdrawalLimit).
		Uint64("bank_cap", cfg.Ledger.BankCap).
		Msg("Starting Custodial Ledger")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		journal    ports.JournalStore
		idempRepo  ports.IdempotencyRepository
		idempCache ports.IdempotencyCache
		nonceStore ports.NonceStore
		rlStore    *redisStorage.RateLimitStore
		publishers []ports.EventPublisher
		checkers   []ports.HealthChecker
	)

	// PostgreSQL: journal and durable idempotency receipts
	if cfg.Database.Enabled {
		pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer pool.Close()
		if err := pgStorage.EnsureSchema(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply schema")
		}
		log.Info().Msg("PostgreSQL connected")

		journal = pgStorage.NewJournalRepo(pool)
		idempRepo = pgStorage.NewIdempotencyRepo(pool)
		checkers = append(checkers, pgStorage.NewHealthCheck(pool))
	}

	// Redis: receipt cache, nonces, rate limits and the event stream
	if cfg.Redis.Enabled {
		rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		log.Info().Msg("Redis connected")

		idempCache = redisStorage.NewIdempotencyCache(rdb)
		nonceStore = redisStorage.NewNonceStore(rdb)
		rlStore = redisStorage.NewRateLimitStore(rdb)
		if cfg.Redis.Stream != "" {
			publishers = append(publishers, redisStorage.NewStreamPublisher(rdb, cfg.Redis.Stream))
		}
		checkers = append(checkers, redisStorage.NewHealthCheck(rdb))
	} else if !cfg.Database.Enabled {
		idempCache = memStorage.NewIdempotencyCache()
		log.Warn().Msg("No Redis or PostgreSQL configured, idempotency receipts kept in memory")
	}

	// Kafka: event fan-out
	if cfg.Kafka.Enabled {
		kp := kafkaEvents.NewPublisher(cfg.Kafka)
		defer func() {
			if err := kp.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close Kafka writer")
			}
		}()
		publishers = append(publishers, kp)
		checkers = append(checkers, kafkaEvents.NewHealthCheck(cfg.Kafka.Brokers))
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Kafka publisher configured")
	}

	if len(publishers) == 0 {
		publishers = append(publishers, service.NewLogPublisher(logger.Component(log, "events")))
	}

	dispatcher := service.NewEventDispatcher(journal, publishers, 0, logger.Component(log, "dispatcher"))

	// Asset transfer on withdrawal
	sigSvc := service.NewHMACSignatureService()
	var transferrer ports.AssetTransferrer
	switch cfg.Transfer.Mode {
	case config.TransferModePayout:
		transferrer = service.NewPayoutTransferrer(service.PayoutConfig{
			URL:           cfg.Transfer.PayoutURL,
			SigningSecret: cfg.Transfer.SigningSecret,
			Asset:         cfg.Transfer.Asset,
			AssetScale:    cfg.Transfer.AssetScale,
			Timeout:       cfg.Transfer.Timeout,
		}, sigSvc, &http.Client{Timeout: cfg.Transfer.Timeout}, logger.Component(log, "payout"))
	default:
		transferrer = service.NewLogicalTransferrer(logger.Component(log, "transfer"))
	}

	led := ledger.New(
		ledger.Config{
			WithdrawalLimit: cfg.Ledger.WithdrawalLimit,
			BankCap:         cfg.Ledger.BankCap,
		},
		ledger.WithTransferrer(transferrer),
		ledger.WithObserver(dispatcher),
		ledger.WithLockTimeout(cfg.Ledger.LockTimeout),
	)

	ledgerSvc := service.NewLedgerService(service.LedgerServiceDeps{
		Ledger:     led,
		IdempCache: idempCache,
		IdempRepo:  idempRepo,
		Journal:    journal,
		Log:        logger.Component(log, "ledger"),
	})

	// Rebuild state from the journal before accepting requests
	lastHash, err := ledgerSvc.Recover(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to recover ledger from journal")
	}
	dispatcher.Resume(lastHash)

	go dispatcher.Run(context.WithoutCancel(ctx))

	var tokenSvc ports.TokenService
	if cfg.Auth.Mode == config.AuthModeJWT {
		tokenSvc = service.NewJWTTokenService(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry, cfg.Auth.JWTIssuer)
	}

	// Setup Gin router with all routes
	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		LedgerSvc:      ledgerSvc,
		AuthMode:       cfg.Auth.Mode,
		TokenSvc:       tokenSvc,
		AdminKey:       cfg.Auth.AdminKey,
		SigSvc:         sigSvc,
		HMACSecret:     cfg.Auth.HMACSecret,
		NonceStore:     nonceStore,
		RateLimitStore: rlStore,
		RateLimits:     middleware.PerMinuteRules(cfg.RateLimit.Deposits, cfg.RateLimit.Withdrawals, cfg.RateLimit.Reads),
		HealthCheckers: checkers,
		Logger:         log,
	})

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Int("pending", dispatcher.Pending()).Msg("Event dispatcher closed with errors")
	}

	log.Info().Msg("Server exited")
}
