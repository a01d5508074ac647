package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"shopimage/internal/adapter/repo"
	"shopimage/internal/http/handlers"
	"shopimage/internal/http/httpapi"
	"shopimage/internal/infra"
	"shopimage/internal/jobs"
	"shopimage/internal/ledger"
	"shopimage/internal/queue"
	"shopimage/internal/retry"
	"shopimage/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)
	if cfg.JWTSecret == "" {
		logger.Fatal().Msg("api: JWT_SECRET is required")
	}
	if cfg.ShopifyAPISecret == "" {
		logger.Warn().Msg("api: SHOPIFY_API_SECRET not set, purchase webhooks will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: db connection failed")
	}
	defer pool.Close()
	runner := infra.NewSQLRunner(pool, logger)

	store, files, err := storage.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: storage init failed")
	}

	conn, err := queue.Dial(cfg.AMQPURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: amqp connection failed")
	}
	defer conn.Close()
	publisher, err := queue.NewPublisher(conn)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: amqp publisher failed")
	}
	defer publisher.Close()

	credits := ledger.New(runner, logger)
	coordinator := jobs.NewCoordinator(jobs.CoordinatorDeps{
		Jobs:         repo.NewJobRepository(runner),
		Ledger:       credits,
		Store:        store,
		Publisher:    publisher,
		Retry:        retry.Policy{MaxAttempts: cfg.SubmitMaxAttempts, BaseDelay: cfg.SubmitBaseDelay, MaxDelay: cfg.SubmitMaxDelay, Jitter: true},
		SignedURLTTL: cfg.SignedURLTTL,
		Logger:       logger,
	})

	app := &handlers.App{
		Jobs:            coordinator,
		Credits:         credits,
		Store:           store,
		Files:           files,
		DB:              pool,
		Logger:          logger,
		SignedURLTTL:    cfg.SignedURLTTL,
		StartingCredits: cfg.StartingCredits,
		WebhookSecret:   cfg.ShopifyAPISecret,
		MaxUploadBytes:  cfg.MaxUploadBytes,
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:          cfg.JWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:             logger,
		SubmitRateLimit:    cfg.SubmitRateLimit,
	})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on %s", server.Addr())
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
