package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"shopimage/internal/adapter/repo"
	"shopimage/internal/infra"
	"shopimage/internal/jobs"
	"shopimage/internal/ledger"
	"shopimage/internal/lock"
	"shopimage/internal/providers/processor"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()
	runner := infra.NewSQLRunner(pool, logger)

	store, _, err := storage.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: storage init failed")
	}

	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: redis connection failed")
	}
	defer redisClient.Close()

	conn, err := queue.Dial(cfg.AMQPURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: amqp connection failed")
	}
	defer conn.Close()
	publisher, err := queue.NewPublisher(conn)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: amqp publisher failed")
	}
	defer publisher.Close()
	consumer, err := queue.NewConsumer(conn, queue.ConsumerOptions{
		Queue:         cfg.JobQueue,
		Concurrency:   cfg.PollConcurrency,
		MaxDeliveries: cfg.SubmitMaxDeliveries,
		RetryDelay:    cfg.SubmitRedeliveryDelay,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: amqp consumer failed")
	}
	defer consumer.Close()

	client, err := processor.NewClient(processor.Options{
		APIKey:       cfg.ProcessorAPIKey,
		BaseURL:      cfg.ProcessorBaseURL,
		Provider:     cfg.ProcessorProvider,
		OutputFormat: cfg.ProcessorOutputFormat,
		Logger:       &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: processor client init failed")
	}

	jobRepo := repo.NewJobRepository(runner)
	credits := ledger.New(runner, logger)

	reconciler := jobs.NewReconciler(jobs.ReconcilerDeps{
		Jobs:      jobRepo,
		Ledger:    credits,
		Store:     store,
		Processor: client,
		Fetcher:   jobs.NewHTTPFetcher(&http.Client{Timeout: 60 * time.Second}, cfg.MaxUploadBytes*4),
		Locker:    lock.NewRedisLocker(redisClient, ""),
		Publisher: publisher,
		Policy: jobs.ReconcilePolicy{
			MaxPollAttempts:                cfg.MaxPollAttempts,
			PollInterval:                   cfg.PollInterval,
			Concurrency:                    cfg.PollConcurrency,
			SignedURLTTL:                   cfg.SignedURLTTL,
			RequeueAfter:                   cfg.RequeueAfter,
			OrphanGrace:                    cfg.OrphanGrace,
			OrphanMaxAge:                   cfg.OrphanMaxAge,
			RefundOnMaterializationFailure: cfg.RefundOnMaterializationFailure,
		},
		Logger: logger,
	})
	coordinator := jobs.NewCoordinator(jobs.CoordinatorDeps{
		Jobs:         jobRepo,
		Ledger:       credits,
		Store:        store,
		Processor:    client,
		Publisher:    publisher,
		Notifier:     reconciler,
		Retry:        retry.Policy{MaxAttempts: cfg.SubmitMaxAttempts, BaseDelay: cfg.SubmitBaseDelay, MaxDelay: cfg.SubmitMaxDelay, Jitter: true},
		SignedURLTTL: cfg.SignedURLTTL,
		Logger:       logger,
	})

	scheduler := jobs.NewScheduler(reconciler, cfg.ReconcileSchedule, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("worker: scheduler start failed")
	}
	defer func() { <-scheduler.Stop().Done() }()

	// Jobs left processing by a previous run are picked up immediately.
	reconciler.Notify()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx,
			func(ctx context.Context, m queue.Message) error {
				return coordinator.HandleSubmission(ctx, m.JobID)
			},
			func(ctx context.Context, m queue.Message, cause error) error {
				return coordinator.AbandonSubmission(ctx, m.JobID, cause)
			})
	})
	g.Go(func() error {
		return reconciler.Run(gctx)
	})

	logger.Info().Str("queue", cfg.JobQueue).Msg("worker started")
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("worker stopped with error")
		return
	}
	logger.Info().Msg("worker stopped")
}
