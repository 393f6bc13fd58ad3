package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"studio-server/internal/adapter/repo"
	"studio-server/internal/infra"
	"studio-server/internal/pipeline"
	"studio-server/internal/prompt"
	"studio-server/internal/providers/ai"
	"studio-server/internal/storage"
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
		logger.Fatal().Err(err).Msg("scheduler: db connection failed")
	}
	defer pool.Close()

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: redis connection failed")
	}
	defer rdb.Close()

	store, err := storage.NewMinioStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: object storage init failed")
	}

	invoker, err := ai.NewClient(ai.Options{
		APIKey:     cfg.AIAPIKey,
		BaseURL:    cfg.AIBaseURL,
		Model:      cfg.AIModel,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: ai client init failed")
	}

	tasks := repo.NewTaskRepository(pool)
	results := repo.NewResultRepository(pool)
	ledger := repo.NewCreditLedger(pool)
	reconciler := pipeline.NewReconciler(tasks, ledger, logger)

	handlers := pipeline.NewHandlers(pipeline.HandlersConfig{
		Store:       store,
		Prompts:     prompt.NewBuilder(),
		Invoker:     invoker,
		Launcher:    pipeline.NewRedisLauncher(rdb, cfg.TaskQueueKey, cfg.LaunchTimeout),
		Results:     results,
		Watermarker: pipeline.NoopWatermarker{},
		Logger:      logger,
		PollCeiling: cfg.AIPollCeiling,
	})

	sched := pipeline.NewScheduler(tasks, results, reconciler, handlers, logger, cfg.SweepInterval, cfg.SweepBatchSize)

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("scheduler: stopped with error")
	}
	logger.Info().Msg("scheduler: stopped")
}
