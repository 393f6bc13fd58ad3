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
	"studio-server/internal/worker"
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

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: redis connection failed")
	}
	defer rdb.Close()

	store, err := storage.NewMinioStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: object storage init failed")
	}

	invoker, err := ai.NewClient(ai.Options{
		APIKey:     cfg.AIAPIKey,
		BaseURL:    cfg.AIBaseURL,
		Model:      cfg.AIModel,
		HTTPClient: &http.Client{Timeout: cfg.AICallTimeout},
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: ai client init failed")
	}

	tasks := repo.NewTaskRepository(pool)
	results := repo.NewResultRepository(pool)
	ledger := repo.NewCreditLedger(pool)

	runner := worker.NewRunner(worker.Config{
		RDB:        rdb,
		QueueKey:   cfg.TaskQueueKey,
		Tasks:      tasks,
		Results:    results,
		Reconciler: pipeline.NewReconciler(tasks, ledger, logger),
		Store:      store,
		Prompts:    prompt.NewBuilder(),
		Invoker:    invoker,
		Flags:      pipeline.NewRedisCancelFlag(rdb),
		Logger:     logger,
		Deadline:   cfg.WorkerDeadline,
	})

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}

	// Give in-flight terminal writes a moment before exit.
	time.Sleep(time.Second)
	logger.Info().Msg("worker: stopped")
}
