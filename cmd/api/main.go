package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"studio-server/internal/adapter/repo"
	"studio-server/internal/http/handlers"
	"studio-server/internal/http/httpapi"
	"studio-server/internal/infra"
	"studio-server/internal/pipeline"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer pool.Close()

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	tasks := repo.NewTaskRepository(pool)
	results := repo.NewResultRepository(pool)
	ledger := repo.NewCreditLedger(pool)
	store := repo.NewTaskStore(pool)
	launcher := pipeline.NewRedisLauncher(rdb, cfg.TaskQueueKey, cfg.LaunchTimeout)
	flags := pipeline.NewRedisCancelFlag(rdb)
	reconciler := pipeline.NewReconciler(tasks, ledger, logger)

	dispatcher := pipeline.NewDispatcher(pipeline.DispatcherConfig{
		Store:           store,
		Tasks:           tasks,
		Results:         results,
		Ledger:          ledger,
		Launcher:        launcher,
		Flags:           flags,
		Reconciler:      reconciler,
		Logger:          logger,
		MaxActiveTasks:  cfg.MaxActiveTasks,
		MaxInputImages:  cfg.MaxInputImages,
		CreditsPerImage: cfg.CreditsPerImage,
		LaunchTimeout:   cfg.LaunchTimeout,
	})

	app := &handlers.App{
		Dispatcher: dispatcher,
		Tasks:      tasks,
		Results:    results,
		Ledger:     ledger,
		Logger:     logger,
	}

	server := infra.NewHTTPServer(cfg, httpapi.NewRouter(app))

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
