package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"blood-test-analyzer/internal/agent"
	"blood-test-analyzer/internal/artifact"
	"blood-test-analyzer/internal/config"
	"blood-test-analyzer/internal/queue"
	"blood-test-analyzer/internal/report"
	"blood-test-analyzer/internal/store"
	"blood-test-analyzer/internal/telemetry"
	"blood-test-analyzer/internal/worker"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	artifacts, err := artifact.NewFromConfig(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init artifact store")
	}

	agents, err := agent.NewRegistry(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init agents")
	}
	executor := worker.NewExecutor(agents, report.NewPDFReader(), artifacts)

	processor := worker.NewProcessor(cfg, q, log)
	processor.RegisterHandler(queue.TypeSequential, worker.NewSequential(st, executor, log).Handler())
	processor.RegisterHandler(queue.TypeParallel, worker.NewParallel(st, worker.QueueDispatcher{Queue: q}, cfg.StageTimeout, log).Handler())
	processor.RegisterHandler(queue.TypeStage, worker.StageTaskHandler(st, executor, log))

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Int("concurrency", cfg.WorkerConcurrency).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("stage_timeout", cfg.StageTimeout).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("worker stopped")
	}
}

func newLogger(env string) zerolog.Logger {
	level := zerolog.InfoLevel
	if env == "dev" {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if env == "dev" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger
}
