package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"blood-test-analyzer/internal/agent"
	"blood-test-analyzer/internal/api"
	"blood-test-analyzer/internal/artifact"
	"blood-test-analyzer/internal/config"
	"blood-test-analyzer/internal/queue"
	"blood-test-analyzer/internal/ratelimit"
	"blood-test-analyzer/internal/report"
	"blood-test-analyzer/internal/store"
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

	limiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(limiterClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	// The synchronous endpoint runs the pipeline in-process; it is only wired
	// when an agent backend is configured.
	var runner worker.StageRunner
	if agents, err := agent.NewRegistry(cfg); err != nil {
		log.Warn().Err(err).Msg("agents unavailable, /analyze/sync disabled")
	} else {
		runner = worker.NewExecutor(agents, report.NewPDFReader(), artifacts)
	}

	server := api.New(cfg, st, q, artifacts, limiter, runner, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
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
