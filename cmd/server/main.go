package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/api"
	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/config"
	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/handlers"
	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/jobstore"
	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/refresh"
	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		errLog := zerolog.New(os.Stderr)
		errLog.Fatal().Err(err).Msg("invalid configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	store, err := jobstore.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, jobstore.Options{
		RetryBase:   cfg.RetryBase,
		TerminalTTL: cfg.TerminalTTL,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}
	defer store.Close()
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := worker.NewPool(store, cfg.WorkerCount, log)
	pool.Poll = cfg.PollInterval
	for jobType, h := range handlers.All() {
		pool.Register(jobType, h)
	}
	if err := pool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("worker pool start failed")
	}

	checker := refresh.NewChecker(store, log)
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.RefreshCron, func() { checker.CheckAll(ctx) }); err != nil {
		log.Fatal().Err(err).Str("cron", cfg.RefreshCron).Msg("invalid refresh schedule")
	}
	sched.Start()

	router := api.NewRouter(api.NewHandler(store, checker, log))
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.ServerPort).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		<-sched.Stop().Done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("server shutdown error")
		}
		pool.Stop(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("server stopped")
}
