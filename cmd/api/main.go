package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"mediajobs/internal/bootstrap"
	"mediajobs/internal/http/handlers"
	httpapi "mediajobs/internal/http/httpapi"
	"mediajobs/internal/infra"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := bootstrap.New(ctx, cfg, logger, reg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: bootstrap failed")
	}
	defer engine.Close()

	// The in-memory store lives in this process, so nobody else can sweep it.
	if cfg.StoreDriver == infra.StoreDriverMemory && cfg.SweepSchedule != "" {
		c := cron.New(cron.WithSeconds())
		if _, err := engine.Sweeper.Schedule(ctx, c, cfg.SweepSchedule, time.Minute); err != nil {
			logger.Fatal().Err(err).Msg("api: invalid sweep schedule")
		}
		c.Start()
		defer c.Stop()
	}

	app := &handlers.App{
		Repo:       engine.Repo,
		Dispatcher: engine.Dispatcher,
		Reconciler: engine.Reconciler,
		Feed:       engine.Feed,
		Registry:   engine.Registry,
		Ledger:     engine.Ledger,
		Events:     engine.Subscriber,
		Files:      engine.Files,
		Transfer:   engine.Transfer,
		Metrics:    engine.Metrics,
		Gatherer:   reg,
		Logger:     logger,
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		CORSOrigins:     cfg.CORSOrigins,
		JWTSecret:       cfg.JWTSecret,
		WebhookSecret:   cfg.WebhookSecret,
		InternalToken:   cfg.InternalToken,
		RateLimitPerMin: cfg.RateLimitPerMin,
		StaticDir:       engine.Files.BasePath(),
	})

	server := infra.NewHTTPServer(cfg, router, logger)
	logger.Info().Str("store", cfg.StoreDriver).Str("realtime", cfg.RealtimeBackend).Strs("models", engine.Registry.Models()).Msg("api: starting")
	if err := server.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("api: http server failed")
	}
	logger.Info().Msg("api: stopped")
}
