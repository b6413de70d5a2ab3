package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"mediajobs/internal/bootstrap"
	"mediajobs/internal/infra"
)

func main() {
	var (
		once        bool
		metricsAddr string
	)
	flag.BoolVar(&once, "once", false, "run a single sweep pass and exit")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9090", "address for the Prometheus endpoint (empty disables it)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel).With().Str("component", "worker").Logger()
	if cfg.StoreDriver == infra.StoreDriverMemory {
		logger.Fatal().Msg("worker: the in-memory store is private to the api process; use STORE_DRIVER=postgres")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	engine, err := bootstrap.New(ctx, cfg, logger, reg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: bootstrap failed")
	}
	defer engine.Close()

	if once {
		report, err := engine.Sweeper.Sweep(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: sweep failed")
		}
		logger.Info().
			Int("inspected", report.Inspected).
			Int("errors", report.Errors).
			Interface("actions", report.Actions).
			Msg("worker: sweep done")
		return
	}

	if metricsAddr != "" {
		srv := infra.NewSideServer(metricsAddr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("worker: metrics server failed")
			}
		}()
	}

	c := cron.New(cron.WithSeconds())
	if _, err := engine.Sweeper.Schedule(ctx, c, cfg.SweepSchedule, time.Minute); err != nil {
		logger.Fatal().Err(err).Msg("worker: invalid sweep schedule")
	}
	c.Start()
	logger.Info().Str("schedule", cfg.SweepSchedule).Msg("worker: started")

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info().Msg("worker: stopped")
}
