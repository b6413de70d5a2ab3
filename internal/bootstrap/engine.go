// Package bootstrap assembles the job engine from configuration. The API
// server and the worker share it so both run against the same store, event
// transport and provider registry.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"mediajobs/internal/adapter/repo"
	"mediajobs/internal/domain"
	"mediajobs/internal/feed"
	"mediajobs/internal/infra"
	"mediajobs/internal/infra/credentials"
	"mediajobs/internal/jobs"
	"mediajobs/internal/metrics"
	"mediajobs/internal/providers"
	"mediajobs/internal/realtime"
	"mediajobs/internal/storage"
)

const (
	ModelSyntheticImage = "synthetic-image"
	ModelSyntheticVideo = "synthetic-video"

	syntheticVideoDelay = 20 * time.Second
)

// Engine holds the wired components.
type Engine struct {
	Config     *infra.Config
	Logger     zerolog.Logger
	Repo       domain.JobRepository
	Ledger     domain.DeliveryLedger
	Publisher  domain.EventPublisher
	Subscriber domain.EventSubscriber
	Registry   *providers.Registry
	Files      *storage.FileStore
	Transfer   *storage.Transferer
	Metrics    *metrics.Engine
	Reconciler *jobs.Reconciler
	Dispatcher *jobs.Dispatcher
	Sweeper    *jobs.Sweeper
	Feed       *feed.Service

	pool    *pgxpool.Pool
	runner  *infra.SQLRunner
	closers []func()
}

// New connects the configured backends and wires the engine. Close releases
// whatever New opened, also after a partial failure.
func New(ctx context.Context, cfg *infra.Config, logger zerolog.Logger, reg prometheus.Registerer) (*Engine, error) {
	e := &Engine{Config: cfg, Logger: logger, Metrics: metrics.NewEngine(reg)}
	if err := e.openStore(ctx); err != nil {
		e.Close()
		return nil, err
	}
	if err := e.openRealtime(ctx); err != nil {
		e.Close()
		return nil, err
	}
	if err := e.openStorage(); err != nil {
		e.Close()
		return nil, err
	}
	if err := e.registerProviders(); err != nil {
		e.Close()
		return nil, err
	}
	e.wire()
	return e, nil
}

// Close waits for detached provider calls and closes connections in reverse
// order of opening.
func (e *Engine) Close() {
	if e.Dispatcher != nil {
		e.Dispatcher.Wait()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// SQL returns the Postgres executor, connecting on first use.
func (e *Engine) SQL(ctx context.Context) (*infra.SQLRunner, error) {
	if e.runner != nil {
		return e.runner, nil
	}
	pool, err := infra.NewDBPool(ctx, e.Config, e.Logger)
	if err != nil {
		return nil, err
	}
	e.pool = pool
	e.runner = infra.NewSQLRunner(pool, e.Logger)
	e.closers = append(e.closers, pool.Close)
	return e.runner, nil
}

func (e *Engine) openStore(ctx context.Context) error {
	switch e.Config.StoreDriver {
	case infra.StoreDriverMemory:
		e.Repo = repo.NewMemoryJobRepository()
		e.Ledger = repo.NewMemoryDeliveryLedger()
		e.Logger.Warn().Msg("bootstrap: in-memory job store, state is lost on restart")
		return nil
	default:
		runner, err := e.SQL(ctx)
		if err != nil {
			return err
		}
		e.Repo = repo.NewJobRepository(runner)
		e.Ledger = repo.NewDeliveryLedger(runner)
		return nil
	}
}

func (e *Engine) openRealtime(ctx context.Context) error {
	switch e.Config.RealtimeBackend {
	case infra.RealtimeNATS:
		nc, err := realtime.ConnectNATS(e.Config.NATSURL, e.Logger)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, func() { _ = nc.Drain() })
		broker := realtime.NewNATSBroker(nc, e.Logger)
		e.Publisher, e.Subscriber = broker, broker

		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		ledger, err := realtime.NewKVDeliveryLedger(ctx, js, e.Config.WebhookLedgerTTL)
		if err != nil {
			e.Logger.Warn().Err(err).Msg("bootstrap: JetStream KV unavailable, keeping store-backed webhook ledger")
			return nil
		}
		e.Ledger = ledger
		return nil
	case infra.RealtimePostgres:
		runner, err := e.SQL(ctx)
		if err != nil {
			return err
		}
		e.Publisher = realtime.NewPGNotifyPublisher(runner)
		listener, err := realtime.NewPGListener(e.Config.DatabaseURL, e.Logger)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, func() { _ = listener.Close() })
		e.Subscriber = listener
		return nil
	default:
		hub := realtime.NewHub(e.Logger)
		e.Publisher, e.Subscriber = hub, hub
		return nil
	}
}

func (e *Engine) openStorage() error {
	files, err := storage.NewFileStore(e.Config.StoragePath)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	e.Files = files
	e.Transfer = storage.NewTransferer(files, storage.TransferOptions{
		BaseURL: e.Config.StorageBaseURL,
		Retries: e.Config.TransferRetries,
		Logger:  e.Logger,
	})
	return nil
}

func (e *Engine) registerProviders() error {
	e.Registry = providers.NewRegistry()

	image, err := providers.NewAdapter(ModelSyntheticImage, providers.ClassFast, providers.CapSync, providers.NewSyntheticImage(1500*time.Millisecond))
	if err != nil {
		return err
	}
	e.Registry.Register(ModelSyntheticImage, image)

	video, err := providers.NewAdapter(ModelSyntheticVideo, providers.ClassSlow, providers.CapPoll, providers.NewSyntheticVideo(syntheticVideoDelay))
	if err != nil {
		return err
	}
	e.Registry.Register(ModelSyntheticVideo, video)

	if e.Config.QueueProviderURL == "" {
		return nil
	}
	opts := providers.QueueOptions{
		BaseURL: e.Config.QueueProviderURL,
		APIKey:  e.Config.QueueProviderKey,
		Logger:  &e.Logger,
	}
	if e.runner != nil {
		opts.KeySource = credentials.NewStore(e.runner).QueueAPIKey
	}
	backend, err := providers.NewQueue(opts)
	if err != nil {
		return err
	}
	queue, err := providers.NewAdapter(credentials.ProviderQueue, providers.ClassStandard, providers.CapPoll|providers.CapWebhook, backend)
	if err != nil {
		return err
	}
	for _, model := range e.Config.QueueModels {
		e.Registry.Register(model, queue)
	}
	return nil
}

func (e *Engine) wire() {
	e.Reconciler = jobs.NewReconciler(jobs.ReconcilerOptions{
		Repo:     e.Repo,
		Registry: e.Registry,
		Store:    e.Transfer,
		Events:   e.Publisher,
		Metrics:  e.Metrics,
		Logger:   e.Logger,
	})
	e.Dispatcher = jobs.NewDispatcher(jobs.DispatcherOptions{
		Repo:            e.Repo,
		Registry:        e.Registry,
		Reconciler:      e.Reconciler,
		Files:           e.Files,
		Events:          e.Publisher,
		Metrics:         e.Metrics,
		Logger:          e.Logger,
		SubmitBudget:    e.Config.SubmitBudget,
		ProviderTimeout: e.Config.ProviderTimeout,
		CallbackBaseURL: e.Config.PublicBaseURL,
	})

	thresholds := make(map[providers.SpeedClass]jobs.Thresholds, len(e.Config.SweepClasses))
	for class, th := range e.Config.SweepClasses {
		thresholds[providers.SpeedClass(class)] = jobs.Thresholds{NoProgress: th.NoProgress, HardTimeout: th.HardTimeout}
	}
	e.Sweeper = jobs.NewSweeper(jobs.SweeperOptions{
		Repo:       e.Repo,
		Registry:   e.Registry,
		Dispatcher: e.Dispatcher,
		Reconciler: e.Reconciler,
		Metrics:    e.Metrics,
		Logger:     e.Logger,
		Thresholds: thresholds,
		PollEvery:  e.Config.SweepPollEvery,
		BatchSize:  e.Config.SweepBatchSize,
	})
	e.Feed = feed.NewService(e.Repo, feed.NewCodec(e.Config.CursorSecret), e.Sweeper, e.Logger)
}
