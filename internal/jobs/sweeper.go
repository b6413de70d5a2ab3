package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"mediajobs/internal/domain"
	"mediajobs/internal/metrics"
	"mediajobs/internal/providers"
)

// Thresholds are the stuck-job limits applied to one provider speed class.
type Thresholds struct {
	NoProgress  time.Duration
	HardTimeout time.Duration
}

// DefaultThresholds returns the limits used when none are configured.
func DefaultThresholds() map[providers.SpeedClass]Thresholds {
	return map[providers.SpeedClass]Thresholds{
		providers.ClassFast:     {NoProgress: 10 * time.Second, HardTimeout: 2 * time.Minute},
		providers.ClassStandard: {NoProgress: 10 * time.Second, HardTimeout: 2 * time.Minute},
		providers.ClassSlow:     {NoProgress: 30 * time.Second, HardTimeout: 15 * time.Minute},
	}
}

// Action is what an inspection did to a job.
type Action string

const (
	ActionNone     Action = "none"
	ActionTimeout  Action = "timeout"
	ActionContinue Action = "continue"
	ActionPoll     Action = "poll"
)

// SweepReport summarises one pass over processing jobs.
type SweepReport struct {
	Inspected int
	Actions   map[Action]int
	Errors    int
}

// SweeperOptions wires a Sweeper.
type SweeperOptions struct {
	Repo       domain.JobRepository
	Registry   *providers.Registry
	Dispatcher *Dispatcher
	Reconciler *Reconciler
	Metrics    *metrics.Engine
	Logger     zerolog.Logger
	Now        func() time.Time
	Thresholds map[providers.SpeedClass]Thresholds
	// PollEvery is the minimum spacing of fallback polls per job.
	PollEvery time.Duration
	BatchSize int
}

// Sweeper detects jobs that stopped making progress and drives them to a
// decision through the Dispatcher and Reconciler. It never writes status on
// its own.
type Sweeper struct {
	repo       domain.JobRepository
	registry   *providers.Registry
	dispatcher *Dispatcher
	reconciler *Reconciler
	metrics    *metrics.Engine
	logger     zerolog.Logger
	now        func() time.Time
	thresholds map[providers.SpeedClass]Thresholds
	pollEvery  time.Duration
	batchSize  int

	observing sync.Map
}

func NewSweeper(opts SweeperOptions) *Sweeper {
	s := &Sweeper{
		repo:       opts.Repo,
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
		reconciler: opts.Reconciler,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		now:        opts.Now,
		thresholds: DefaultThresholds(),
		pollEvery:  opts.PollEvery,
		batchSize:  opts.BatchSize,
	}
	for class, th := range opts.Thresholds {
		s.thresholds[class] = th
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.pollEvery <= 0 {
		s.pollEvery = 15 * time.Second
	}
	if s.batchSize <= 0 {
		s.batchSize = 200
	}
	return s
}

// Sweep inspects a batch of processing jobs, oldest first.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{Actions: make(map[Action]int)}
	list, err := s.repo.ListProcessing(ctx, s.batchSize)
	if err != nil {
		return report, fmt.Errorf("sweep: list processing: %w", err)
	}
	for i := range list {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Inspected++
		action, err := s.Inspect(ctx, &list[i])
		if err != nil {
			report.Errors++
			s.logger.Warn().Err(err).Str("job_id", list[i].ID).Str("action", string(action)).Msg("sweep: inspect")
		}
		report.Actions[action]++
	}
	if report.Inspected > 0 {
		s.logger.Debug().
			Int("inspected", report.Inspected).
			Int("timeouts", report.Actions[ActionTimeout]).
			Int("continued", report.Actions[ActionContinue]).
			Int("polled", report.Actions[ActionPoll]).
			Int("errors", report.Errors).
			Msg("sweep: pass finished")
	}
	return report, nil
}

// Inspect applies the stuck-job rules to one job in order: hard timeout,
// stalled dispatch, then poll fallback.
func (s *Sweeper) Inspect(ctx context.Context, job *domain.Job) (Action, error) {
	if job.Status.IsTerminal() {
		return ActionNone, nil
	}
	now := s.now()
	class := providers.ClassStandard
	adapter, lookupErr := s.registry.Lookup(job.ModelID)
	if lookupErr == nil {
		class = adapter.Class()
	}
	th := s.thresholdsFor(class)

	if now.Sub(job.CreatedAt) > th.HardTimeout {
		s.count(ActionTimeout)
		_, err := s.reconciler.Reconcile(ctx, job.ID, domain.Failure(TimeoutMessage), TriggerSweep)
		return ActionTimeout, err
	}
	if lookupErr != nil {
		return ActionNone, nil
	}

	if job.LastStep() == domain.StepCreated && now.Sub(lastProgress(job)) > th.NoProgress {
		s.count(ActionContinue)
		_, err := s.dispatcher.Continue(ctx, job.ID)
		return ActionContinue, err
	}

	if job.ProviderJobID() != "" && adapter.Can(providers.CapPoll) && now.Sub(lastSync(job)) >= s.pollEvery {
		s.count(ActionPoll)
		_, err := s.reconciler.Resync(ctx, job.ID, TriggerSweep)
		if IsRetryable(err) {
			s.logger.Debug().Err(err).Str("job_id", job.ID).Msg("sweep: poll failed, retrying next pass")
			return ActionPoll, nil
		}
		return ActionPoll, err
	}
	return ActionNone, nil
}

// Observe inspects processing jobs in the background, at most one
// inspection per job at a time. Feed reads call it so that stuck jobs are
// noticed as soon as someone looks at them.
func (s *Sweeper) Observe(ctx context.Context, list []domain.Job) {
	base := context.WithoutCancel(ctx)
	for i := range list {
		job := list[i]
		if job.Status != domain.JobStatusProcessing {
			continue
		}
		if _, busy := s.observing.LoadOrStore(job.ID, struct{}{}); busy {
			continue
		}
		go func() {
			defer s.observing.Delete(job.ID)
			inspectCtx, cancel := context.WithTimeout(base, 30*time.Second)
			defer cancel()
			if _, err := s.Inspect(inspectCtx, &job); err != nil {
				s.logger.Debug().Err(err).Str("job_id", job.ID).Msg("sweep: opportunistic inspect")
			}
		}()
	}
}

// Schedule registers the sweep on c. Overlapping runs are skipped.
func (s *Sweeper) Schedule(ctx context.Context, c *cron.Cron, spec string, timeout time.Duration) (cron.EntryID, error) {
	if timeout <= 0 {
		timeout = time.Minute
	}
	job := cron.NewChain(
		cron.Recover(cronLogger{s.logger}),
		cron.SkipIfStillRunning(cronLogger{s.logger}),
	).Then(cron.FuncJob(func() {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if _, err := s.Sweep(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("sweep: pass failed")
		}
	}))
	id, err := c.AddJob(spec, job)
	if err != nil {
		return 0, fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	return id, nil
}

func (s *Sweeper) thresholdsFor(class providers.SpeedClass) Thresholds {
	if th, ok := s.thresholds[class]; ok {
		return th
	}
	return s.thresholds[providers.ClassStandard]
}

func (s *Sweeper) count(action Action) {
	s.metrics.SweepActions.WithLabelValues(string(action)).Inc()
}

func lastProgress(job *domain.Job) time.Time {
	if t, ok := job.Parameters.Time(domain.ParamLastHeartbeatAt); ok {
		return t
	}
	return job.CreatedAt
}

func lastSync(job *domain.Job) time.Time {
	latest := lastProgress(job)
	if t, ok := job.Parameters.Time(domain.ParamSyncedAt); ok && t.After(latest) {
		latest = t
	}
	return latest
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
