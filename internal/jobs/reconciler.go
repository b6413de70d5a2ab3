package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mediajobs/internal/domain"
	"mediajobs/internal/metrics"
	"mediajobs/internal/providers"
)

// Trigger names the channel a reconciliation came from.
type Trigger string

const (
	TriggerDispatch Trigger = "dispatch"
	TriggerContinue Trigger = "continue"
	TriggerWebhook  Trigger = "webhook"
	TriggerResync   Trigger = "resync"
	TriggerSweep    Trigger = "sweep"
	TriggerCancel   Trigger = "cancel"
)

// Outcome is what a reconciliation did to the job.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeFailed          Outcome = "failed"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomePending         Outcome = "pending"
	OutcomeAlreadyTerminal Outcome = "already_terminal"
)

// Result reports the outcome together with the job as it was left.
type Result struct {
	Outcome Outcome
	Job     *domain.Job
}

// TimeoutMessage is the error recorded on jobs failed by the hard timeout.
const TimeoutMessage = "Processing timed out"

// OutputStore moves provider artifacts into durable storage.
type OutputStore interface {
	Transfer(ctx context.Context, jobID string, index int, desc domain.OutputDescriptor) (string, error)
}

// ReconcilerOptions wires a Reconciler.
type ReconcilerOptions struct {
	Repo     domain.JobRepository
	Registry *providers.Registry
	Store    OutputStore
	Events   domain.EventPublisher
	Metrics  *metrics.Engine
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Reconciler is the only writer of terminal job states. Every trigger funnels
// into Reconcile, whose repository writes are conditional on the job still
// being processing.
type Reconciler struct {
	repo     domain.JobRepository
	registry *providers.Registry
	store    OutputStore
	events   domain.EventPublisher
	metrics  *metrics.Engine
	logger   zerolog.Logger
	now      func() time.Time
}

func NewReconciler(opts ReconcilerOptions) *Reconciler {
	r := &Reconciler{
		repo:     opts.Repo,
		registry: opts.Registry,
		store:    opts.Store,
		events:   opts.Events,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if r.events == nil {
		r.events = domain.NopPublisher{}
	}
	if r.metrics == nil {
		r.metrics = metrics.Nop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Reconcile converges jobID towards the state described by res.
func (r *Reconciler) Reconcile(ctx context.Context, jobID string, res domain.ProviderResult, trigger Trigger) (Result, error) {
	job, err := r.repo.Get(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	log := r.logger.With().Str("job_id", jobID).Str("trigger", string(trigger)).Logger()

	if job.Status.IsTerminal() {
		r.observe(trigger, OutcomeAlreadyTerminal)
		log.Debug().Str("status", string(job.Status)).Msg("reconcile: already terminal")
		return Result{Outcome: OutcomeAlreadyTerminal, Job: job}, nil
	}

	now := r.now().UTC()
	patch := domain.Parameters{}
	if trigger == TriggerResync || trigger == TriggerSweep || trigger == TriggerContinue {
		patch[domain.ParamSyncedAt] = domain.FormatTime(now)
		patch[domain.ParamSyncReason] = string(trigger)
	}

	if res.State == domain.ResultSucceeded && len(res.Outputs) == 0 {
		res = domain.Failure("provider reported success without outputs")
	}

	var result Result
	switch res.State {
	case domain.ResultPending:
		result, err = r.recordProgress(ctx, job, patch, now)
	case domain.ResultSucceeded:
		result, err = r.complete(ctx, job, res.Outputs, patch, log)
	case domain.ResultFailed, domain.ResultCancelled:
		result, err = r.finish(ctx, job, res, patch)
	default:
		return Result{}, fmt.Errorf("reconcile %s: unknown result state %q: %w", jobID, res.State, domain.ErrInvalidRequest)
	}
	if err != nil {
		return Result{}, err
	}

	r.observe(trigger, result.Outcome)
	log.Info().Str("outcome", string(result.Outcome)).Msg("reconcile: done")
	if result.Outcome != OutcomePending && result.Outcome != OutcomeAlreadyTerminal {
		r.publish(ctx, domain.EventJobUpdated, result.Job)
	}
	return result, nil
}

// Resync polls the job's provider and reconciles with the answer.
func (r *Reconciler) Resync(ctx context.Context, jobID string, trigger Trigger) (Result, error) {
	job, err := r.repo.Get(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if job.Status.IsTerminal() {
		r.observe(trigger, OutcomeAlreadyTerminal)
		return Result{Outcome: OutcomeAlreadyTerminal, Job: job}, nil
	}
	adapter, err := r.registry.Lookup(job.ModelID)
	if err != nil {
		return Result{}, err
	}
	handle := job.ProviderJobID()
	if handle == "" {
		return Result{Outcome: OutcomePending, Job: job}, nil
	}
	if !adapter.Can(providers.CapPoll) {
		return Result{}, fmt.Errorf("resync %s via %s: %w", jobID, adapter.Name(), domain.ErrCapability)
	}

	res, err := adapter.Poll(ctx, handle)
	if err != nil {
		if _, merr := r.repo.MergeParameters(ctx, jobID, domain.Parameters{
			domain.ParamSyncedAt:      domain.FormatTime(r.now()),
			domain.ParamSyncReason:    string(trigger),
			domain.ParamLastPollError: err.Error(),
		}); merr != nil {
			r.logger.Warn().Err(merr).Str("job_id", jobID).Msg("reconcile: record poll failure")
		}
		return Result{}, fmt.Errorf("poll %s: %v: %w", adapter.Name(), err, domain.ErrProviderFailure)
	}
	if job.Parameters.String(domain.ParamLastPollError) != "" {
		if _, err := r.repo.MergeParameters(ctx, jobID, domain.Parameters{domain.ParamLastPollError: ""}); err != nil {
			return Result{}, err
		}
	}
	return r.Reconcile(ctx, jobID, res, trigger)
}

func (r *Reconciler) recordProgress(ctx context.Context, job *domain.Job, patch domain.Parameters, now time.Time) (Result, error) {
	patch[domain.ParamLastHeartbeatAt] = domain.FormatTime(now)
	if job.ProviderJobID() != "" {
		patch[domain.ParamLastStep] = domain.StepPolling
	}
	ok, err := r.repo.MergeParameters(ctx, job.ID, patch)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return r.lost(ctx, job.ID)
	}
	job.Parameters = job.Parameters.Merge(patch)
	return Result{Outcome: OutcomePending, Job: job}, nil
}

func (r *Reconciler) complete(ctx context.Context, job *domain.Job, descs []domain.OutputDescriptor, patch domain.Parameters, log zerolog.Logger) (Result, error) {
	outputs, failures := r.materialize(ctx, job.ID, descs, log)
	if len(outputs) == 0 {
		return r.finish(ctx, job, domain.Failure("no output could be stored: "+strings.Join(failures, "; ")), patch)
	}
	patch[domain.ParamLastStep] = domain.StepFinished
	if len(failures) > 0 {
		patch[domain.ParamError] = "output transfer failed, kept provider reference: " + strings.Join(failures, "; ")
	}

	ok, err := r.repo.Complete(ctx, job.ID, outputs, patch)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return r.lost(ctx, job.ID)
	}
	return r.reload(ctx, job.ID, OutcomeCompleted)
}

func (r *Reconciler) finish(ctx context.Context, job *domain.Job, res domain.ProviderResult, patch domain.Parameters) (Result, error) {
	status, outcome := domain.JobStatusFailed, OutcomeFailed
	msg := strings.TrimSpace(res.Error)
	if res.State == domain.ResultCancelled {
		status, outcome = domain.JobStatusCancelled, OutcomeCancelled
		if msg == "" {
			msg = "Cancelled"
		}
	}
	if msg == "" {
		msg = "Generation failed"
	}
	patch[domain.ParamError] = msg
	patch[domain.ParamLastStep] = domain.StepFinished

	ok, err := r.repo.Finish(ctx, job.ID, status, patch)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return r.lost(ctx, job.ID)
	}
	return r.reload(ctx, job.ID, outcome)
}

// materialize stores every descriptor. Outputs whose transfer fails keep the
// provider URL; only outputs with nothing to reference are dropped.
func (r *Reconciler) materialize(ctx context.Context, jobID string, descs []domain.OutputDescriptor, log zerolog.Logger) ([]domain.Output, []string) {
	outputs := make([]domain.Output, 0, len(descs))
	var failures []string
	for i, desc := range descs {
		ref := desc.URL
		if r.store != nil {
			stored, err := r.store.Transfer(ctx, jobID, i, desc)
			if err != nil {
				r.metrics.TransferFailures.Inc()
				log.Warn().Err(err).Int("index", i).Str("url", desc.URL).Msg("reconcile: output transfer failed")
				failures = append(failures, fmt.Sprintf("output %d: %v", i+1, err))
			} else {
				ref = stored
			}
		}
		if ref == "" {
			continue
		}
		kind := desc.Kind
		if kind == "" {
			kind = domain.KindForMIME(desc.MIME)
		}
		outputs = append(outputs, domain.Output{
			ID:              uuid.NewString(),
			JobID:           jobID,
			FileRef:         ref,
			Kind:            kind,
			MIME:            desc.MIME,
			Width:           desc.Width,
			Height:          desc.Height,
			DurationSeconds: desc.DurationSeconds,
		})
	}
	return outputs, failures
}

// lost handles a conditional write that matched nothing: another trigger
// already moved the job out of processing, or it was deleted.
func (r *Reconciler) lost(ctx context.Context, jobID string) (Result, error) {
	job, err := r.repo.Get(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeAlreadyTerminal, Job: job}, nil
}

func (r *Reconciler) reload(ctx context.Context, jobID string, outcome Outcome) (Result, error) {
	job, err := r.repo.Get(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: outcome, Job: job}, nil
}

func (r *Reconciler) publish(ctx context.Context, t domain.EventType, job *domain.Job) {
	publish(ctx, r.events, r.metrics, r.logger, domain.NewJobEvent(t, job, r.now().UTC()))
}

func (r *Reconciler) observe(trigger Trigger, outcome Outcome) {
	r.metrics.Reconciliations.WithLabelValues(string(trigger), string(outcome)).Inc()
}

func publish(ctx context.Context, events domain.EventPublisher, m *metrics.Engine, logger zerolog.Logger, ev domain.JobEvent) {
	result := "ok"
	if err := events.Publish(ctx, ev); err != nil {
		result = "error"
		logger.Warn().Err(err).Str("job_id", ev.JobID).Str("type", string(ev.Type)).Msg("events: publish failed")
	}
	m.EventsPublished.WithLabelValues(string(ev.Type), result).Inc()
}

// outcomeFor maps a stored status onto the outcome reported to callers.
func outcomeFor(status domain.JobStatus) Outcome {
	switch status {
	case domain.JobStatusCompleted:
		return OutcomeCompleted
	case domain.JobStatusFailed:
		return OutcomeFailed
	case domain.JobStatusCancelled:
		return OutcomeCancelled
	default:
		return OutcomePending
	}
}

// IsRetryable reports whether err leaves the job untouched so the caller may
// try again later.
func IsRetryable(err error) bool {
	return errors.Is(err, domain.ErrProviderFailure) || errors.Is(err, context.DeadlineExceeded)
}
