package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"mediajobs/internal/domain"
	"mediajobs/internal/metrics"
	"mediajobs/internal/providers"
)

const (
	maxPromptRunes    = 4000
	maxSessionIDBytes = 128
)

// reservedParams are operational keys callers may not set.
var reservedParams = []string{
	domain.ParamLastStep,
	domain.ParamLastHeartbeatAt,
	domain.ParamProviderJobID,
	domain.ParamError,
	domain.ParamSyncedAt,
	domain.ParamSyncReason,
	domain.ParamLastPollError,
}

// CreateRequest is a validated-on-entry generation request.
type CreateRequest struct {
	SessionID  string
	OwnerID    string
	ModelID    string
	Prompt     string
	Parameters map[string]any
}

// JobFiles removes the stored artifacts of a job.
type JobFiles interface {
	RemoveJob(ctx context.Context, jobID string) error
}

// DispatcherOptions wires a Dispatcher.
type DispatcherOptions struct {
	Repo       domain.JobRepository
	Registry   *providers.Registry
	Reconciler *Reconciler
	Files      JobFiles
	Events     domain.EventPublisher
	Metrics    *metrics.Engine
	Logger     zerolog.Logger
	Now        func() time.Time
	// SubmitBudget bounds how long Create waits for the provider before
	// returning the still-processing job.
	SubmitBudget time.Duration
	// ProviderTimeout bounds the detached provider call itself.
	ProviderTimeout time.Duration
	// CallbackBaseURL is the public origin webhooks are delivered to.
	CallbackBaseURL string
}

// Dispatcher creates jobs and hands them to providers.
type Dispatcher struct {
	repo            domain.JobRepository
	registry        *providers.Registry
	reconciler      *Reconciler
	files           JobFiles
	events          domain.EventPublisher
	metrics         *metrics.Engine
	logger          zerolog.Logger
	now             func() time.Time
	budget          time.Duration
	providerTimeout time.Duration
	callbackBase    string

	wg       sync.WaitGroup
	inflight sync.Map
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		repo:            opts.Repo,
		registry:        opts.Registry,
		reconciler:      opts.Reconciler,
		files:           opts.Files,
		events:          opts.Events,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		now:             opts.Now,
		budget:          opts.SubmitBudget,
		providerTimeout: opts.ProviderTimeout,
		callbackBase:    strings.TrimRight(opts.CallbackBaseURL, "/"),
	}
	if d.events == nil {
		d.events = domain.NopPublisher{}
	}
	if d.metrics == nil {
		d.metrics = metrics.Nop()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.budget <= 0 {
		d.budget = 8 * time.Second
	}
	if d.providerTimeout <= 0 {
		d.providerTimeout = 10 * time.Minute
	}
	return d
}

// Create persists a processing job and submits it. The job is durable before
// any provider call; the response reflects whatever state was reached within
// the submit budget.
func (d *Dispatcher) Create(ctx context.Context, req CreateRequest) (*domain.Job, error) {
	adapter, err := d.registry.Lookup(strings.TrimSpace(req.ModelID))
	if err != nil {
		return nil, err
	}
	job, err := d.newJob(req)
	if err != nil {
		return nil, err
	}
	if err := d.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	d.metrics.JobsCreated.WithLabelValues(job.ModelID).Inc()
	d.logger.Info().
		Str("job_id", job.ID).
		Str("session_id", job.SessionID).
		Str("model", job.ModelID).
		Str("provider", adapter.Name()).
		Msg("dispatch: job created")
	d.publish(ctx, domain.EventJobCreated, job)

	d.inflight.Store(job.ID, struct{}{})
	done := d.start(ctx, job, adapter)
	timer := time.NewTimer(d.budget)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		d.logger.Debug().Str("job_id", job.ID).Msg("dispatch: submit budget exhausted")
	case <-ctx.Done():
	}

	current, err := d.repo.Get(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return job, nil
	}
	return current, nil
}

// Continue resumes a processing job: it submits again when no provider handle
// was recorded, otherwise it polls. Terminal jobs are left untouched.
func (d *Dispatcher) Continue(ctx context.Context, jobID string) (Result, error) {
	job, err := d.repo.Get(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if job.Status.IsTerminal() {
		return Result{Outcome: OutcomeAlreadyTerminal, Job: job}, nil
	}
	adapter, err := d.registry.Lookup(job.ModelID)
	if err != nil {
		return Result{}, err
	}

	if job.ProviderJobID() != "" {
		if adapter.Can(providers.CapPoll) {
			return d.reconciler.Resync(ctx, jobID, TriggerContinue)
		}
		return Result{Outcome: OutcomePending, Job: job}, nil
	}

	if _, busy := d.inflight.LoadOrStore(jobID, struct{}{}); busy {
		return Result{Outcome: OutcomePending, Job: job}, nil
	}
	ok, err := d.repo.MergeParameters(ctx, jobID, domain.Parameters{
		domain.ParamLastHeartbeatAt: domain.FormatTime(d.now()),
		domain.ParamSyncedAt:        domain.FormatTime(d.now()),
		domain.ParamSyncReason:      string(TriggerContinue),
	})
	if err != nil || !ok {
		d.inflight.Delete(jobID)
	}
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return d.reconciler.lost(ctx, jobID)
	}
	d.logger.Info().Str("job_id", jobID).Msg("dispatch: resubmitting job without provider handle")

	select {
	case <-d.start(ctx, job, adapter):
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	current, err := d.repo.Get(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: outcomeFor(current.Status), Job: current}, nil
}

// Cancel moves a processing job to cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	res, err := d.reconciler.Reconcile(ctx, jobID, domain.ProviderResult{
		State: domain.ResultCancelled,
		Error: "Cancelled by user",
	}, TriggerCancel)
	if err != nil {
		return nil, err
	}
	if res.Outcome == OutcomeAlreadyTerminal {
		return res.Job, domain.ErrAlreadyTerminal
	}
	return res.Job, nil
}

// Delete removes a terminal job together with its stored files.
func (d *Dispatcher) Delete(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := d.repo.Delete(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if d.files != nil {
		if err := d.files.RemoveJob(ctx, jobID); err != nil {
			d.logger.Warn().Err(err).Str("job_id", jobID).Msg("dispatch: remove job files")
		}
	}
	d.logger.Info().Str("job_id", jobID).Msg("dispatch: job deleted")
	d.publish(ctx, domain.EventJobDeleted, job)
	return job, nil
}

// Wait blocks until detached provider calls have returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// CallbackURL is the webhook address handed to providers for jobID.
func (d *Dispatcher) CallbackURL(jobID string) string {
	if d.callbackBase == "" {
		return ""
	}
	return d.callbackBase + "/v1/webhooks/" + jobID
}

func (d *Dispatcher) newJob(req CreateRequest) (*domain.Job, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" || len(sessionID) > maxSessionIDBytes {
		return nil, fmt.Errorf("session id must be 1-%d bytes: %w", maxSessionIDBytes, domain.ErrInvalidRequest)
	}
	prompt := strings.TrimSpace(norm.NFC.String(req.Prompt))
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required: %w", domain.ErrInvalidRequest)
	}
	if utf8.RuneCountInString(prompt) > maxPromptRunes {
		return nil, fmt.Errorf("prompt exceeds %d characters: %w", maxPromptRunes, domain.ErrInvalidRequest)
	}

	now := d.now().UTC().Truncate(time.Microsecond)
	params := domain.Parameters{}
	for k, v := range req.Parameters {
		params[k] = v
	}
	for _, k := range reservedParams {
		delete(params, k)
	}
	params[domain.ParamLastStep] = domain.StepCreated
	params[domain.ParamLastHeartbeatAt] = domain.FormatTime(now)

	return &domain.Job{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		OwnerID:    strings.TrimSpace(req.OwnerID),
		ModelID:    strings.TrimSpace(req.ModelID),
		Prompt:     prompt,
		Parameters: params,
		Status:     domain.JobStatusProcessing,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// start runs the provider submission detached from the caller so that a
// disconnecting client cannot orphan the job mid-call. The caller must have
// claimed the job's inflight slot; start releases it.
func (d *Dispatcher) start(ctx context.Context, job *domain.Job, adapter *providers.Adapter) <-chan struct{} {
	done := make(chan struct{})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(done)
		defer d.inflight.Delete(job.ID)

		subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.providerTimeout)
		defer cancel()
		d.submit(subCtx, job, adapter)
	}()
	return done
}

func (d *Dispatcher) submit(ctx context.Context, job *domain.Job, adapter *providers.Adapter) {
	log := d.logger.With().Str("job_id", job.ID).Str("provider", adapter.Name()).Logger()

	req := providers.SubmitRequest{
		JobID:      job.ID,
		ModelID:    job.ModelID,
		Prompt:     job.Prompt,
		Parameters: userParameters(job.Parameters),
	}
	if adapter.Can(providers.CapWebhook) {
		req.CallbackURL = d.CallbackURL(job.ID)
	}

	started := time.Now()
	sub, err := adapter.Submit(ctx, req)
	result := "ok"
	if err != nil {
		result = "error"
	}
	d.metrics.SubmitDuration.WithLabelValues(adapter.Name(), result).Observe(time.Since(started).Seconds())

	if err != nil {
		log.Warn().Err(err).Msg("dispatch: submit failed")
		d.reconcile(ctx, job.ID, domain.Failure(submitErrorMessage(err)), log)
		return
	}

	patch := domain.Parameters{domain.ParamLastHeartbeatAt: domain.FormatTime(d.now())}
	if sub.ProviderJobID != "" {
		patch[domain.ParamProviderJobID] = sub.ProviderJobID
	}
	if sub.Result == nil {
		patch[domain.ParamLastStep] = domain.StepSubmitted
	}
	if _, err := d.repo.MergeParameters(ctx, job.ID, patch); err != nil {
		log.Error().Err(err).Msg("dispatch: record provider handle")
	}
	if sub.Result != nil {
		d.reconcile(ctx, job.ID, *sub.Result, log)
		return
	}
	log.Info().Str("provider_job_id", sub.ProviderJobID).Msg("dispatch: submitted")
}

func (d *Dispatcher) reconcile(ctx context.Context, jobID string, res domain.ProviderResult, log zerolog.Logger) {
	if _, err := d.reconciler.Reconcile(ctx, jobID, res, TriggerDispatch); err != nil {
		log.Error().Err(err).Msg("dispatch: reconcile")
	}
}

func (d *Dispatcher) publish(ctx context.Context, t domain.EventType, job *domain.Job) {
	publish(ctx, d.events, d.metrics, d.logger, domain.NewJobEvent(t, job, d.now().UTC()))
}

// userParameters strips operational keys before parameters reach a provider.
func userParameters(params domain.Parameters) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, k := range reservedParams {
		delete(out, k)
	}
	return out
}

func submitErrorMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "Provider did not answer in time"
	}
	return err.Error()
}
