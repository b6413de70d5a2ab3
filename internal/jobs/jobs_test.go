package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mediajobs/internal/adapter/repo"
	"mediajobs/internal/domain"
	"mediajobs/internal/providers"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (r *recorder) Publish(_ context.Context, ev domain.JobEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count(t domain.EventType, jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t && ev.JobID == jobID {
			n++
		}
	}
	return n
}

type fakeStore struct {
	fail bool
}

func (s *fakeStore) Transfer(_ context.Context, jobID string, index int, desc domain.OutputDescriptor) (string, error) {
	if s.fail {
		return "", errors.New("bucket unavailable")
	}
	return fmt.Sprintf("https://files.test/static/%s/%d", jobID, index), nil
}

type submitFunc func(ctx context.Context, req providers.SubmitRequest) (providers.Submission, error)

func (f submitFunc) Submit(ctx context.Context, req providers.SubmitRequest) (providers.Submission, error) {
	return f(ctx, req)
}

type pollingBackend struct {
	submitFunc
	poll func(ctx context.Context, id string) (domain.ProviderResult, error)
}

func (b pollingBackend) Poll(ctx context.Context, id string) (domain.ProviderResult, error) {
	return b.poll(ctx, id)
}

type harness struct {
	repo       *repo.MemoryJobRepository
	registry   *providers.Registry
	clock      *fakeClock
	events     *recorder
	store      *fakeStore
	reconciler *Reconciler
	dispatcher *Dispatcher
	sweeper    *Sweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     repo.NewMemoryJobRepository(),
		registry: providers.NewRegistry(),
		clock:    newFakeClock(),
		events:   &recorder{},
		store:    &fakeStore{},
	}
	logger := zerolog.New(io.Discard)
	h.reconciler = NewReconciler(ReconcilerOptions{
		Repo:     h.repo,
		Registry: h.registry,
		Store:    h.store,
		Events:   h.events,
		Logger:   logger,
		Now:      h.clock.Now,
	})
	h.dispatcher = NewDispatcher(DispatcherOptions{
		Repo:            h.repo,
		Registry:        h.registry,
		Reconciler:      h.reconciler,
		Events:          h.events,
		Logger:          logger,
		Now:             h.clock.Now,
		SubmitBudget:    2 * time.Second,
		CallbackBaseURL: "https://api.test",
	})
	h.sweeper = NewSweeper(SweeperOptions{
		Repo:       h.repo,
		Registry:   h.registry,
		Dispatcher: h.dispatcher,
		Reconciler: h.reconciler,
		Logger:     logger,
		Now:        h.clock.Now,
	})
	t.Cleanup(h.dispatcher.Wait)
	return h
}

func (h *harness) register(t *testing.T, model string, class providers.SpeedClass, caps providers.Capability, backend providers.Backend) {
	t.Helper()
	adapter, err := providers.NewAdapter(model+"-provider", class, caps, backend)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	h.registry.Register(model, adapter)
}

func (h *harness) seed(t *testing.T, model string, params domain.Parameters) *domain.Job {
	t.Helper()
	now := h.clock.Now()
	job := &domain.Job{
		ID:         uuid.NewString(),
		SessionID:  "session-1",
		ModelID:    model,
		Prompt:     "a lighthouse at dusk",
		Status:     domain.JobStatusProcessing,
		CreatedAt:  now,
		Parameters: domain.Parameters{domain.ParamLastStep: domain.StepCreated, domain.ParamLastHeartbeatAt: domain.FormatTime(now)}.Merge(params),
	}
	if err := h.repo.Create(context.Background(), job); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return job
}

func (h *harness) get(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := h.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return job
}

func success(urls ...string) domain.ProviderResult {
	res := domain.ProviderResult{State: domain.ResultSucceeded}
	for _, u := range urls {
		res.Outputs = append(res.Outputs, domain.OutputDescriptor{URL: u, MIME: "image/png"})
	}
	return res
}

func asyncBackend(handle string, calls *atomic.Int32) submitFunc {
	return func(ctx context.Context, req providers.SubmitRequest) (providers.Submission, error) {
		if calls != nil {
			calls.Add(1)
		}
		return providers.Submission{ProviderJobID: handle}, nil
	}
}

func TestCreateWithSyncProviderCompletesWithinBudget(t *testing.T) {
	h := newHarness(t)
	h.register(t, "img-fast", providers.ClassFast, providers.CapSync, providers.NewSyntheticImage(0))

	job, err := h.dispatcher.Create(context.Background(), CreateRequest{
		SessionID:  "session-1",
		ModelID:    "img-fast",
		Prompt:     "  a red fox  ",
		Parameters: map[string]any{"quantity": 2},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if len(job.Outputs) != 2 {
		t.Fatalf("outputs = %d, want 2", len(job.Outputs))
	}
	if !strings.HasPrefix(job.Outputs[0].FileRef, "https://files.test/static/"+job.ID) {
		t.Fatalf("fileRef = %q, want stored reference", job.Outputs[0].FileRef)
	}
	if job.Prompt != "a red fox" {
		t.Fatalf("prompt = %q", job.Prompt)
	}
	if job.LastStep() != domain.StepFinished {
		t.Fatalf("lastStep = %q, want finished", job.LastStep())
	}
	if h.events.count(domain.EventJobCreated, job.ID) != 1 || h.events.count(domain.EventJobUpdated, job.ID) != 1 {
		t.Fatalf("events = %+v", h.events.events)
	}
}

func TestCreateValidatesAndNormalises(t *testing.T) {
	h := newHarness(t)
	var seen providers.SubmitRequest
	h.register(t, "img", providers.ClassFast, providers.CapWebhook, submitFunc(func(_ context.Context, req providers.SubmitRequest) (providers.Submission, error) {
		seen = req
		return providers.Submission{ProviderJobID: "remote-1"}, nil
	}))

	cases := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"unknown model", CreateRequest{SessionID: "s", ModelID: "nope", Prompt: "x"}, domain.ErrUnknownModel},
		{"empty prompt", CreateRequest{SessionID: "s", ModelID: "img", Prompt: "   "}, domain.ErrInvalidRequest},
		{"missing session", CreateRequest{ModelID: "img", Prompt: "x"}, domain.ErrInvalidRequest},
		{"long prompt", CreateRequest{SessionID: "s", ModelID: "img", Prompt: strings.Repeat("a", maxPromptRunes+1)}, domain.ErrInvalidRequest},
	}
	for _, tc := range cases {
		if _, err := h.dispatcher.Create(context.Background(), tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}

	job, err := h.dispatcher.Create(context.Background(), CreateRequest{
		SessionID: "s",
		ModelID:   "img",
		Prompt:    "cafe\u0301",
		Parameters: map[string]any{
			"style":                   "noir",
			domain.ParamProviderJobID: "forged",
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.Prompt != "caf\u00e9" {
		t.Fatalf("prompt = %q, want NFC form", job.Prompt)
	}
	if job.Status != domain.JobStatusProcessing || job.LastStep() != domain.StepSubmitted {
		t.Fatalf("job = %s/%s, want processing/submitted", job.Status, job.LastStep())
	}
	if job.ProviderJobID() != "remote-1" {
		t.Fatalf("providerJobId = %q", job.ProviderJobID())
	}
	if seen.CallbackURL != "https://api.test/v1/webhooks/"+job.ID {
		t.Fatalf("callback = %q", seen.CallbackURL)
	}
	if _, ok := seen.Parameters[domain.ParamLastStep]; ok {
		t.Fatalf("operational keys leaked to provider: %v", seen.Parameters)
	}
	if seen.Parameters["style"] != "noir" {
		t.Fatalf("parameters = %v", seen.Parameters)
	}
	if !job.CreatedAt.Equal(job.CreatedAt.Truncate(time.Microsecond)) {
		t.Fatalf("createdAt not truncated: %v", job.CreatedAt)
	}
}

func TestCreateFailsJobWhenSubmitErrors(t *testing.T) {
	h := newHarness(t)
	h.register(t, "img", providers.ClassFast, providers.CapSync, providers.NewSyntheticImage(0))

	job, err := h.dispatcher.Create(context.Background(), CreateRequest{
		SessionID:  "s",
		ModelID:    "img",
		Prompt:     "x",
		Parameters: map[string]any{providers.ParamSimulateFailure: "quota exceeded"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if !strings.Contains(job.ErrorMessage(), "quota exceeded") {
		t.Fatalf("error = %q", job.ErrorMessage())
	}
}

func TestCreateReturnsProcessingWhenBudgetElapses(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.budget = 20 * time.Millisecond
	release := make(chan struct{})
	h.register(t, "slow", providers.ClassSlow, providers.CapSync, submitFunc(func(ctx context.Context, req providers.SubmitRequest) (providers.Submission, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return providers.Submission{}, ctx.Err()
		}
		res := success("https://cdn.test/a.png")
		return providers.Submission{Result: &res}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	job, err := h.dispatcher.Create(ctx, CreateRequest{SessionID: "s", ModelID: "slow", Prompt: "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.Status != domain.JobStatusProcessing {
		t.Fatalf("status = %s, want processing", job.Status)
	}

	cancel()
	close(release)
	h.dispatcher.Wait()

	if got := h.get(t, job.ID); got.Status != domain.JobStatusCompleted {
		t.Fatalf("status after provider returned = %s, want completed", got.Status)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t)
	job := h.seed(t, "img", nil)

	first, err := h.reconciler.Reconcile(context.Background(), job.ID, success("https://cdn.test/1.png"), TriggerWebhook)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if first.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", first.Outcome)
	}
	second, err := h.reconciler.Reconcile(context.Background(), job.ID, success("https://cdn.test/2.png"), TriggerResync)
	if err != nil {
		t.Fatalf("Reconcile again: %v", err)
	}
	if second.Outcome != OutcomeAlreadyTerminal {
		t.Fatalf("outcome = %s, want already_terminal", second.Outcome)
	}
	got := h.get(t, job.ID)
	if len(got.Outputs) != 1 || !strings.HasSuffix(got.Outputs[0].FileRef, "/0") {
		t.Fatalf("outputs = %+v", got.Outputs)
	}
	if n := h.events.count(domain.EventJobUpdated, job.ID); n != 1 {
		t.Fatalf("updated events = %d, want 1", n)
	}
}

func TestConcurrentTriggersTransitionOnce(t *testing.T) {
	results := []domain.ProviderResult{
		success("https://cdn.test/a.png"),
		domain.Failure("boom"),
		{State: domain.ResultCancelled},
		{State: domain.ResultPending},
	}
	for round := 0; round < 20; round++ {
		h := newHarness(t)
		job := h.seed(t, "img", nil)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []Outcome
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := h.reconciler.Reconcile(context.Background(), job.ID, results[(i+round)%len(results)], TriggerWebhook)
				if err != nil {
					t.Errorf("Reconcile: %v", err)
					return
				}
				if res.Outcome != OutcomeAlreadyTerminal && res.Outcome != OutcomePending {
					mu.Lock()
					winners = append(winners, res.Outcome)
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		if len(winners) != 1 {
			t.Fatalf("round %d: terminal transitions = %v, want exactly one", round, winners)
		}
		got := h.get(t, job.ID)
		if outcomeFor(got.Status) != winners[0] {
			t.Fatalf("round %d: status %s does not match winning outcome %s", round, got.Status, winners[0])
		}
		if got.Status == domain.JobStatusCompleted && len(got.Outputs) == 0 {
			t.Fatalf("round %d: completed without outputs", round)
		}
		if got.Status != domain.JobStatusCompleted && len(got.Outputs) != 0 {
			t.Fatalf("round %d: %s job has outputs", round, got.Status)
		}
	}
}

// writeTrace records every write the repository accepted, in commit order.
type writeTrace struct {
	*repo.MemoryJobRepository

	mu        sync.Mutex
	statuses  []domain.JobStatus
	terminals int
}

func (w *writeTrace) MergeParameters(ctx context.Context, jobID string, patch domain.Parameters) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ok, err := w.MemoryJobRepository.MergeParameters(ctx, jobID, patch)
	if ok {
		w.statuses = append(w.statuses, domain.JobStatusProcessing)
	}
	return ok, err
}

func (w *writeTrace) Complete(ctx context.Context, jobID string, outputs []domain.Output, patch domain.Parameters) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ok, err := w.MemoryJobRepository.Complete(ctx, jobID, outputs, patch)
	if ok {
		w.statuses = append(w.statuses, domain.JobStatusCompleted)
		w.terminals++
	}
	return ok, err
}

func (w *writeTrace) Finish(ctx context.Context, jobID string, status domain.JobStatus, patch domain.Parameters) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ok, err := w.MemoryJobRepository.Finish(ctx, jobID, status, patch)
	if ok {
		w.statuses = append(w.statuses, status)
		w.terminals++
	}
	return ok, err
}

func TestInterleavedTriggersNeverRegress(t *testing.T) {
	polls := []func() (domain.ProviderResult, error){
		func() (domain.ProviderResult, error) { return domain.ProviderResult{State: domain.ResultPending}, nil },
		func() (domain.ProviderResult, error) { return success("https://cdn.test/poll.png"), nil },
		func() (domain.ProviderResult, error) { return domain.ProviderResult{}, errors.New("503 unavailable") },
		func() (domain.ProviderResult, error) { return domain.Failure("render crashed"), nil },
	}
	hooks := []domain.ProviderResult{
		success("https://cdn.test/hook.png"),
		domain.Failure("nsfw filter"),
		{State: domain.ResultPending},
		{State: domain.ResultCancelled},
	}

	for round := 0; round < 30; round++ {
		rng := rand.New(rand.NewSource(int64(round)))
		h := newHarness(t)
		var pollCalls atomic.Int32
		h.register(t, "mixed", providers.ClassStandard, providers.CapPoll|providers.CapWebhook, pollingBackend{
			submitFunc: asyncBackend("remote-7", nil),
			poll: func(context.Context, string) (domain.ProviderResult, error) {
				return polls[int(pollCalls.Add(1))%len(polls)]()
			},
		})
		trace := &writeTrace{MemoryJobRepository: h.repo}
		logger := zerolog.New(io.Discard)
		reconciler := NewReconciler(ReconcilerOptions{
			Repo: trace, Registry: h.registry, Store: h.store, Events: h.events, Logger: logger, Now: h.clock.Now,
		})
		sweeper := NewSweeper(SweeperOptions{
			Repo: trace, Registry: h.registry, Dispatcher: h.dispatcher, Reconciler: reconciler, Logger: logger, Now: h.clock.Now,
		})

		job := h.seed(t, "mixed", domain.Parameters{
			domain.ParamProviderJobID: "remote-7",
			domain.ParamLastStep:      domain.StepSubmitted,
		})
		h.clock.Advance(3 * time.Minute)

		const workers = 12
		kinds := make([]int, workers)
		for i := range kinds {
			kinds[i] = rng.Intn(3)
		}
		hookOffset := rng.Intn(len(hooks))

		stop := make(chan struct{})
		observed := make(chan []domain.JobStatus, 1)
		go func() {
			var seen []domain.JobStatus
			for {
				got, err := h.repo.Get(context.Background(), job.ID)
				if err == nil && (len(seen) == 0 || seen[len(seen)-1] != got.Status) {
					seen = append(seen, got.Status)
				}
				select {
				case <-stop:
					observed <- seen
					return
				default:
				}
			}
		}()

		var wg sync.WaitGroup
		for i, kind := range kinds {
			wg.Add(1)
			go func(i, kind int) {
				defer wg.Done()
				ctx := context.Background()
				var err error
				switch kind {
				case 0:
					_, err = reconciler.Reconcile(ctx, job.ID, hooks[(i+hookOffset)%len(hooks)], TriggerWebhook)
				case 1:
					_, err = reconciler.Resync(ctx, job.ID, TriggerResync)
					if IsRetryable(err) {
						err = nil
					}
				case 2:
					stale := *job
					_, err = sweeper.Inspect(ctx, &stale)
				}
				if err != nil {
					t.Errorf("round %d worker %d (kind %d): %v", round, i, kind, err)
				}
			}(i, kind)
		}
		wg.Wait()
		close(stop)
		seen := <-observed

		// Late arrivals after the job settled.
		if _, err := reconciler.Reconcile(context.Background(), job.ID, success("https://cdn.test/late.png"), TriggerWebhook); err != nil {
			t.Fatalf("round %d: late webhook: %v", round, err)
		}
		if _, err := sweeper.Inspect(context.Background(), job); err != nil {
			t.Fatalf("round %d: late inspect: %v", round, err)
		}

		trace.mu.Lock()
		statuses, terminals := append([]domain.JobStatus(nil), trace.statuses...), trace.terminals
		trace.mu.Unlock()

		if terminals != 1 {
			t.Fatalf("round %d (kinds %v): terminal writes = %d, want 1; trace %v", round, kinds, terminals, statuses)
		}
		if last := statuses[len(statuses)-1]; !last.IsTerminal() {
			t.Fatalf("round %d: write after the terminal one: %v", round, statuses)
		}
		got := h.get(t, job.ID)
		if got.Status != statuses[len(statuses)-1] {
			t.Fatalf("round %d: stored %s, last write %s", round, got.Status, statuses[len(statuses)-1])
		}
		for j := 1; j < len(seen); j++ {
			if seen[j-1].IsTerminal() {
				t.Fatalf("round %d: status moved backward: %v", round, seen)
			}
		}
		if n := h.events.count(domain.EventJobUpdated, job.ID); n != 1 {
			t.Fatalf("round %d: updated events = %d, want 1", round, n)
		}
	}
}

func TestConcurrentContinueSubmitsOnce(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	release := make(chan struct{})
	h.register(t, "gated", providers.ClassStandard, providers.CapWebhook, submitFunc(func(ctx context.Context, req providers.SubmitRequest) (providers.Submission, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return providers.Submission{}, ctx.Err()
		}
		return providers.Submission{ProviderJobID: "remote-gated"}, nil
	}))
	job := h.seed(t, "gated", nil)

	const callers = 16
	returned := make(chan Outcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.dispatcher.Continue(context.Background(), job.ID)
			if err != nil {
				t.Errorf("Continue: %v", err)
			}
			returned <- res.Outcome
		}()
	}

	// Everyone but the submitter returns while the submission is held.
	timeout := time.After(2 * time.Second)
	for i := 0; i < callers-1; i++ {
		select {
		case outcome := <-returned:
			if outcome != OutcomePending {
				t.Errorf("outcome = %s, want pending", outcome)
			}
		case <-timeout:
			i = callers
		}
	}
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("provider submits = %d, want 1", n)
	}
	if got := h.get(t, job.ID); got.ProviderJobID() != "remote-gated" {
		t.Fatalf("handle = %q", got.ProviderJobID())
	}
}

func TestReconcileKeepsProviderURLWhenTransferFails(t *testing.T) {
	h := newHarness(t)
	h.store.fail = true
	job := h.seed(t, "img", nil)

	res, err := h.reconciler.Reconcile(context.Background(), job.ID, success("https://cdn.test/a.png"), TriggerWebhook)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Job.Outputs[0].FileRef != "https://cdn.test/a.png" {
		t.Fatalf("fileRef = %q", res.Job.Outputs[0].FileRef)
	}
	if !strings.Contains(res.Job.ErrorMessage(), "bucket unavailable") {
		t.Fatalf("error note = %q", res.Job.ErrorMessage())
	}
}

func TestReconcileSuccessWithoutOutputsFails(t *testing.T) {
	h := newHarness(t)
	job := h.seed(t, "img", nil)

	res, err := h.reconciler.Reconcile(context.Background(), job.ID, domain.ProviderResult{State: domain.ResultSucceeded}, TriggerWebhook)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomeFailed || res.Job.Status != domain.JobStatusFailed {
		t.Fatalf("result = %s/%s, want failed", res.Outcome, res.Job.Status)
	}
}

func TestReconcilePendingRecordsHeartbeat(t *testing.T) {
	h := newHarness(t)
	job := h.seed(t, "img", domain.Parameters{domain.ParamProviderJobID: "remote-1", domain.ParamLastStep: domain.StepSubmitted})
	h.clock.Advance(5 * time.Second)

	res, err := h.reconciler.Reconcile(context.Background(), job.ID, domain.ProviderResult{State: domain.ResultPending}, TriggerResync)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomePending {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	got := h.get(t, job.ID)
	if got.LastStep() != domain.StepPolling {
		t.Fatalf("lastStep = %q, want polling", got.LastStep())
	}
	if got.Parameters.String(domain.ParamSyncReason) != string(TriggerResync) {
		t.Fatalf("syncReason = %q", got.Parameters.String(domain.ParamSyncReason))
	}
	if hb, _ := got.Parameters.Time(domain.ParamLastHeartbeatAt); !hb.Equal(h.clock.Now()) {
		t.Fatalf("heartbeat = %v, want %v", hb, h.clock.Now())
	}
}

func TestReconcileUnknownJob(t *testing.T) {
	h := newHarness(t)
	if _, err := h.reconciler.Reconcile(context.Background(), uuid.NewString(), success("x"), TriggerWebhook); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestResyncRequiresPollCapability(t *testing.T) {
	h := newHarness(t)
	h.register(t, "hook-only", providers.ClassStandard, providers.CapWebhook, asyncBackend("remote-1", nil))
	job := h.seed(t, "hook-only", domain.Parameters{domain.ParamProviderJobID: "remote-1"})

	if _, err := h.reconciler.Resync(context.Background(), job.ID, TriggerResync); !errors.Is(err, domain.ErrCapability) {
		t.Fatalf("err = %v, want ErrCapability", err)
	}
}

func TestResyncPollErrorLeavesJobProcessing(t *testing.T) {
	h := newHarness(t)
	var down atomic.Bool
	down.Store(true)
	h.register(t, "flaky", providers.ClassStandard, providers.CapPoll, pollingBackend{
		submitFunc: asyncBackend("remote-1", nil),
		poll: func(context.Context, string) (domain.ProviderResult, error) {
			if down.Load() {
				return domain.ProviderResult{}, errors.New("502 bad gateway")
			}
			return domain.ProviderResult{State: domain.ResultPending}, nil
		},
	})
	job := h.seed(t, "flaky", domain.Parameters{domain.ParamProviderJobID: "remote-1"})

	_, err := h.reconciler.Resync(context.Background(), job.ID, TriggerResync)
	if !errors.Is(err, domain.ErrProviderFailure) || !IsRetryable(err) {
		t.Fatalf("err = %v, want retryable provider failure", err)
	}
	got := h.get(t, job.ID)
	if got.Status != domain.JobStatusProcessing {
		t.Fatalf("status = %s, want processing", got.Status)
	}
	if got.ErrorMessage() != "" {
		t.Fatalf("poll failure stored as terminal reason %q", got.ErrorMessage())
	}
	if got.Parameters.String(domain.ParamLastPollError) != "502 bad gateway" {
		t.Fatalf("lastPollError = %q", got.Parameters.String(domain.ParamLastPollError))
	}

	down.Store(false)
	if _, err := h.reconciler.Resync(context.Background(), job.ID, TriggerResync); err != nil {
		t.Fatalf("Resync after recovery: %v", err)
	}
	if got := h.get(t, job.ID); got.Parameters.String(domain.ParamLastPollError) != "" {
		t.Fatalf("lastPollError kept after a good poll: %q", got.Parameters.String(domain.ParamLastPollError))
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	job := h.seed(t, "img", nil)

	got, err := h.dispatcher.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != domain.JobStatusCancelled || got.ErrorMessage() != "Cancelled by user" {
		t.Fatalf("job = %s %q", got.Status, got.ErrorMessage())
	}
	if _, err := h.dispatcher.Cancel(context.Background(), job.ID); !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Fatalf("second cancel err = %v, want ErrAlreadyTerminal", err)
	}
}

type recordingFiles struct{ removed []string }

func (f *recordingFiles) RemoveJob(_ context.Context, jobID string) error {
	f.removed = append(f.removed, jobID)
	return nil
}

func TestDeleteOnlyTerminalJobs(t *testing.T) {
	h := newHarness(t)
	files := &recordingFiles{}
	h.dispatcher.files = files
	job := h.seed(t, "img", nil)

	if _, err := h.dispatcher.Delete(context.Background(), job.ID); !errors.Is(err, domain.ErrNotTerminal) {
		t.Fatalf("err = %v, want ErrNotTerminal", err)
	}
	if _, err := h.dispatcher.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := h.dispatcher.Delete(context.Background(), job.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(files.removed) != 1 || files.removed[0] != job.ID {
		t.Fatalf("removed = %v", files.removed)
	}
	if h.events.count(domain.EventJobDeleted, job.ID) != 1 {
		t.Fatalf("missing deleted event")
	}
	if _, err := h.repo.Get(context.Background(), job.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get after delete err = %v", err)
	}
}

func TestSweepTimesOutExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.register(t, "hook", providers.ClassStandard, providers.CapWebhook, asyncBackend("remote-1", nil))
	job, err := h.dispatcher.Create(context.Background(), CreateRequest{SessionID: "s", ModelID: "hook", Prompt: "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	h.clock.Advance(2 * time.Minute)
	report, err := h.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Actions[ActionTimeout] != 0 {
		t.Fatalf("timed out at exactly the limit")
	}

	h.clock.Advance(time.Second)
	report, err = h.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Actions[ActionTimeout] != 1 {
		t.Fatalf("actions = %v, want one timeout", report.Actions)
	}
	got := h.get(t, job.ID)
	if got.Status != domain.JobStatusFailed || got.ErrorMessage() != TimeoutMessage {
		t.Fatalf("job = %s %q", got.Status, got.ErrorMessage())
	}

	report, err = h.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Inspected != 0 {
		t.Fatalf("inspected %d after timeout, want 0", report.Inspected)
	}
	if _, err := h.sweeper.Inspect(context.Background(), job); err != nil {
		t.Fatalf("Inspect stale copy: %v", err)
	}
	if n := h.events.count(domain.EventJobUpdated, job.ID); n != 1 {
		t.Fatalf("updated events = %d, want 1", n)
	}
}

func TestSweepContinuesStalledDispatch(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.register(t, "hook", providers.ClassStandard, providers.CapWebhook, asyncBackend("remote-9", &calls))
	job := h.seed(t, "hook", nil)

	h.clock.Advance(5 * time.Second)
	if report, _ := h.sweeper.Sweep(context.Background()); report.Actions[ActionContinue] != 0 {
		t.Fatalf("continued before the no-progress threshold")
	}

	h.clock.Advance(6 * time.Second)
	report, err := h.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Actions[ActionContinue] != 1 {
		t.Fatalf("actions = %v, want one continue", report.Actions)
	}
	got := h.get(t, job.ID)
	if got.ProviderJobID() != "remote-9" || got.LastStep() != domain.StepSubmitted {
		t.Fatalf("job params = %v", got.Parameters)
	}
	if got.Parameters.String(domain.ParamSyncReason) != string(TriggerContinue) {
		t.Fatalf("syncReason = %q", got.Parameters.String(domain.ParamSyncReason))
	}

	if _, err := h.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("provider submits = %d, want 1", calls.Load())
	}
}

func TestSweepPollsAsyncProvider(t *testing.T) {
	h := newHarness(t)
	video := &providers.SyntheticVideo{Delay: 30 * time.Second, Now: h.clock.Now}
	h.register(t, "video", providers.ClassSlow, providers.CapPoll, video)

	job, err := h.dispatcher.Create(context.Background(), CreateRequest{SessionID: "s", ModelID: "video", Prompt: "waves"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.Status != domain.JobStatusProcessing {
		t.Fatalf("status = %s", job.Status)
	}

	h.clock.Advance(16 * time.Second)
	report, err := h.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Actions[ActionPoll] != 1 {
		t.Fatalf("actions = %v, want a poll", report.Actions)
	}
	if got := h.get(t, job.ID); got.Status != domain.JobStatusProcessing || got.LastStep() != domain.StepPolling {
		t.Fatalf("job = %s/%s, want processing/polling", got.Status, got.LastStep())
	}

	h.clock.Advance(16 * time.Second)
	if _, err := h.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got := h.get(t, job.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Outputs[0].Kind != domain.OutputKindVideo {
		t.Fatalf("kind = %s", got.Outputs[0].Kind)
	}
}

func TestObserveInspectsInBackground(t *testing.T) {
	h := newHarness(t)
	job := h.seed(t, "unknown-model", nil)
	h.clock.Advance(3 * time.Minute)

	h.sweeper.Observe(context.Background(), []domain.Job{*job})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.get(t, job.ID).Status == domain.JobStatusFailed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job was not timed out by background inspection")
}
