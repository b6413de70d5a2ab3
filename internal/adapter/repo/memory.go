package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mediajobs/internal/domain"
)

// MemoryJobRepository keeps jobs in process memory. It honours the same
// conditional-update contract as the Postgres repository and backs the
// memory store driver and engine tests.
type MemoryJobRepository struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

// NewMemoryJobRepository returns an empty repository.
func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{
		jobs: make(map[string]*domain.Job),
		now:  time.Now,
	}
}

func (r *MemoryJobRepository) Create(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("insert job %s: %w", job.ID, domain.ErrDuplicateOperation)
	}
	stored := job.Clone()
	stored.CreatedAt = truncate(stored.CreatedAt)
	stored.UpdatedAt = stored.CreatedAt
	if stored.Parameters == nil {
		stored.Parameters = domain.Parameters{}
	}
	stored.Outputs = nil
	r.jobs[job.ID] = &stored
	return nil
}

func (r *MemoryJobRepository) Get(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := job.Clone()
	return &out, nil
}

func (r *MemoryJobRepository) MergeParameters(_ context.Context, jobID string, patch domain.Parameters) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok || job.Status != domain.JobStatusProcessing {
		return false, nil
	}
	job.Parameters = job.Parameters.Clone().Merge(patch)
	job.UpdatedAt = truncate(r.now())
	return true, nil
}

func (r *MemoryJobRepository) Complete(_ context.Context, jobID string, outputs []domain.Output, patch domain.Parameters) (bool, error) {
	if len(outputs) == 0 {
		return false, fmt.Errorf("complete job: %w", domain.ErrInvalidRequest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok || job.Status != domain.JobStatusProcessing {
		return false, nil
	}
	now := truncate(r.now())
	job.Status = domain.JobStatusCompleted
	job.Parameters = job.Parameters.Clone().Merge(patch)
	job.UpdatedAt = now
	job.Outputs = make([]domain.Output, 0, len(outputs))
	for _, out := range outputs {
		out.JobID = jobID
		out.CreatedAt = now
		job.Outputs = append(job.Outputs, out)
	}
	return true, nil
}

func (r *MemoryJobRepository) Finish(_ context.Context, jobID string, status domain.JobStatus, patch domain.Parameters) (bool, error) {
	if status != domain.JobStatusFailed && status != domain.JobStatusCancelled {
		return false, fmt.Errorf("finish job with status %q: %w", status, domain.ErrInvalidRequest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok || job.Status != domain.JobStatusProcessing {
		return false, nil
	}
	job.Status = status
	job.Parameters = job.Parameters.Clone().Merge(patch)
	job.UpdatedAt = truncate(r.now())
	return true, nil
}

func (r *MemoryJobRepository) Delete(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !job.Status.IsTerminal() {
		return nil, domain.ErrNotTerminal
	}
	delete(r.jobs, jobID)
	out := job.Clone()
	return &out, nil
}

func (r *MemoryJobRepository) ListProcessing(_ context.Context, limit int) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var jobs []domain.Job
	for _, job := range r.jobs {
		if job.Status == domain.JobStatusProcessing {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (r *MemoryJobRepository) ListPage(_ context.Context, sessionID string, after *domain.PageKey, limit int) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var jobs []domain.Job
	for _, job := range r.jobs {
		if job.SessionID != sessionID {
			continue
		}
		if after != nil && !after.Admits(job.CreatedAt, job.ID) {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// truncate matches the microsecond precision of timestamptz so in-memory and
// persisted cursors agree.
func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

var _ domain.JobRepository = (*MemoryJobRepository)(nil)

// MemoryDeliveryLedger is a process-local domain.DeliveryLedger.
type MemoryDeliveryLedger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDeliveryLedger() *MemoryDeliveryLedger {
	return &MemoryDeliveryLedger{seen: make(map[string]struct{})}
}

func (l *MemoryDeliveryLedger) Claim(_ context.Context, provider, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := provider + "\x00" + token
	if _, ok := l.seen[key]; ok {
		return false, nil
	}
	l.seen[key] = struct{}{}
	return true, nil
}

func (l *MemoryDeliveryLedger) Release(_ context.Context, provider, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.seen, provider+"\x00"+token)
	return nil
}

var _ domain.DeliveryLedger = (*MemoryDeliveryLedger)(nil)
