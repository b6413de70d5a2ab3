package domain

import "context"

// JobRepository is the durable record of jobs and their outputs and the single
// source of truth for status. Every status-changing method is conditional on
// the job still being processing; a false return means another writer got
// there first.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	// Get returns the job with its outputs. Unknown ids yield ErrNotFound.
	Get(ctx context.Context, jobID string) (*Job, error)
	// MergeParameters overlays patch onto the job's parameters while it is
	// still processing.
	MergeParameters(ctx context.Context, jobID string, patch Parameters) (bool, error)
	// Complete sets status completed and inserts outputs in one atomic step,
	// only if the job is still processing.
	Complete(ctx context.Context, jobID string, outputs []Output, patch Parameters) (bool, error)
	// Finish moves a processing job to failed or cancelled.
	Finish(ctx context.Context, jobID string, status JobStatus, patch Parameters) (bool, error)
	// Delete removes a terminal job and its outputs. Processing jobs yield
	// ErrNotTerminal.
	Delete(ctx context.Context, jobID string) (*Job, error)
	// ListProcessing returns up to limit processing jobs, oldest first.
	ListProcessing(ctx context.Context, limit int) ([]Job, error)
	// ListPage returns up to limit jobs of a session in (createdAt DESC, id
	// DESC) order, strictly after the optional boundary.
	ListPage(ctx context.Context, sessionID string, after *PageKey, limit int) ([]Job, error)
}

// DeliveryLedger remembers provider idempotency tokens of webhook deliveries.
type DeliveryLedger interface {
	// Claim records the token and reports whether this is its first delivery.
	Claim(ctx context.Context, provider, token string) (bool, error)
	// Release forgets a token so that a redelivery can be processed again.
	Release(ctx context.Context, provider, token string) error
}
