package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"mediajobs/internal/domain"
	"mediajobs/internal/infra"
	"mediajobs/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	params, err := marshalParameters(job.Parameters)
	if err != nil {
		return err
	}
	_, err = r.sql.Exec(ctx, sqlinline.QInsertJob,
		job.ID,
		job.SessionID,
		job.OwnerID,
		job.ModelID,
		job.Prompt,
		params,
		string(job.Status),
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job and its outputs by identifier.
func (r *JobRepositoryPG) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.ErrNotFound
	}
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectJob, jobID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	jobs := []domain.Job{*job}
	if err := r.attachOutputs(ctx, jobs); err != nil {
		return nil, err
	}
	return &jobs[0], nil
}

// MergeParameters overlays patch while the job is still processing.
func (r *JobRepositoryPG) MergeParameters(ctx context.Context, jobID string, patch domain.Parameters) (bool, error) {
	raw, err := marshalParameters(patch)
	if err != nil {
		return false, err
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QMergeJobParameters, jobID, raw)
	if err != nil {
		return false, fmt.Errorf("merge job parameters: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

type outputRecord struct {
	ID              string   `json:"id"`
	FileRef         string   `json:"file_ref"`
	Kind            string   `json:"kind"`
	MIME            string   `json:"mime"`
	Width           int      `json:"width"`
	Height          int      `json:"height"`
	DurationSeconds *float64 `json:"duration_seconds"`
}

// Complete marks the job completed and inserts its outputs in one statement.
func (r *JobRepositoryPG) Complete(ctx context.Context, jobID string, outputs []domain.Output, patch domain.Parameters) (bool, error) {
	if len(outputs) == 0 {
		return false, fmt.Errorf("complete job: %w", domain.ErrInvalidRequest)
	}
	records := make([]outputRecord, 0, len(outputs))
	for _, out := range outputs {
		records = append(records, outputRecord{
			ID:              out.ID,
			FileRef:         out.FileRef,
			Kind:            string(out.Kind),
			MIME:            out.MIME,
			Width:           out.Width,
			Height:          out.Height,
			DurationSeconds: out.DurationSeconds,
		})
	}
	rawOutputs, err := json.Marshal(records)
	if err != nil {
		return false, err
	}
	rawPatch, err := marshalParameters(patch)
	if err != nil {
		return false, err
	}

	var updated int64
	if err := r.sql.QueryRow(ctx, sqlinline.QCompleteJob, jobID, rawPatch, rawOutputs).Scan(&updated); err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return updated > 0, nil
}

// Finish moves a processing job to failed or cancelled.
func (r *JobRepositoryPG) Finish(ctx context.Context, jobID string, status domain.JobStatus, patch domain.Parameters) (bool, error) {
	if status != domain.JobStatusFailed && status != domain.JobStatusCancelled {
		return false, fmt.Errorf("finish job with status %q: %w", status, domain.ErrInvalidRequest)
	}
	raw, err := marshalParameters(patch)
	if err != nil {
		return false, err
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QFinishJob, jobID, string(status), raw)
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Delete removes a terminal job; outputs cascade.
func (r *JobRepositoryPG) Delete(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return nil, domain.ErrNotTerminal
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QDeleteTerminalJob, jobID)
	if err != nil {
		return nil, fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

// ListProcessing returns the oldest processing jobs.
func (r *JobRepositoryPG) ListProcessing(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListProcessingJobs, limit)
	if err != nil {
		return nil, fmt.Errorf("list processing jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if err := r.attachOutputs(ctx, jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListPage returns one keyset page of a session's jobs.
func (r *JobRepositoryPG) ListPage(ctx context.Context, sessionID string, after *domain.PageKey, limit int) ([]domain.Job, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after == nil {
		rows, err = r.sql.Query(ctx, sqlinline.QListSessionJobsFirst, sessionID, limit)
	} else {
		rows, err = r.sql.Query(ctx, sqlinline.QListSessionJobsAfter, sessionID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list session jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if err := r.attachOutputs(ctx, jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *JobRepositoryPG) attachOutputs(ctx context.Context, jobs []domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(jobs))
	index := make(map[string]int, len(jobs))
	for i := range jobs {
		ids = append(ids, jobs[i].ID)
		index[jobs[i].ID] = i
	}

	outputs, err := listOutputs(ctx, r.sql, ids)
	if err != nil {
		return err
	}
	for _, out := range outputs {
		if i, ok := index[out.JobID]; ok {
			jobs[i].Outputs = append(jobs[i].Outputs, out)
		}
	}
	return nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job    domain.Job
		status string
		params []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.SessionID,
		&job.OwnerID,
		&job.ModelID,
		&job.Prompt,
		&params,
		&status,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	job.Parameters = domain.Parameters{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters of job %s: %w", job.ID, err)
		}
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func marshalParameters(p domain.Parameters) ([]byte, error) {
	if p == nil {
		p = domain.Parameters{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	return raw, nil
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
