package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"mediajobs/internal/domain"
	"mediajobs/internal/infra"
	"mediajobs/internal/sqlinline"
)

type execCall struct {
	query string
	args  []any
}

type stubExecutor struct {
	calls    []execCall
	execTag  string
	execErr  error
	row      func(query string, args []any) pgx.Row
	rows     map[string][][]any
	queryErr error
}

func (s *stubExecutor) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.calls = append(s.calls, execCall{query: query, args: args})
	if s.execErr != nil {
		return pgconn.CommandTag{}, s.execErr
	}
	return pgconn.NewCommandTag(s.execTag), nil
}

func (s *stubExecutor) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	s.calls = append(s.calls, execCall{query: query, args: args})
	if s.row == nil {
		return stubRow{}
	}
	return s.row(query, args)
}

func (s *stubExecutor) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	s.calls = append(s.calls, execCall{query: query, args: args})
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return &stubRows{values: s.rows[query]}, nil
}

type stubRow struct {
	values []any
	err    error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.values == nil {
		return pgx.ErrNoRows
	}
	return assign(dest, r.values)
}

type stubRows struct {
	values [][]any
	pos    int
	closed bool
}

func (r *stubRows) Close()                                       { r.closed = true }
func (r *stubRows) Err() error                                   { return nil }
func (r *stubRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *stubRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *stubRows) Conn() *pgx.Conn                              { return nil }
func (r *stubRows) RawValues() [][]byte                          { return nil }

func (r *stubRows) Values() ([]any, error) {
	return nil, fmt.Errorf("values not supported in test rows")
}

func (r *stubRows) Next() bool {
	if r.pos >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *stubRows) Scan(dest ...any) error {
	return assign(dest, r.values[r.pos-1])
}

func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, v := range values {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *time.Time:
			*d = v.(time.Time)
		case *int:
			*d = v.(int)
		case *int64:
			*d = v.(int64)
		case **float64:
			*d, _ = v.(*float64)
		default:
			return fmt.Errorf("scan: unsupported destination %T", dest[i])
		}
	}
	return nil
}

const testJobID = "3b241101-e2bb-4255-8caf-4136c566a962"

func jobRow(id, status string, createdAt time.Time, params string) []any {
	return []any{id, "sess-1", "", "synthetic-image", "a red fox", []byte(params), status, createdAt, createdAt}
}

func TestJobRepositoryGetInvalidID(t *testing.T) {
	exec := &stubExecutor{}
	repo := NewJobRepository(exec)

	if _, err := repo.Get(context.Background(), "not-a-uuid"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("expected no queries for an invalid id, got %d", len(exec.calls))
	}
}

func TestJobRepositoryGetNoRows(t *testing.T) {
	repo := NewJobRepository(&stubExecutor{})

	if _, err := repo.Get(context.Background(), testJobID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestJobRepositoryGetAttachesOutputs(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dur := 4.5
	exec := &stubExecutor{
		row: func(query string, args []any) pgx.Row {
			return stubRow{values: jobRow(testJobID, "completed", created, `{"lastStep":"finished"}`)}
		},
		rows: map[string][][]any{
			sqlinline.QListOutputsByJobs: {
				{"out-1", testJobID, "https://cdn/1.mp4", "video", "video/mp4", 1280, 720, &dur, created},
				{"out-2", "someone-else", "https://cdn/2.png", "image", "image/png", 1, 1, (*float64)(nil), created},
			},
		},
	}
	repo := NewJobRepository(exec)

	job, err := repo.Get(context.Background(), testJobID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %q, want completed", job.Status)
	}
	if job.LastStep() != domain.StepFinished {
		t.Fatalf("lastStep = %q, want finished", job.LastStep())
	}
	if len(job.Outputs) != 1 {
		t.Fatalf("outputs = %d, want 1", len(job.Outputs))
	}
	if got := job.Outputs[0]; got.Kind != domain.OutputKindVideo || got.DurationSeconds == nil || *got.DurationSeconds != 4.5 {
		t.Fatalf("unexpected output %+v", got)
	}
	ids, ok := exec.calls[1].args[0].([]string)
	if !ok || len(ids) != 1 || ids[0] != testJobID {
		t.Fatalf("outputs query args = %#v", exec.calls[1].args)
	}
}

func TestJobRepositoryCompleteSendsOutputsAsJSON(t *testing.T) {
	exec := &stubExecutor{
		row: func(query string, args []any) pgx.Row {
			return stubRow{values: []any{int64(1)}}
		},
	}
	repo := NewJobRepository(exec)

	ok, err := repo.Complete(context.Background(), testJobID, []domain.Output{
		{ID: "o1", FileRef: "https://x/a.png", Kind: domain.OutputKindImage, MIME: "image/png", Width: 512, Height: 512},
	}, domain.Parameters{domain.ParamLastStep: domain.StepFinished})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if !ok {
		t.Fatalf("Complete = false, want true")
	}

	call := exec.calls[0]
	if call.query != sqlinline.QCompleteJob {
		t.Fatalf("unexpected query %q", call.query)
	}
	var records []map[string]any
	if err := json.Unmarshal(call.args[2].([]byte), &records); err != nil {
		t.Fatalf("outputs payload is not JSON: %v", err)
	}
	if len(records) != 1 || records[0]["file_ref"] != "https://x/a.png" || records[0]["kind"] != "image" {
		t.Fatalf("unexpected outputs payload %v", records)
	}
	if !strings.Contains(string(call.args[1].([]byte)), `"lastStep":"finished"`) {
		t.Fatalf("patch payload = %s", call.args[1])
	}
}

func TestJobRepositoryCompleteGuardLost(t *testing.T) {
	exec := &stubExecutor{
		row: func(query string, args []any) pgx.Row {
			return stubRow{values: []any{int64(0)}}
		},
	}
	repo := NewJobRepository(exec)

	ok, err := repo.Complete(context.Background(), testJobID, []domain.Output{{ID: "o1", FileRef: "f", Kind: domain.OutputKindImage}}, nil)
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if ok {
		t.Fatalf("Complete = true, want false when the job is no longer processing")
	}
}

func TestJobRepositoryCompleteRequiresOutputs(t *testing.T) {
	repo := NewJobRepository(&stubExecutor{})
	if _, err := repo.Complete(context.Background(), testJobID, nil, nil); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("Complete error = %v, want ErrInvalidRequest", err)
	}
}

func TestJobRepositoryFinish(t *testing.T) {
	tests := []struct {
		name    string
		status  domain.JobStatus
		tag     string
		want    bool
		wantErr error
	}{
		{name: "failed applied", status: domain.JobStatusFailed, tag: "UPDATE 1", want: true},
		{name: "cancelled lost", status: domain.JobStatusCancelled, tag: "UPDATE 0", want: false},
		{name: "completed rejected", status: domain.JobStatusCompleted, wantErr: domain.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &stubExecutor{execTag: tt.tag}
			repo := NewJobRepository(exec)
			got, err := repo.Finish(context.Background(), testJobID, tt.status, domain.Parameters{domain.ParamError: "boom"})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Finish error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Finish returned error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Finish = %v, want %v", got, tt.want)
			}
			if exec.calls[0].args[1] != string(tt.status) {
				t.Fatalf("status arg = %v", exec.calls[0].args[1])
			}
		})
	}
}

func TestJobRepositoryDeleteProcessing(t *testing.T) {
	exec := &stubExecutor{
		row: func(query string, args []any) pgx.Row {
			return stubRow{values: jobRow(testJobID, "processing", time.Now(), `{}`)}
		},
	}
	repo := NewJobRepository(exec)

	if _, err := repo.Delete(context.Background(), testJobID); !errors.Is(err, domain.ErrNotTerminal) {
		t.Fatalf("Delete error = %v, want ErrNotTerminal", err)
	}
	for _, c := range exec.calls {
		if c.query == sqlinline.QDeleteTerminalJob {
			t.Fatalf("delete must not run for a processing job")
		}
	}
}

func TestJobRepositoryListPageChoosesQuery(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exec := &stubExecutor{rows: map[string][][]any{}}
	repo := NewJobRepository(exec)

	if _, err := repo.ListPage(context.Background(), "sess-1", nil, 11); err != nil {
		t.Fatalf("ListPage returned error: %v", err)
	}
	if exec.calls[0].query != sqlinline.QListSessionJobsFirst {
		t.Fatalf("first page used %q", exec.calls[0].query)
	}

	exec.calls = nil
	key := &domain.PageKey{CreatedAt: created, ID: testJobID}
	if _, err := repo.ListPage(context.Background(), "sess-1", key, 11); err != nil {
		t.Fatalf("ListPage returned error: %v", err)
	}
	call := exec.calls[0]
	if call.query != sqlinline.QListSessionJobsAfter {
		t.Fatalf("next page used %q", call.query)
	}
	if call.args[1] != created || call.args[2] != testJobID || call.args[3] != 11 {
		t.Fatalf("unexpected args %#v", call.args)
	}
}

func TestQueriesCarryMarkers(t *testing.T) {
	queries := []string{
		sqlinline.QInsertJob,
		sqlinline.QSelectJob,
		sqlinline.QMergeJobParameters,
		sqlinline.QCompleteJob,
		sqlinline.QFinishJob,
		sqlinline.QDeleteTerminalJob,
		sqlinline.QListProcessingJobs,
		sqlinline.QListSessionJobsFirst,
		sqlinline.QListSessionJobsAfter,
		sqlinline.QListOutputsByJobs,
		sqlinline.QClaimWebhookDelivery,
		sqlinline.QReleaseWebhookDelivery,
		sqlinline.QNotifyJobEvent,
	}
	seen := make(map[string]bool)
	for _, q := range queries {
		marker, _, err := infra.ExtractMarker(q)
		if err != nil {
			t.Fatalf("query without marker: %q", q)
		}
		if seen[marker] {
			t.Fatalf("duplicate marker %s", marker)
		}
		seen[marker] = true
	}
}

func TestDeliveryLedgerClaim(t *testing.T) {
	tests := []struct {
		tag  string
		want bool
	}{
		{tag: "INSERT 0 1", want: true},
		{tag: "INSERT 0 0", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			ledger := NewDeliveryLedger(&stubExecutor{execTag: tt.tag})
			got, err := ledger.Claim(context.Background(), "queue", "tok-1")
			if err != nil {
				t.Fatalf("Claim returned error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Claim = %v, want %v", got, tt.want)
			}
		})
	}
}
