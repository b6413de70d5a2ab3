package infra

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// SQLExecutor defines the contract required by repositories for executing SQL queries.
type SQLExecutor interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
}

const defaultSlowQuery = 250 * time.Millisecond

var markerRegexp = regexp.MustCompile(`^--sql [0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// SQLRunner executes marked queries. Every statement is logged under its
// marker; statements slower than SlowQuery are logged at warn level.
type SQLRunner struct {
	db        SQLExecutor
	Logger    zerolog.Logger
	SlowQuery time.Duration
}

// IsNoRows reports whether err signals an empty single-row result.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// NewSQLRunner wraps db, usually a *pgxpool.Pool.
func NewSQLRunner(db SQLExecutor, logger zerolog.Logger) *SQLRunner {
	return &SQLRunner{db: db, Logger: logger, SlowQuery: defaultSlowQuery}
}

func (r *SQLRunner) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	marker, body, err := extractMarker(query)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	start := time.Now()
	tag, err := r.db.Exec(ctx, body, args...)
	if err != nil {
		r.Logger.Error().Err(err).Str("sql", marker).Msg("sql: exec failed")
		return tag, fmt.Errorf("sql %s: %w", marker, err)
	}
	r.done(r.Logger.Debug().Int64("rows", tag.RowsAffected()), marker, "exec", start)
	return tag, nil
}

func (r *SQLRunner) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	marker, body, err := extractMarker(query)
	if err != nil {
		return errorRow{err: err}
	}
	return &timedRow{row: r.db.QueryRow(ctx, body, args...), runner: r, marker: marker, start: time.Now()}
}

func (r *SQLRunner) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	marker, body, err := extractMarker(query)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := r.db.Query(ctx, body, args...)
	if err != nil {
		r.Logger.Error().Err(err).Str("sql", marker).Msg("sql: query failed")
		return nil, fmt.Errorf("sql %s: %w", marker, err)
	}
	return &timedRows{Rows: rows, runner: r, marker: marker, start: start}, nil
}

// done logs a finished statement on ev, or at warn level when it was slow.
func (r *SQLRunner) done(ev *zerolog.Event, marker, op string, start time.Time) {
	took := time.Since(start)
	if r.SlowQuery > 0 && took >= r.SlowQuery {
		r.Logger.Warn().Str("sql", marker).Str("op", op).Dur("took", took).Msg("sql: slow statement")
		return
	}
	ev.Str("sql", marker).Str("op", op).Dur("took", took).Msg("sql: ok")
}

// timedRow reports when Scan runs, which is when pgx actually waits for the
// result.
type timedRow struct {
	row    pgx.Row
	runner *SQLRunner
	marker string
	start  time.Time
}

func (t *timedRow) Scan(dest ...any) error {
	err := t.row.Scan(dest...)
	switch {
	case err == nil || IsNoRows(err):
		t.runner.done(t.runner.Logger.Debug().Bool("found", err == nil), t.marker, "query_row", t.start)
	default:
		t.runner.Logger.Error().Err(err).Str("sql", t.marker).Msg("sql: scan failed")
	}
	return err
}

type timedRows struct {
	pgx.Rows
	runner *SQLRunner
	marker string
	start  time.Time
	closed bool
}

func (t *timedRows) Close() {
	t.Rows.Close()
	if t.closed {
		return
	}
	t.closed = true
	if err := t.Rows.Err(); err != nil {
		t.runner.Logger.Error().Err(err).Str("sql", t.marker).Msg("sql: rows failed")
		return
	}
	t.runner.done(t.runner.Logger.Debug(), t.marker, "query", t.start)
}

type errorRow struct {
	err error
}

func (e errorRow) Scan(dest ...any) error {
	return e.err
}

// ExtractMarker splits a marked query into its marker id and executable body.
func ExtractMarker(query string) (string, string, error) {
	return extractMarker(query)
}

func extractMarker(query string) (string, string, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return "", "", errors.New("empty query")
	}
	markerLine, body, _ := strings.Cut(trimmed, "\n")
	markerLine = strings.TrimSpace(markerLine)
	if !markerRegexp.MatchString(markerLine) {
		return "", "", errors.New("sql marker missing or invalid")
	}
	return strings.TrimPrefix(markerLine, "--sql "), body, nil
}

var _ SQLExecutor = (*SQLRunner)(nil)
