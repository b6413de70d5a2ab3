package repo

import (
	"context"
	"fmt"

	"mediajobs/internal/domain"
	"mediajobs/internal/infra"
	"mediajobs/internal/sqlinline"
)

// listOutputs returns the outputs of every job in jobIDs, grouped by job and
// oldest first within a job.
func listOutputs(ctx context.Context, sql infra.SQLExecutor, jobIDs []string) ([]domain.Output, error) {
	rows, err := sql.Query(ctx, sqlinline.QListOutputsByJobs, jobIDs)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	defer rows.Close()

	var outputs []domain.Output
	for rows.Next() {
		var (
			out  domain.Output
			kind string
		)
		if err := rows.Scan(
			&out.ID,
			&out.JobID,
			&out.FileRef,
			&kind,
			&out.MIME,
			&out.Width,
			&out.Height,
			&out.DurationSeconds,
			&out.CreatedAt,
		); err != nil {
			return nil, err
		}
		out.Kind = domain.OutputKind(kind)
		out.CreatedAt = out.CreatedAt.UTC()
		outputs = append(outputs, out)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return outputs, nil
}
