package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"studio-server/internal/domain"
)

// ResultRepositoryPG implements domain.ResultRepository.
type ResultRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewResultRepository creates a new result repository backed by PostgreSQL.
func NewResultRepository(pool *pgxpool.Pool) *ResultRepositoryPG {
	return &ResultRepositoryPG{pool: pool}
}

const resultColumns = `id, task_id, user_id, type, status, images, error_message, created_at, updated_at`

// GetByID fetches a result by its identifier.
func (r *ResultRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Result, error) {
	query := `SELECT ` + resultColumns + ` FROM results WHERE id = $1;`
	return scanResult(r.pool.QueryRow(ctx, query, id))
}

// GetByTaskID fetches the result belonging to a task.
func (r *ResultRepositoryPG) GetByTaskID(ctx context.Context, taskID string) (*domain.Result, error) {
	query := `SELECT ` + resultColumns + ` FROM results WHERE task_id = $1;`
	return scanResult(r.pool.QueryRow(ctx, query, taskID))
}

// Complete writes the final image refs and marks the result completed.
func (r *ResultRepositoryPG) Complete(ctx context.Context, taskID string, images []string) error {
	query := `
UPDATE results
SET status = $2, images = $3, updated_at = NOW()
WHERE task_id = $1;
`
	_, err := r.pool.Exec(ctx, query, taskID, domain.ResultStatusCompleted, images)
	return err
}

// MarkFailed records the failure on the result record.
func (r *ResultRepositoryPG) MarkFailed(ctx context.Context, taskID, errMsg string) error {
	query := `
UPDATE results
SET status = $2, error_message = $3, updated_at = NOW()
WHERE task_id = $1;
`
	_, err := r.pool.Exec(ctx, query, taskID, domain.ResultStatusFailed, errMsg)
	return err
}

// ListByUser returns the user's results, newest first.
func (r *ResultRepositoryPG) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Result, error) {
	query := `
SELECT ` + resultColumns + `
FROM results
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	return results, rows.Err()
}

// Delete removes the user's result. The task row is retained for history.
func (r *ResultRepositoryPG) Delete(ctx context.Context, id, userID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM results WHERE id = $1 AND user_id = $2;`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanResult(row pgx.Row) (*domain.Result, error) {
	var res domain.Result
	if err := row.Scan(
		&res.ID,
		&res.TaskID,
		&res.UserID,
		&res.Type,
		&res.Status,
		&res.Images,
		&res.ErrorMessage,
		&res.CreatedAt,
		&res.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &res, nil
}
