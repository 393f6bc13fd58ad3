package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"studio-server/internal/domain"
)

// TaskRepositoryPG implements domain.TaskRepository.
type TaskRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewTaskRepository creates a new task repository backed by PostgreSQL.
func NewTaskRepository(pool *pgxpool.Pool) *TaskRepositoryPG {
	return &TaskRepositoryPG{pool: pool}
}

const taskColumns = `id, user_id, type, state, state_data, retry_count, credits_cost,
credits_deducted, credits_refunded, last_error, created_at, updated_at, started_at, completed_at, cancelled_at`

// GetByID fetches a task by its identifier.
func (r *TaskRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1;`
	task, err := scanTask(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return task, nil
}

// ListByState returns up to limit tasks in state with retry_count below the
// ceiling, oldest update first so starved tasks are swept before fresh ones.
func (r *TaskRepositoryPG) ListByState(ctx context.Context, state domain.TaskState, limit int) ([]domain.Task, error) {
	query := `
SELECT ` + taskColumns + `
FROM tasks
WHERE state = $1 AND retry_count < $2
ORDER BY updated_at ASC
LIMIT $3;
`
	rows, err := r.pool.Query(ctx, query, state, domain.RetryCeiling, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// Transition performs the compare-and-swap state advance with a whole-object
// state_data replace. started_at is stamped on the first advance out of
// pending; completed_at on reaching completed.
func (r *TaskRepositoryPG) Transition(ctx context.Context, id string, from, to domain.TaskState, data *domain.StateData) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("encode state data: %w", err)
	}
	query := `
UPDATE tasks
SET state = $3,
    state_data = $4,
    updated_at = NOW(),
    started_at = COALESCE(started_at, NOW()),
    completed_at = CASE WHEN $3 = 'completed' THEN NOW() ELSE completed_at END
WHERE id = $1 AND state = $2;
`
	tag, err := r.pool.Exec(ctx, query, id, from, to, payload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementRetry bumps retry_count in a single statement so concurrent sweeps
// cannot lose increments, and returns the fresh count.
func (r *TaskRepositoryPG) IncrementRetry(ctx context.Context, id, errMsg string) (int, error) {
	query := `
UPDATE tasks
SET retry_count = retry_count + 1,
    last_error = $2,
    updated_at = NOW()
WHERE id = $1
RETURNING retry_count;
`
	var count int
	if err := r.pool.QueryRow(ctx, query, id, errMsg).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, err
	}
	return count, nil
}

// MarkFailed forces a non-terminal task into failed.
func (r *TaskRepositoryPG) MarkFailed(ctx context.Context, id, errMsg string) (bool, error) {
	query := `
UPDATE tasks
SET state = 'failed',
    last_error = $2,
    updated_at = NOW(),
    completed_at = NOW()
WHERE id = $1 AND state NOT IN ('completed', 'failed', 'cancelled');
`
	tag, err := r.pool.Exec(ctx, query, id, errMsg)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCancelled moves a non-terminal task to cancelled.
func (r *TaskRepositoryPG) MarkCancelled(ctx context.Context, id string) (bool, error) {
	query := `
UPDATE tasks
SET state = 'cancelled',
    updated_at = NOW(),
    cancelled_at = NOW()
WHERE id = $1 AND state NOT IN ('completed', 'failed', 'cancelled');
`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkRefunded flips credits_refunded once; the WHERE clause makes the first
// writer win and every later caller observe false.
func (r *TaskRepositoryPG) MarkRefunded(ctx context.Context, id string) (bool, error) {
	query := `
UPDATE tasks
SET credits_refunded = TRUE,
    updated_at = NOW()
WHERE id = $1 AND credits_deducted AND NOT credits_refunded;
`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CountActive counts the user's tasks in any non-terminal state.
func (r *TaskRepositoryPG) CountActive(ctx context.Context, userID string) (int, error) {
	query := `
SELECT COUNT(*)
FROM tasks
WHERE user_id = $1 AND state NOT IN ('completed', 'failed', 'cancelled');
`
	var count int
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	var stateData []byte
	if err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.Type,
		&task.State,
		&stateData,
		&task.RetryCount,
		&task.CreditsCost,
		&task.CreditsDeducted,
		&task.CreditsRefunded,
		&task.LastError,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.StartedAt,
		&task.CompletedAt,
		&task.CancelledAt,
	); err != nil {
		return nil, err
	}
	if len(stateData) > 0 {
		if err := json.Unmarshal(stateData, &task.StateData); err != nil {
			return nil, fmt.Errorf("decode state data: %w", err)
		}
	}
	return &task, nil
}
