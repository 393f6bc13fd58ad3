package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"studio-server/internal/domain"
)

// CreditLedgerPG implements domain.CreditLedger.
type CreditLedgerPG struct {
	pool *pgxpool.Pool
}

// NewCreditLedger creates a new credit ledger backed by PostgreSQL.
func NewCreditLedger(pool *pgxpool.Pool) *CreditLedgerPG {
	return &CreditLedgerPG{pool: pool}
}

// Balance returns the user's current credit balance.
func (r *CreditLedgerPG) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := r.pool.QueryRow(ctx, `SELECT credits FROM users WHERE id = $1;`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, err
	}
	return balance, nil
}

// Credit adds amount to the user's balance and appends the ledger row in one
// transaction, returning the balance after the credit.
func (r *CreditLedgerPG) Credit(ctx context.Context, userID string, amount int, reason, taskID string) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var balance int
	err = tx.QueryRow(ctx, `
UPDATE users SET credits = credits + $2, updated_at = NOW()
WHERE id = $1
RETURNING credits;
`, userID, amount).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, err
	}

	if err := insertLedgerRow(ctx, tx, userID, amount, reason, taskID, balance); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return balance, nil
}

// TaskStorePG implements domain.TaskStore: the debit, its ledger row, the
// task row and the empty result placeholder commit or roll back together.
type TaskStorePG struct {
	pool *pgxpool.Pool
}

// NewTaskStore creates the transactional task store.
func NewTaskStore(pool *pgxpool.Pool) *TaskStorePG {
	return &TaskStorePG{pool: pool}
}

// CreateWithDebit debits the user, logs the transaction and inserts the task
// plus its result placeholder. The conditional balance update carries the
// insufficient-funds check, so a concurrent creation for the same user cannot
// overdraw.
func (s *TaskStorePG) CreateWithDebit(ctx context.Context, task *domain.Task, result *domain.Result) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var balance int
	err = tx.QueryRow(ctx, `
UPDATE users SET credits = credits - $2, updated_at = NOW()
WHERE id = $1 AND credits >= $2
RETURNING credits;
`, task.UserID, task.CreditsCost).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrInsufficientCredits
		}
		return 0, err
	}

	if err := insertLedgerRow(ctx, tx, task.UserID, -task.CreditsCost, domain.CreditReasonGeneration, task.ID, balance); err != nil {
		return 0, err
	}

	stateData, err := json.Marshal(task.StateData)
	if err != nil {
		return 0, fmt.Errorf("encode state data: %w", err)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO tasks (id, user_id, type, state, state_data, retry_count, credits_cost, credits_deducted, credits_refunded, last_error)
VALUES ($1, $2, $3, $4, $5, 0, $6, TRUE, FALSE, '');
`, task.ID, task.UserID, task.Type, task.State, stateData, task.CreditsCost)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx, `
INSERT INTO results (id, task_id, user_id, type, status, images, error_message)
VALUES ($1, $2, $3, $4, $5, '{}', '');
`, result.ID, result.TaskID, result.UserID, result.Type, result.Status)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return balance, nil
}

func insertLedgerRow(ctx context.Context, tx pgx.Tx, userID string, amount int, reason, taskID string, balanceAfter int) error {
	_, err := tx.Exec(ctx, `
INSERT INTO credit_transactions (id, user_id, amount, reason, related_task_id, balance_after)
VALUES ($1, $2, $3, $4, $5, $6);
`, uuid.NewString(), userID, amount, reason, taskID, balanceAfter)
	return err
}
