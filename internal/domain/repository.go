package domain

import "context"

// TaskRepository defines persistence for tasks. Transition, IncrementRetry and
// MarkRefunded are the concurrency-sensitive operations: each is a single
// conditional update at the storage layer so overlapping sweeps and worker
// writes cannot both succeed.
type TaskRepository interface {
	GetByID(ctx context.Context, id string) (*Task, error)
	// ListByState returns up to limit tasks currently in state with
	// retryCount below the ceiling, oldest first.
	ListByState(ctx context.Context, state TaskState, limit int) ([]Task, error)
	// Transition moves a task from -> to with a whole-object stateData
	// replace, compare-and-swap on the current state. Returns false when the
	// task was no longer in from.
	Transition(ctx context.Context, id string, from, to TaskState, data *StateData) (bool, error)
	// IncrementRetry atomically bumps retry_count, records the error, and
	// returns the new count.
	IncrementRetry(ctx context.Context, id, errMsg string) (int, error)
	// MarkFailed forces the task into the failed state from any non-terminal
	// state. Returns false when the task was already terminal.
	MarkFailed(ctx context.Context, id, errMsg string) (bool, error)
	// MarkCancelled moves a non-terminal task to cancelled. Returns false
	// when the task was already terminal.
	MarkCancelled(ctx context.Context, id string) (bool, error)
	// MarkRefunded flips credits_refunded, guarded so only the first caller
	// for a task observes true.
	MarkRefunded(ctx context.Context, id string) (bool, error)
	// CountActive counts a user's tasks in any non-terminal state.
	CountActive(ctx context.Context, userID string) (int, error)
}

// ResultRepository handles persistence for the user-visible artifacts.
type ResultRepository interface {
	GetByID(ctx context.Context, id string) (*Result, error)
	GetByTaskID(ctx context.Context, taskID string) (*Result, error)
	Complete(ctx context.Context, taskID string, images []string) error
	MarkFailed(ctx context.Context, taskID, errMsg string) error
	ListByUser(ctx context.Context, userID string, limit int) ([]Result, error)
	Delete(ctx context.Context, id, userID string) error
}

// CreditLedger exposes the balance plus the append-only transaction log.
// Credit appends a ledger row and returns the fresh balance; the debit path
// lives on TaskStore because it must commit atomically with task creation.
type CreditLedger interface {
	Balance(ctx context.Context, userID string) (int, error)
	Credit(ctx context.Context, userID string, amount int, reason, taskID string) (int, error)
}

// TaskStore groups the multi-table writes that must commit in one
// transaction: the conditional balance debit, its ledger row, the task row
// and the empty result placeholder. Returns the balance after the debit, or
// ErrInsufficientCredits leaving nothing written.
type TaskStore interface {
	CreateWithDebit(ctx context.Context, task *Task, result *Result) (balanceAfter int, err error)
}
