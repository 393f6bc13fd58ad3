package pipeline

import (
	"context"

	"studio-server/internal/domain"
	"studio-server/internal/infra"
)

// Reconciler refunds credits exactly once when a task fails by any path:
// scheduler retry exhaustion, worker-reported failure, dispatcher launch
// rejection, or user cancellation.
type Reconciler struct {
	tasks  domain.TaskRepository
	ledger domain.CreditLedger
	logger infra.Logger
}

// NewReconciler wires the refund path.
func NewReconciler(tasks domain.TaskRepository, ledger domain.CreditLedger, logger infra.Logger) *Reconciler {
	return &Reconciler{tasks: tasks, ledger: ledger, logger: logger}
}

// Refund credits the user with the task's cost if and only if this is the
// first refund attempt on a debited task. The MarkRefunded guard is a
// conditional storage write, so two concurrent reconcilers cannot both pass.
// A failed ledger credit after the flag flip is logged as an incident and
// never propagated: refund failure must not mask the original task failure.
func (r *Reconciler) Refund(ctx context.Context, task *domain.Task) {
	first, err := r.tasks.MarkRefunded(ctx, task.ID)
	if err != nil {
		r.logger.Error().Err(err).Str("task_id", task.ID).Msg("refund guard check failed")
		return
	}
	if !first {
		return
	}

	balance, err := r.ledger.Credit(ctx, task.UserID, task.CreditsCost, domain.CreditReasonRefund, task.ID)
	if err != nil {
		r.logger.Error().Err(err).
			Str("task_id", task.ID).
			Str("user_id", task.UserID).
			Int("amount", task.CreditsCost).
			Msg("refund credit write failed, needs manual remediation")
		return
	}
	r.logger.Info().
		Str("task_id", task.ID).
		Str("user_id", task.UserID).
		Int("amount", task.CreditsCost).
		Int("balance", balance).
		Msg("credits refunded")
}
