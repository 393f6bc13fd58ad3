package domain

import "time"

// Credit transaction reasons recorded in the ledger.
const (
	CreditReasonGeneration = "generation"
	CreditReasonRefund     = "refund"
)

// CreditTransaction is one append-only ledger row. Rows are never mutated;
// the sequence of BalanceAfter values reconstructs a user's balance history.
type CreditTransaction struct {
	ID            string
	UserID        string
	Amount        int // signed: negative for debits, positive for refunds
	Reason        string
	RelatedTaskID string
	BalanceAfter  int
	CreatedAt     time.Time
}
