package ledger

import (
	"time"

	"github.com/google/uuid"
)

type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
	MutationNoop   MutationKind = "noop"
)

// ExpenseMutation is one transition of an expense as delivered by the feed.
// A nil Before is a create, a nil After is a delete. Delivery is at least once.
type ExpenseMutation struct {
	GroupID    uuid.UUID `json:"group_id"`
	ExpenseID  uuid.UUID `json:"expense_id"`
	Before     *Expense  `json:"before,omitempty"`
	After      *Expense  `json:"after,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (m ExpenseMutation) Kind() MutationKind {
	switch {
	case m.Before == nil && m.After != nil:
		return MutationCreate
	case m.Before != nil && m.After == nil:
		return MutationDelete
	case m.Before != nil && m.After != nil:
		return MutationUpdate
	default:
		return MutationNoop
	}
}
