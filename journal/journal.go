package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindExpenseCreated     Kind = "expense.created"
	KindExpenseUpdated     Kind = "expense.updated"
	KindExpenseDeleted     Kind = "expense.deleted"
	KindGroupMarkedDirty   Kind = "group.marked_dirty"
	KindGroupDropped       Kind = "group.dropped"
	KindBalancesApplied    Kind = "balances.applied"
	KindBalancesRecomputed Kind = "balances.recomputed"
)

// Entry is one line of a group's audit trail.
type Entry struct {
	ID         uuid.UUID         `json:"id"`
	GroupID    uuid.UUID         `json:"group_id"`
	Kind       Kind              `json:"kind"`
	Payload    any               `json:"payload,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
}

type EntryOption func(*Entry)

func WithGroup(groupID uuid.UUID) EntryOption {
	return func(e *Entry) {
		e.GroupID = groupID
	}
}

func WithPayload(payload any) EntryOption {
	return func(e *Entry) {
		e.Payload = payload
	}
}

func WithMetadata(key, value string) EntryOption {
	return func(e *Entry) {
		e.Metadata[key] = value
	}
}

func NewEntry(kind Kind, opts ...EntryOption) Entry {
	e := Entry{
		ID:         uuid.New(),
		Kind:       kind,
		Metadata:   make(map[string]string),
		RecordedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

type Store interface {
	Save(ctx context.Context, e Entry) error
	ListByGroup(ctx context.Context, groupID uuid.UUID) ([]Entry, error)
}

// Recorder accepts entries without blocking the caller.
type Recorder interface {
	Record(e Entry)
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(Entry) {}
