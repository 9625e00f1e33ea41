package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrEmptyName         = errors.New("name can't be empty")
	ErrEmptyCurrency     = errors.New("currency can't be empty")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrEmptyDescription  = errors.New("description can't be empty")
	ErrGroupNotFound     = errors.New("group not found")
	ErrExpenseNotFound   = errors.New("expense not found")
	ErrMalformedExpense  = errors.New("malformed expense")
	ErrEmptyParticipants = errors.New("group has no participants")
)

type Group struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	ParticipantIDs []string  `json:"participant_ids"`
	Snapshot       Snapshot  `json:"snapshot"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Snapshot is the materialized view of a group's expense log.
// TotalExpenses sums amounts across currencies and is only an approximation
// when a group mixes currencies.
type Snapshot struct {
	Balances      Balances        `json:"balances"`
	LastExpense   *ExpenseRef     `json:"last_expense,omitempty"`
	TotalExpenses decimal.Decimal `json:"total_expenses"`
	ExpensesCount int             `json:"expenses_count"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Balances = s.Balances.Clone()
	if s.LastExpense != nil {
		ref := *s.LastExpense
		out.LastExpense = &ref
	}
	return out
}

type ExpenseRef struct {
	ID   uuid.UUID `json:"id"`
	Date time.Time `json:"date"`
}

type Payer struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

type Expense struct {
	ID             uuid.UUID       `json:"id"`
	GroupID        uuid.UUID       `json:"group_id"`
	Description    string          `json:"description"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Payers         []Payer         `json:"payers"`
	ParticipantIDs []string        `json:"participant_ids"`
	Split          SplitRule       `json:"-"`
	Date           time.Time       `json:"date"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (e Expense) Ref() *ExpenseRef {
	return &ExpenseRef{ID: e.ID, Date: e.Date}
}

// Validate reports whether the expense can contribute to a balance.
// Every failure wraps ErrMalformedExpense.
func (e Expense) Validate() error {
	if !e.Amount.IsPositive() {
		return fmt.Errorf("%w: %s: %w", ErrMalformedExpense, e.ID, ErrInvalidAmount)
	}
	if NormalizeCurrency(e.Currency) == "" {
		return fmt.Errorf("%w: %s: %w", ErrMalformedExpense, e.ID, ErrEmptyCurrency)
	}
	if e.Split == nil {
		return fmt.Errorf("%w: %s: missing split rule", ErrMalformedExpense, e.ID)
	}
	if err := e.Split.validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedExpense, e.ID, err)
	}
	return nil
}

func NewGroup(name string, participantIDs []string) (Group, error) {
	if strings.TrimSpace(name) == "" {
		return Group{}, ErrEmptyName
	}

	now := time.Now().UTC()

	return Group{
		ID:             uuid.New(),
		Name:           name,
		ParticipantIDs: uniqueIDs(participantIDs),
		Snapshot:       Snapshot{Balances: Balances{}},
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func NewExpense(groupID uuid.UUID, description string, amount decimal.Decimal, currency string, payers []Payer, participantIDs []string, split SplitRule, date time.Time) (*Expense, error) {
	if description == "" {
		return nil, ErrEmptyDescription
	}

	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	currency = NormalizeCurrency(currency)
	if currency == "" {
		return nil, ErrEmptyCurrency
	}

	if split == nil {
		split = EqualSplit{}
	}

	now := time.Now().UTC()
	if date.IsZero() {
		date = now
	}

	expense := &Expense{
		ID:             uuid.New(),
		GroupID:        groupID,
		Description:    description,
		Amount:         amount,
		Currency:       currency,
		Payers:         payers,
		ParticipantIDs: uniqueIDs(participantIDs),
		Split:          split,
		Date:           date.UTC(),
		CreatedAt:      now,
	}

	if err := expense.Validate(); err != nil {
		return nil, err
	}

	return expense, nil
}

func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func idSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
