package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// expenseDocument is the JSON form of an expense. CustomSplits keeps the
// difference between absent (null) and empty ([]).
type expenseDocument struct {
	ID             uuid.UUID       `json:"id"`
	GroupID        uuid.UUID       `json:"group_id"`
	Description    string          `json:"description"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Payers         []Payer         `json:"payers"`
	ParticipantIDs []string        `json:"participant_ids"`
	SplitType      SplitType       `json:"split_type"`
	CustomSplits   []SplitEntry    `json:"custom_splits"`
	Date           time.Time       `json:"date"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (e Expense) MarshalJSON() ([]byte, error) {
	doc := expenseDocument{
		ID:             e.ID,
		GroupID:        e.GroupID,
		Description:    e.Description,
		Amount:         e.Amount,
		Currency:       e.Currency,
		Payers:         e.Payers,
		ParticipantIDs: e.ParticipantIDs,
		Date:           e.Date,
		CreatedAt:      e.CreatedAt,
	}
	if e.Split != nil {
		doc.SplitType = e.Split.Type()
		doc.CustomSplits = e.Split.Entries()
	}
	return json.Marshal(doc)
}

// UnmarshalJSON never fails on an unknown split type; the expense is kept
// with a nil Split so Validate reports it as malformed.
func (e *Expense) UnmarshalJSON(data []byte) error {
	var doc expenseDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	split, err := ParseSplit(doc.SplitType, doc.CustomSplits)
	if err != nil {
		split = nil
	}

	*e = Expense{
		ID:             doc.ID,
		GroupID:        doc.GroupID,
		Description:    doc.Description,
		Amount:         doc.Amount,
		Currency:       NormalizeCurrency(doc.Currency),
		Payers:         doc.Payers,
		ParticipantIDs: doc.ParticipantIDs,
		Split:          split,
		Date:           doc.Date,
		CreatedAt:      doc.CreatedAt,
	}
	return nil
}
