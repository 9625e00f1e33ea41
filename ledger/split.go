package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type SplitType string

const (
	SplitTypeEqual   SplitType = "equal"
	SplitTypeShares  SplitType = "shares"
	SplitTypePercent SplitType = "percent"
	SplitTypeCustom  SplitType = "custom"
)

var (
	ErrUnknownSplitType = errors.New("unknown split type")
	ErrEmptySplits      = errors.New("split entries can't be empty")
)

var hundred = decimal.NewFromInt(100)

// SplitEntry is the untyped wire form of a split line. Its Value is a weight,
// a percentage or an amount depending on the split type it travels with.
type SplitEntry struct {
	UserID string          `json:"user_id"`
	Value  decimal.Decimal `json:"amount"`
}

// SplitRule decides how much of an expense each valid participant owes.
type SplitRule interface {
	Type() SplitType
	// Entries returns the wire form, nil when the rule carries no entries.
	Entries() []SplitEntry
	debits(amount decimal.Decimal, valid []string) []Delta
	validate() error
}

type EqualSplit struct{}

type Weight struct {
	UserID string
	Weight decimal.Decimal
}

// ShareSplit weights each participant; participants without an entry weigh 1.
type ShareSplit struct {
	Weights []Weight
}

type Percent struct {
	UserID  string
	Percent decimal.Decimal
}

// PercentSplit charges amount*percent/100 per entry. Percentages are not
// required to add up to 100.
type PercentSplit struct {
	Percents []Percent
}

type ExactAmount struct {
	UserID string
	Amount decimal.Decimal
}

// ExactSplit charges each entry its literal amount.
type ExactSplit struct {
	Amounts []ExactAmount
}

// ParseSplit builds a rule from its wire form. A nil entries slice means the
// entries were absent, which makes percent and custom fall back to equal.
func ParseSplit(splitType SplitType, entries []SplitEntry) (SplitRule, error) {
	switch splitType {
	case SplitTypeEqual, "":
		return EqualSplit{}, nil
	case SplitTypeShares:
		if entries == nil {
			return ShareSplit{}, nil
		}
		weights := make([]Weight, 0, len(entries))
		for _, e := range entries {
			weights = append(weights, Weight{UserID: e.UserID, Weight: e.Value})
		}
		return ShareSplit{Weights: weights}, nil
	case SplitTypePercent:
		if entries == nil {
			return PercentSplit{}, nil
		}
		percents := make([]Percent, 0, len(entries))
		for _, e := range entries {
			percents = append(percents, Percent{UserID: e.UserID, Percent: e.Value})
		}
		return PercentSplit{Percents: percents}, nil
	case SplitTypeCustom:
		if entries == nil {
			return ExactSplit{}, nil
		}
		amounts := make([]ExactAmount, 0, len(entries))
		for _, e := range entries {
			amounts = append(amounts, ExactAmount{UserID: e.UserID, Amount: e.Value})
		}
		return ExactSplit{Amounts: amounts}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSplitType, splitType)
	}
}

func (EqualSplit) Type() SplitType       { return SplitTypeEqual }
func (EqualSplit) Entries() []SplitEntry { return nil }
func (EqualSplit) validate() error       { return nil }

func (EqualSplit) debits(amount decimal.Decimal, valid []string) []Delta {
	return equalDebits(amount, valid)
}

func (ShareSplit) Type() SplitType { return SplitTypeShares }
func (ShareSplit) validate() error { return nil }

func (s ShareSplit) Entries() []SplitEntry {
	if s.Weights == nil {
		return nil
	}
	out := make([]SplitEntry, 0, len(s.Weights))
	for _, w := range s.Weights {
		out = append(out, SplitEntry{UserID: w.UserID, Value: w.Weight})
	}
	return out
}

func (s ShareSplit) weightOf(userID string) decimal.Decimal {
	for _, w := range s.Weights {
		if w.UserID == userID {
			return w.Weight
		}
	}
	return decimal.NewFromInt(1)
}

func (s ShareSplit) debits(amount decimal.Decimal, valid []string) []Delta {
	total := decimal.Zero
	for _, userID := range valid {
		total = total.Add(s.weightOf(userID))
	}
	if total.IsZero() {
		return nil
	}

	out := make([]Delta, 0, len(valid))
	for _, userID := range valid {
		share := amount.Mul(s.weightOf(userID)).Div(total)
		out = append(out, Delta{UserID: userID, Amount: share})
	}
	return out
}

func (PercentSplit) Type() SplitType { return SplitTypePercent }

func (s PercentSplit) Entries() []SplitEntry {
	if s.Percents == nil {
		return nil
	}
	out := make([]SplitEntry, 0, len(s.Percents))
	for _, p := range s.Percents {
		out = append(out, SplitEntry{UserID: p.UserID, Value: p.Percent})
	}
	return out
}

func (s PercentSplit) validate() error {
	if s.Percents != nil && len(s.Percents) == 0 {
		return fmt.Errorf("percent: %w", ErrEmptySplits)
	}
	return nil
}

func (s PercentSplit) debits(amount decimal.Decimal, valid []string) []Delta {
	if s.Percents == nil {
		return equalDebits(amount, valid)
	}

	allowed := idSet(valid)
	out := make([]Delta, 0, len(s.Percents))
	for _, p := range s.Percents {
		if _, ok := allowed[p.UserID]; !ok {
			continue
		}
		out = append(out, Delta{UserID: p.UserID, Amount: amount.Mul(p.Percent).Div(hundred)})
	}
	return out
}

func (ExactSplit) Type() SplitType { return SplitTypeCustom }

func (s ExactSplit) Entries() []SplitEntry {
	if s.Amounts == nil {
		return nil
	}
	out := make([]SplitEntry, 0, len(s.Amounts))
	for _, a := range s.Amounts {
		out = append(out, SplitEntry{UserID: a.UserID, Value: a.Amount})
	}
	return out
}

func (s ExactSplit) validate() error {
	if s.Amounts != nil && len(s.Amounts) == 0 {
		return fmt.Errorf("custom: %w", ErrEmptySplits)
	}
	return nil
}

func (s ExactSplit) debits(amount decimal.Decimal, valid []string) []Delta {
	if s.Amounts == nil {
		return equalDebits(amount, valid)
	}

	allowed := idSet(valid)
	out := make([]Delta, 0, len(s.Amounts))
	for _, a := range s.Amounts {
		if _, ok := allowed[a.UserID]; !ok {
			continue
		}
		out = append(out, Delta{UserID: a.UserID, Amount: a.Amount})
	}
	return out
}

func equalDebits(amount decimal.Decimal, valid []string) []Delta {
	if len(valid) == 0 {
		return nil
	}
	share := amount.Div(decimal.NewFromInt(int64(len(valid))))
	out := make([]Delta, 0, len(valid))
	for _, userID := range valid {
		out = append(out, Delta{UserID: userID, Amount: share})
	}
	return out
}
