package ledger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LatestExpenseFinder looks up the most recent expense of a group by date.
// It returns nil, nil when the group has no expenses.
type LatestExpenseFinder interface {
	LatestExpense(ctx context.Context, groupID uuid.UUID) (*Expense, error)
}

// SkippedError lists expenses whose contribution was left out of a snapshot
// because they were malformed. The snapshot returned alongside it is complete
// for every other expense.
type SkippedError struct {
	Errs []error
}

func (e *SkippedError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("skipped %d expense(s): %s", len(e.Errs), strings.Join(msgs, "; "))
}

func (e *SkippedError) Unwrap() []error {
	return e.Errs
}

func skipped(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &SkippedError{Errs: errs}
}

type cell struct {
	userID   string
	currency string
}

// FullRecompute derives a snapshot from the complete expense log, ignoring
// whatever was stored before. Malformed expenses still count towards
// ExpensesCount and TotalExpenses but contribute no balance; they are
// reported through a *SkippedError.
func FullRecompute(expenses []Expense, participantIDs []string) (Snapshot, error) {
	participants := uniqueIDs(participantIDs)
	snap := Snapshot{Balances: Balances{}}

	sums := make(map[string]map[string]decimal.Decimal)
	var errs []error
	for _, expense := range expenses {
		snap.ExpensesCount++
		snap.TotalExpenses = snap.TotalExpenses.Add(expense.Amount)
		if ref := expense.Ref(); snap.LastExpense == nil || isNewer(ref, snap.LastExpense) {
			snap.LastExpense = ref
		}

		if err := expense.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if len(participants) == 0 {
			continue
		}

		for _, d := range Resolve(expense, participants) {
			byUser, ok := sums[d.Currency]
			if !ok {
				byUser = make(map[string]decimal.Decimal, len(participants))
				sums[d.Currency] = byUser
			}
			byUser[d.UserID] = byUser[d.UserID].Add(d.Amount)
		}
	}

	for _, currency := range slices.Sorted(maps.Keys(sums)) {
		byUser := sums[currency]
		for _, userID := range slices.Sorted(maps.Keys(byUser)) {
			snap.Balances.Set(userID, currency, byUser[userID])
		}
	}

	return snap, skipped(errs)
}

// ApplyDelta moves snap from the log containing before to the log containing
// after without rereading the log: before's deltas are reversed and after's
// applied. Either side may be nil (create or delete). The result tracks
// FullRecompute over the updated log within Epsilon per applied expense.
//
// finder is only consulted when the expense being removed or moved back in
// time was the snapshot's LastExpense.
func ApplyDelta(ctx context.Context, snap Snapshot, before, after *Expense, participantIDs []string, finder LatestExpenseFinder) (Snapshot, error) {
	next := snap.clone()
	if next.Balances == nil {
		next.Balances = Balances{}
	}
	participants := uniqueIDs(participantIDs)

	sums := make(map[cell]decimal.Decimal)
	var errs []error
	accumulate := func(expense *Expense, sign decimal.Decimal) {
		if err := expense.Validate(); err != nil {
			errs = append(errs, err)
			return
		}
		for _, d := range Resolve(*expense, participants) {
			k := cell{userID: d.UserID, currency: d.Currency}
			sums[k] = sums[k].Add(d.Amount.Mul(sign))
		}
	}

	if before != nil {
		accumulate(before, decimal.NewFromInt(-1))
	}
	if after != nil {
		accumulate(after, decimal.NewFromInt(1))
	}

	cells := slices.SortedFunc(maps.Keys(sums), func(a, b cell) int {
		return cmp.Or(cmp.Compare(a.userID, b.userID), cmp.Compare(a.currency, b.currency))
	})
	for _, k := range cells {
		next.Balances.Add(k.userID, k.currency, sums[k])
	}
	if len(participants) == 0 {
		next.Balances = Balances{}
	}

	switch {
	case before != nil && after == nil:
		next.ExpensesCount = max(next.ExpensesCount-1, 0)
		next.TotalExpenses = next.TotalExpenses.Sub(before.Amount)
	case before == nil && after != nil:
		next.ExpensesCount++
		next.TotalExpenses = next.TotalExpenses.Add(after.Amount)
	case before != nil && after != nil:
		next.TotalExpenses = next.TotalExpenses.Sub(before.Amount).Add(after.Amount)
	}

	switch {
	case before != nil && next.LastExpense != nil && next.LastExpense.ID == before.ID:
		if after != nil && !after.Date.Before(before.Date) {
			next.LastExpense = after.Ref()
			break
		}
		if finder == nil {
			return Snapshot{}, errors.New("last expense was removed and no finder is available")
		}
		latest, err := finder.LatestExpense(ctx, before.GroupID)
		if err != nil {
			return Snapshot{}, fmt.Errorf("finding latest expense: %w", err)
		}
		next.LastExpense = nil
		if latest != nil {
			next.LastExpense = latest.Ref()
		}
	case after != nil && (next.LastExpense == nil || isNewer(after.Ref(), next.LastExpense)):
		next.LastExpense = after.Ref()
	}

	return next, skipped(errs)
}

// isNewer orders by date, then by id so equal dates resolve deterministically.
func isNewer(a, b *ExpenseRef) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.After(b.Date)
	}
	return a.ID.String() > b.ID.String()
}
