package ledger

import "github.com/shopspring/decimal"

// Delta is a signed amount to add to one user's balance in one currency.
type Delta struct {
	UserID   string
	Currency string
	Amount   decimal.Decimal
}

// Resolve turns one expense into signed per-user deltas in the expense's
// currency. Payers in the group are credited what they paid; valid
// participants (the expense's participants that are still in the group) are
// debited their share. No valid participants means no deltas at all.
// Nothing is rounded here.
func Resolve(expense Expense, groupParticipants []string) []Delta {
	group := idSet(groupParticipants)

	valid := make([]string, 0, len(expense.ParticipantIDs))
	for _, userID := range uniqueIDs(expense.ParticipantIDs) {
		if _, ok := group[userID]; ok {
			valid = append(valid, userID)
		}
	}
	if len(valid) == 0 {
		return nil
	}

	currency := NormalizeCurrency(expense.Currency)
	rule := expense.Split
	if rule == nil {
		rule = EqualSplit{}
	}

	deltas := make([]Delta, 0, len(expense.Payers)+len(valid))
	for _, payer := range expense.Payers {
		if _, ok := group[payer.UserID]; !ok {
			continue
		}
		deltas = append(deltas, Delta{UserID: payer.UserID, Currency: currency, Amount: payer.Amount})
	}

	for _, debit := range rule.debits(expense.Amount, valid) {
		deltas = append(deltas, Delta{UserID: debit.UserID, Currency: currency, Amount: debit.Amount.Neg()})
	}

	return deltas
}
