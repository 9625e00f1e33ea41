package ledger

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/shopspring/decimal"
)

// Scale is the number of minor-unit digits kept in a stored balance.
const Scale = 2

// Epsilon is the smallest magnitude a stored balance may have.
var Epsilon = decimal.New(5, -3)

// Balances maps user id to currency to signed amount. Positive means the
// group owes the user, negative means the user owes the group. Zero cells and
// users without cells are never stored.
type Balances map[string]map[string]decimal.Decimal

// UserBalance is the persisted and external shape of one user's balances.
type UserBalance struct {
	UserID   string                     `json:"user_id"`
	Balances map[string]decimal.Decimal `json:"balances"`
}

func (b Balances) Get(userID, currency string) decimal.Decimal {
	return b[userID][currency]
}

func (b Balances) Clone() Balances {
	out := make(Balances, len(b))
	for userID, currencies := range b {
		out[userID] = maps.Clone(currencies)
	}
	return out
}

// Set rounds value to Scale and stores it, removing the cell when it rounds
// below Epsilon and the user when no cells remain.
func (b Balances) Set(userID, currency string, value decimal.Decimal) {
	value = value.Round(Scale)
	if value.Abs().LessThan(Epsilon) {
		if currencies, ok := b[userID]; ok {
			delete(currencies, currency)
			if len(currencies) == 0 {
				delete(b, userID)
			}
		}
		return
	}

	currencies, ok := b[userID]
	if !ok {
		currencies = make(map[string]decimal.Decimal)
		b[userID] = currencies
	}
	currencies[currency] = value
}

// Add applies delta to the cell and stores the rounded result.
func (b Balances) Add(userID, currency string, delta decimal.Decimal) {
	b.Set(userID, currency, b.Get(userID, currency).Add(delta))
}

// Records returns the balances ordered by user id.
func (b Balances) Records() []UserBalance {
	out := make([]UserBalance, 0, len(b))
	for _, userID := range slices.Sorted(maps.Keys(b)) {
		out = append(out, UserBalance{UserID: userID, Balances: maps.Clone(b[userID])})
	}
	return out
}

func BalancesFromRecords(records []UserBalance) Balances {
	out := make(Balances, len(records))
	for _, r := range records {
		for currency, value := range r.Balances {
			out.Add(r.UserID, currency, value)
		}
	}
	return out
}

// Within reports whether every cell of b and other differs by less than
// tolerance.
func (b Balances) Within(other Balances, tolerance decimal.Decimal) bool {
	for _, pair := range [][2]Balances{{b, other}, {other, b}} {
		for userID, currencies := range pair[0] {
			for currency, value := range currencies {
				if value.Sub(pair[1].Get(userID, currency)).Abs().GreaterThanOrEqual(tolerance) {
					return false
				}
			}
		}
	}
	return true
}

func (b Balances) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Records())
}

func (b *Balances) UnmarshalJSON(data []byte) error {
	var records []UserBalance
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	*b = BalancesFromRecords(records)
	return nil
}
