package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *repository {
	return &repository{db: db}
}

const expenseColumns = `id, group_id, description, amount, currency, payers, participant_ids, split_type, custom_splits, date, created_at`

func (r *repository) CreateGroup(ctx context.Context, group Group) error {
	query := `INSERT INTO groups (id, name, participant_ids, total_expenses, expenses_count, created_at, updated_at) VALUES ($1, $2, $3, 0, 0, $4, $5)`
	_, err := r.db.ExecContext(
		ctx,
		query,
		group.ID,
		group.Name,
		pq.Array(group.ParticipantIDs),
		group.CreatedAt,
		group.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting group: %w", err)
	}
	return nil
}

// GetGroup returns nil, nil when the group does not exist.
func (r *repository) GetGroup(ctx context.Context, groupID uuid.UUID) (*Group, error) {
	return getGroup(ctx, r.db, groupID, false)
}

func getGroup(ctx context.Context, q querier, groupID uuid.UUID, forUpdate bool) (*Group, error) {
	query := `SELECT id, name, participant_ids, last_expense_id, last_expense_at, total_expenses, expenses_count, created_at, updated_at FROM groups WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var group Group
	var lastID uuid.NullUUID
	var lastAt sql.NullTime
	err := q.QueryRowContext(ctx, query, groupID).Scan(
		&group.ID,
		&group.Name,
		pq.Array(&group.ParticipantIDs),
		&lastID,
		&lastAt,
		&group.Snapshot.TotalExpenses,
		&group.Snapshot.ExpensesCount,
		&group.CreatedAt,
		&group.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying group: %w", err)
	}
	if lastID.Valid {
		group.Snapshot.LastExpense = &ExpenseRef{ID: lastID.UUID, Date: lastAt.Time}
	}

	rows, err := q.QueryContext(ctx, `SELECT user_id, currency, amount FROM group_balances WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, fmt.Errorf("querying balances: %w", err)
	}
	defer rows.Close()

	group.Snapshot.Balances = Balances{}
	for rows.Next() {
		var userID, currency string
		var amount decimal.Decimal
		if err := rows.Scan(&userID, &currency, &amount); err != nil {
			return nil, err
		}
		group.Snapshot.Balances.Set(userID, currency, amount)
	}

	return &group, rows.Err()
}

func (r *repository) SetParticipants(ctx context.Context, groupID uuid.UUID, participantIDs []string) error {
	query := `UPDATE groups SET participant_ids = $1, updated_at = $2 WHERE id = $3`
	res, err := r.db.ExecContext(ctx, query, pq.Array(uniqueIDs(participantIDs)), time.Now().UTC(), groupID)
	if err != nil {
		return fmt.Errorf("updating participants: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrGroupNotFound
	}
	return nil
}

func (r *repository) ListExpenses(ctx context.Context, groupID uuid.UUID) ([]Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE group_id = $1 ORDER BY date ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("querying expenses: %w", err)
	}
	defer rows.Close()

	var expenses []Expense
	for rows.Next() {
		expense, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, *expense)
	}

	return expenses, rows.Err()
}

// GetExpense returns nil, nil when the expense does not exist.
func (r *repository) GetExpense(ctx context.Context, groupID, expenseID uuid.UUID) (*Expense, error) {
	return getExpense(ctx, r.db, groupID, expenseID, false)
}

func getExpense(ctx context.Context, q querier, groupID, expenseID uuid.UUID, forUpdate bool) (*Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE group_id = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	expense, err := scanExpense(q.QueryRowContext(ctx, query, groupID, expenseID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return expense, err
}

func (r *repository) LatestExpense(ctx context.Context, groupID uuid.UUID) (*Expense, error) {
	return latestExpense(ctx, r.db, groupID)
}

func latestExpense(ctx context.Context, q querier, groupID uuid.UUID) (*Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE group_id = $1 ORDER BY date DESC, id DESC LIMIT 1`
	expense, err := scanExpense(q.QueryRowContext(ctx, query, groupID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return expense, err
}

func (r *repository) CreateExpense(ctx context.Context, expense Expense) error {
	payers, splits, err := encodeExpense(expense)
	if err != nil {
		return err
	}

	query := `INSERT INTO expenses (` + expenseColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = r.db.ExecContext(
		ctx,
		query,
		expense.ID,
		expense.GroupID,
		expense.Description,
		expense.Amount,
		expense.Currency,
		payers,
		pq.Array(expense.ParticipantIDs),
		splitTypeOf(expense),
		splits,
		expense.Date,
		expense.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting expense: %w", err)
	}
	return nil
}

// UpdateExpense replaces an expense and returns the state it had before.
// A zero Date keeps the stored date.
func (r *repository) UpdateExpense(ctx context.Context, expense Expense) (*Expense, error) {
	payers, splits, err := encodeExpense(expense)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	before, err := getExpense(ctx, tx, expense.GroupID, expense.ID, true)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, ErrExpenseNotFound
	}

	date := sql.NullTime{Time: expense.Date, Valid: !expense.Date.IsZero()}
	query := `UPDATE expenses SET description = $1, amount = $2, currency = $3, payers = $4, participant_ids = $5, split_type = $6, custom_splits = $7, date = COALESCE($8, date) WHERE id = $9`
	_, err = tx.ExecContext(
		ctx,
		query,
		expense.Description,
		expense.Amount,
		expense.Currency,
		payers,
		pq.Array(expense.ParticipantIDs),
		splitTypeOf(expense),
		splits,
		date,
		expense.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating expense: %w", err)
	}

	return before, tx.Commit()
}

// DeleteExpense removes an expense and returns the state it had before.
func (r *repository) DeleteExpense(ctx context.Context, groupID, expenseID uuid.UUID) (*Expense, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	before, err := getExpense(ctx, tx, groupID, expenseID, true)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, ErrExpenseNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM expenses WHERE id = $1`, expenseID); err != nil {
		return nil, fmt.Errorf("deleting expense: %w", err)
	}

	return before, tx.Commit()
}

// SaveSnapshot replaces balances, last expense, total and count of a group
// in one transaction.
func (r *repository) SaveSnapshot(ctx context.Context, groupID uuid.UUID, snap Snapshot, updatedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveSnapshot(ctx, tx, groupID, snap, updatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateSnapshot locks the group row, hands the current group to fn and saves
// the snapshot fn returns, all in one transaction. Concurrent callers for the
// same group are serialized by the row lock. fn's finder reads inside the
// same transaction.
func (r *repository) UpdateSnapshot(ctx context.Context, groupID uuid.UUID, updatedAt time.Time, fn func(group Group, finder LatestExpenseFinder) (Snapshot, error)) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	group, err := getGroup(ctx, tx, groupID, true)
	if err != nil {
		return err
	}
	if group == nil {
		return ErrGroupNotFound
	}

	snap, err := fn(*group, txFinder{tx: tx})
	if err != nil {
		return err
	}

	if err := saveSnapshot(ctx, tx, groupID, snap, updatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

type txFinder struct {
	tx *sql.Tx
}

func (f txFinder) LatestExpense(ctx context.Context, groupID uuid.UUID) (*Expense, error) {
	return latestExpense(ctx, f.tx, groupID)
}

func saveSnapshot(ctx context.Context, tx *sql.Tx, groupID uuid.UUID, snap Snapshot, updatedAt time.Time) error {
	var lastID uuid.NullUUID
	var lastAt sql.NullTime
	if snap.LastExpense != nil {
		lastID = uuid.NullUUID{UUID: snap.LastExpense.ID, Valid: true}
		lastAt = sql.NullTime{Time: snap.LastExpense.Date, Valid: true}
	}

	query := `UPDATE groups SET last_expense_id = $1, last_expense_at = $2, total_expenses = $3, expenses_count = $4, updated_at = $5 WHERE id = $6`
	res, err := tx.ExecContext(ctx, query, lastID, lastAt, snap.TotalExpenses, snap.ExpensesCount, updatedAt, groupID)
	if err != nil {
		return fmt.Errorf("updating group aggregates: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrGroupNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_balances WHERE group_id = $1`, groupID); err != nil {
		return fmt.Errorf("clearing balances: %w", err)
	}

	for _, record := range snap.Balances.Records() {
		for currency, amount := range record.Balances {
			query = `INSERT INTO group_balances (group_id, user_id, currency, amount) VALUES ($1, $2, $3, $4)`
			_, err = tx.ExecContext(ctx, query, groupID, record.UserID, currency, amount)
			if err != nil {
				return fmt.Errorf("inserting balance: %w", err)
			}
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExpense(s scanner) (*Expense, error) {
	var expense Expense
	var payers, splits []byte
	var splitType SplitType
	err := s.Scan(
		&expense.ID,
		&expense.GroupID,
		&expense.Description,
		&expense.Amount,
		&expense.Currency,
		&payers,
		pq.Array(&expense.ParticipantIDs),
		&splitType,
		&splits,
		&expense.Date,
		&expense.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payers, &expense.Payers); err != nil {
		return nil, fmt.Errorf("decoding payers of %s: %w", expense.ID, err)
	}

	var entries []SplitEntry
	if splits != nil {
		if err := json.Unmarshal(splits, &entries); err != nil {
			return nil, fmt.Errorf("decoding splits of %s: %w", expense.ID, err)
		}
		if entries == nil {
			entries = []SplitEntry{}
		}
	}

	// An unknown split type leaves Split nil; Validate reports it.
	if rule, err := ParseSplit(splitType, entries); err == nil {
		expense.Split = rule
	}

	return &expense, nil
}

// encodeExpense renders the JSONB columns as strings; pq sends []byte as
// bytea. splits is nil when the rule carries no entries.
func encodeExpense(expense Expense) (payers string, splits any, err error) {
	payers = "[]"
	if expense.Payers != nil {
		raw, err := json.Marshal(expense.Payers)
		if err != nil {
			return "", nil, err
		}
		payers = string(raw)
	}

	if expense.Split != nil {
		if entries := expense.Split.Entries(); entries != nil {
			raw, err := json.Marshal(entries)
			if err != nil {
				return "", nil, err
			}
			splits = string(raw)
		}
	}

	return payers, splits, nil
}

func splitTypeOf(expense Expense) SplitType {
	if expense.Split == nil {
		return SplitTypeEqual
	}
	return expense.Split.Type()
}
