package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type sqlStore struct {
	db *sql.DB
}

func NewSqlStore(db *sql.DB) *sqlStore {
	return &sqlStore{
		db: db,
	}
}

func (s *sqlStore) Save(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	statement := `INSERT INTO ledger_journal (id, group_id, kind, payload, metadata, recorded_at) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = s.db.ExecContext(ctx, statement, e.ID, e.GroupID, e.Kind, string(payload), string(metadata), e.RecordedAt)
	if err != nil {
		return fmt.Errorf("inserting journal entry: %w", err)
	}

	return nil
}

func (s *sqlStore) ListByGroup(ctx context.Context, groupID uuid.UUID) ([]Entry, error) {
	query := `SELECT id, group_id, kind, payload, metadata, recorded_at FROM ledger_journal WHERE group_id = $1 ORDER BY recorded_at ASC`
	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var entry Entry
		var payload, metadata []byte
		if err := rows.Scan(&entry.ID, &entry.GroupID, &entry.Kind, &payload, &metadata, &entry.RecordedAt); err != nil {
			return entries, err
		}
		entry.Payload = json.RawMessage(payload)
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return entries, fmt.Errorf("decoding metadata of %s: %w", entry.ID, err)
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
