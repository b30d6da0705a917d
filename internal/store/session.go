package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// SaveSessions upserts session summaries in one transaction.
func (db *DB) SaveSessions(sessions []model.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, s := range sessions {
		payload, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", s.ID, err)
		}
		var recency int64
		if r := s.Recency(); !r.IsZero() {
			recency = r.UnixMilli()
		}
		if _, err := tx.Exec(`
			INSERT INTO sessions (id, payload, recency, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				payload = excluded.payload,
				recency = excluded.recency,
				updated_at = excluded.updated_at`,
			s.ID, string(payload), recency, now); err != nil {
			return fmt.Errorf("upsert session %s: %w", s.ID, err)
		}
	}
	return tx.Commit()
}

// LoadSessions returns cached sessions, most recent first.
func (db *DB) LoadSessions() ([]model.Session, error) {
	rows, err := db.Query(`SELECT payload FROM sessions ORDER BY recency DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Session
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var s model.Session
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
