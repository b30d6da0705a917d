package store

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/chatsync/internal/model"
)

// SaveTimeline replaces the cached timeline of a session with msgs, keeping
// their order.
func (db *DB) SaveTimeline(sessionID string, msgs []model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear timeline: %w", err)
	}
	for i, m := range msgs {
		key := m.ID
		if key == "" {
			key = m.LocalID
		}
		if key == "" {
			continue
		}
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", key, err)
		}
		var created int64
		if !m.CreatedAt.IsZero() {
			created = m.CreatedAt.UnixMilli()
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (session_id, message_key, message_id, position, content, status, is_local, created_at, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, message_key) DO UPDATE SET
				message_id = excluded.message_id,
				position = excluded.position,
				content = excluded.content,
				status = excluded.status,
				is_local = excluded.is_local,
				created_at = excluded.created_at,
				payload = excluded.payload`,
			sessionID, key, m.ID, i, m.Content, string(m.Status), m.IsLocal, created, string(payload)); err != nil {
			return fmt.Errorf("insert message %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// LoadTimeline returns the cached timeline of a session in stored order.
func (db *DB) LoadTimeline(sessionID string) ([]model.Message, error) {
	rows, err := db.Query(`
		SELECT payload FROM messages
		WHERE session_id = ?
		ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// TimelineSessionIDs lists sessions with at least one cached message.
func (db *DB) TimelineSessionIDs() ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT session_id FROM messages ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanMessages(rows rowScanner) ([]model.Message, error) {
	var out []model.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m model.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
