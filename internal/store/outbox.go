package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// RecordOutboxFailure stores a failed send so it can be retried later.
func (db *DB) RecordOutboxFailure(clientMsgID string, req model.SendRequest, errMsg string) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO outbox (client_msg_id, session_id, request, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, 'failed', ?, ?, ?)
		ON CONFLICT(client_msg_id) DO UPDATE SET
			request = excluded.request,
			status = 'failed',
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`,
		clientMsgID, req.SessionID, string(payload), errMsg, now, now)
	return err
}

// MarkOutboxSent records that a previously failed send went through.
func (db *DB) MarkOutboxSent(clientMsgID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, error_message = '', updated_at = ? WHERE client_msg_id = ?`,
		serverMsgID, now, clientMsgID)
	return err
}

// GetOutbox returns one outbox entry or ErrNotFound.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	row := db.QueryRow(`
		SELECT client_msg_id, session_id, request, status, error_message, server_msg_id, created_at
		FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	e, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// FailedOutbox returns entries still waiting for a retry, oldest first.
func (db *DB) FailedOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT client_msg_id, session_id, request, status, error_message, server_msg_id, created_at
		FROM outbox WHERE status = 'failed' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanOutbox(row interface{ Scan(dest ...any) error }) (*OutboxEntry, error) {
	var e OutboxEntry
	var req string
	if err := row.Scan(&e.ClientMsgID, &e.SessionID, &req, &e.Status, &e.ErrorMessage, &e.ServerMsgID, &e.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(req), &e.Request); err != nil {
		return nil, fmt.Errorf("decode outbox request: %w", err)
	}
	return &e, nil
}
