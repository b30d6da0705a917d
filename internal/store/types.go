package store

import "github.com/matheus3301/chatsync/internal/model"

// Outbox statuses.
const (
	OutboxFailed = "failed"
	OutboxSent   = "sent"
)

// OutboxEntry is a send that failed and may be retried.
type OutboxEntry struct {
	ClientMsgID  string
	SessionID    string
	Request      model.SendRequest
	Status       string
	ErrorMessage string
	ServerMsgID  string
	CreatedAt    int64
}

// SearchResult is a cached message matching a search query.
type SearchResult struct {
	Message model.Message
	Snippet string
}
