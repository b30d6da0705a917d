package model

import "time"

// SmartReplyRequest asks the backend for reply suggestions in a session.
// The backend loads the history itself; ConversationContext only adds the
// lines this client has on screen.
type SmartReplyRequest struct {
	SessionID           string   `json:"sessionId"`
	UserID              string   `json:"userId"`
	ConversationContext []string `json:"conversationContext,omitempty"`
	LastMessageID       string   `json:"lastMessageId,omitempty"`
	Locale              string   `json:"locale,omitempty"`
}

// Suggestion is one candidate reply.
type Suggestion struct {
	ID          string         `json:"id"`
	Content     string         `json:"content"`
	Source      string         `json:"source,omitempty"`
	Category    string         `json:"category,omitempty"`
	Style       string         `json:"style,omitempty"`
	QuickTip    string         `json:"quickTip,omitempty"`
	Insight     string         `json:"insight,omitempty"`
	Confidence  *float64       `json:"confidence,omitempty"`
	GeneratedAt time.Time      `json:"generatedAt"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SuggestionResult is the smart-replies response.
type SuggestionResult struct {
	Suggestions []Suggestion `json:"suggestions"`
	GeneratedAt time.Time    `json:"generatedAt"`
	LatencyMs   *int         `json:"latencyMs,omitempty"`
	Notice      string       `json:"notice,omitempty"`
}
