package control

import (
	"github.com/matheus3301/chatsync/internal/model"
)

// Method names of the Control service.
const (
	MethodStatus         = "Status"
	MethodLogin          = "Login"
	MethodLogout         = "Logout"
	MethodListSessions   = "ListSessions"
	MethodListMessages   = "ListMessages"
	MethodOpenSession    = "OpenSession"
	MethodCloseSession   = "CloseSession"
	MethodSendText       = "SendText"
	MethodRetry          = "Retry"
	MethodMarkRead       = "MarkRead"
	MethodDeleteMessage  = "DeleteMessage"
	MethodSearch         = "Search"
	MethodAssistantReply = "AssistantReply"
	MethodSuggestReplies = "SuggestReplies"
)

// Empty is the request and reply of methods that carry nothing.
type Empty struct{}

type StatusReply struct {
	Profile       string `json:"profile"`
	State         string `json:"state"`
	LoggedIn      bool   `json:"loggedIn"`
	ViewerID      string `json:"viewerId,omitempty"`
	ActiveSession string `json:"activeSession,omitempty"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

type LoginRequest struct {
	Token string `json:"token"`
}

type ListSessionsRequest struct {
	Keyword string `json:"keyword,omitempty"`
	Refresh bool   `json:"refresh,omitempty"`
}

type SessionsReply struct {
	Sessions []model.SessionView `json:"sessions"`
	Loading  bool                `json:"loading"`
	Error    string              `json:"error,omitempty"`
}

// ListMessagesRequest reads a timeline. Refresh fetches the newest page
// first; Older fetches the page before the oldest loaded message.
type ListMessagesRequest struct {
	SessionID string `json:"sessionId"`
	Cursor    string `json:"cursor,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Refresh   bool   `json:"refresh,omitempty"`
	Older     bool   `json:"older,omitempty"`
}

type MessagesReply struct {
	SessionID  string          `json:"sessionId"`
	Messages   []model.Message `json:"messages"`
	Loading    bool            `json:"loading"`
	Error      string          `json:"error,omitempty"`
	HasMore    bool            `json:"hasMore"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

type SendTextRequest struct {
	SessionID   string `json:"sessionId"`
	Text        string `json:"text"`
	RecipientID string `json:"recipientId,omitempty"`
}

type RetryRequest struct {
	SessionID string `json:"sessionId"`
	LocalID   string `json:"localId"`
}

type SendReply struct {
	ClientMessageID string         `json:"clientMessageId"`
	Via             string         `json:"via"`
	Message         *model.Message `json:"message,omitempty"`
}

type DeleteMessageRequest struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

type SearchRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"sessionId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type SearchHit struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	Snippet   string `json:"snippet"`
	CreatedAt string `json:"createdAt"`
}

type SearchReply struct {
	Results []SearchHit `json:"results"`
}

// AssistantRequest asks for a streamed assistant reply. The call returns
// once the stream ends.
type AssistantRequest struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

type AssistantReply struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

type SuggestRequest struct {
	SessionID string `json:"sessionId"`
	Locale    string `json:"locale,omitempty"`
}

type SuggestReply struct {
	Suggestions []model.Suggestion `json:"suggestions"`
	Notice      string             `json:"notice,omitempty"`
}
