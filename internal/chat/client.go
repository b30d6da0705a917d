// Package chat is the action layer used by the control surface: it drives
// REST fetches, the live channel, the send coordinator, and assistant
// streaming, and leaves the results in the timeline and session stores.
package chat

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/sessions"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/stream"
	"github.com/matheus3301/chatsync/internal/timeline"
	"go.uber.org/zap"
)

// DefaultPageSize is the history page size when callers pass no limit.
const DefaultPageSize = 50

// suggestionContextLines caps the recent lines sent with a suggestions request.
const suggestionContextLines = 10

// Backend is the subset of the REST API the client uses.
type Backend interface {
	ListSessions(ctx context.Context, q backend.SessionQuery) (*backend.SessionPage, error)
	ListMessages(ctx context.Context, sessionID string, q backend.MessageQuery) (*backend.MessagePage, error)
	MarkRead(ctx context.Context, sessionID, lastMessageID string) error
	DeleteMessage(ctx context.Context, sessionID, messageID string) error
	UploadAttachment(ctx context.Context, sessionID, name, contentType string, r io.Reader) (*model.Attachment, error)
	GetSmartReplies(ctx context.Context, req model.SmartReplyRequest) (*model.SuggestionResult, error)
}

// Live is the part of the connection manager that follows the open session.
type Live interface {
	SetActiveSession(ctx context.Context, sessionID string)
	Active() string
}

// Streamer runs one assistant reply stream.
type Streamer interface {
	Stream(ctx context.Context, body any, h stream.Handlers) error
}

// Checkpoints remembers the open session across restarts.
type Checkpoints interface {
	RememberActiveSession(sessionID string)
}

// Searcher looks up cached messages.
type Searcher interface {
	SearchMessages(query, sessionID string, limit int) ([]store.SearchResult, error)
}

// Deps wires a Client. Checkpoints and Searcher may be nil.
type Deps struct {
	Backend     Backend
	Live        Live
	Outbox      *outbox.Coordinator
	Streamer    Streamer
	Timeline    *timeline.Store
	Sessions    *sessions.Store
	Checkpoints Checkpoints
	Searcher    Searcher
	Bus         *bus.Bus
	Logger      *zap.Logger
}

// AssistantState is the progress of the latest assistant reply in a session.
type AssistantState struct {
	Text    string `json:"text"`
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
}

// AssistantUpdate is the payload of assistant.delta and assistant.done.
type AssistantUpdate struct {
	SessionID string
	Text      string
	MessageID string
}

// SuggestionState holds the latest reply suggestions of a session. A new
// request keeps the previous suggestions until its own result arrives.
type SuggestionState struct {
	Suggestions []model.Suggestion `json:"suggestions"`
	Loading     bool               `json:"loading"`
	Notice      string             `json:"notice,omitempty"`
}

// SuggestionUpdate is the payload of assistant.suggestions.
type SuggestionUpdate struct {
	SessionID   string
	Suggestions []model.Suggestion
	Notice      string
}

type suggestionRun struct {
	cancel context.CancelFunc
	state  SuggestionState
}

type assistantRun struct {
	gen    uint64
	cancel context.CancelFunc
	state  AssistantState
}

// Client is the UI-facing chat API.
type Client struct {
	backend     Backend
	live        Live
	outbox      *outbox.Coordinator
	streamer    Streamer
	timeline    *timeline.Store
	sessions    *sessions.Store
	checkpoints Checkpoints
	searcher    Searcher
	bus         *bus.Bus
	logger      *zap.Logger

	mu          sync.Mutex
	gen         uint64
	assistant   map[string]*assistantRun
	suggestions map[string]*suggestionRun
}

// New creates a client from d.
func New(d Deps) *Client {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		backend:     d.Backend,
		live:        d.Live,
		outbox:      d.Outbox,
		streamer:    d.Streamer,
		timeline:    d.Timeline,
		sessions:    d.Sessions,
		checkpoints: d.Checkpoints,
		searcher:    d.Searcher,
		bus:         d.Bus,
		logger:      logger,
		assistant:   make(map[string]*assistantRun),
		suggestions: make(map[string]*suggestionRun),
	}
}

// LoadSessions fetches the session list and merges it into the store.
// With a keyword only the matching sessions are returned, in recency order,
// although every fetched session is still merged. On failure the error is
// recorded as the sessions error and returned; already loaded sessions stay.
func (c *Client) LoadSessions(ctx context.Context, q backend.SessionQuery) ([]model.SessionView, error) {
	c.sessions.SetLoading()
	page, err := c.backend.ListSessions(ctx, q)
	if err != nil {
		c.sessions.SetError(err)
		if q.Keyword != "" {
			return nil, fmt.Errorf("load sessions: %w", err)
		}
		return c.sessions.List(), fmt.Errorf("load sessions: %w", err)
	}
	c.sessions.Merge(page.Items...)
	c.sessions.SetLoaded()
	if q.Keyword == "" {
		return c.sessions.List(), nil
	}
	matched := make(map[string]bool, len(page.Items))
	for _, item := range page.Items {
		matched[item.ID] = true
	}
	out := make([]model.SessionView, 0, len(page.Items))
	for _, v := range c.sessions.List() {
		if matched[v.ID] {
			out = append(out, v)
		}
	}
	return out, nil
}

// Sessions returns the ordered session list.
func (c *Client) Sessions() []model.SessionView {
	return c.sessions.List()
}

// SessionsState returns the session list load state.
func (c *Client) SessionsState() sessions.State {
	return c.sessions.State()
}

// LoadMessages fetches a history page. An empty cursor loads the newest
// page and replaces the timeline; a cursor merges an older page.
func (c *Client) LoadMessages(ctx context.Context, sessionID, cursor string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	c.timeline.SetLoading(sessionID)
	page, err := c.backend.ListMessages(ctx, sessionID, backend.MessageQuery{Cursor: cursor, Limit: limit})
	if err != nil {
		c.timeline.SetError(sessionID, err)
		return c.timeline.Messages(sessionID), fmt.Errorf("load messages: %w", err)
	}
	c.timeline.LoadPage(sessionID, cursor, page.Items, page.HasMore, page.NextCursor, cursor == "")
	return c.timeline.Messages(sessionID), nil
}

// LoadOlder fetches the page before the oldest loaded one, if any.
func (c *Client) LoadOlder(ctx context.Context, sessionID string) ([]model.Message, error) {
	st := c.timeline.State(sessionID)
	if !st.HasMore || st.NextCursor == "" {
		return c.timeline.Messages(sessionID), nil
	}
	return c.LoadMessages(ctx, sessionID, st.NextCursor, 0)
}

// Messages returns a session's timeline.
func (c *Client) Messages(sessionID string) []model.Message {
	return c.timeline.Messages(sessionID)
}

// TimelineState returns a session's pagination state.
func (c *Client) TimelineState(sessionID string) timeline.State {
	return c.timeline.State(sessionID)
}

// OpenSession makes sessionID the active session and loads its newest page.
func (c *Client) OpenSession(ctx context.Context, sessionID string) ([]model.Message, error) {
	c.live.SetActiveSession(ctx, sessionID)
	if c.checkpoints != nil {
		c.checkpoints.RememberActiveSession(sessionID)
	}
	return c.LoadMessages(ctx, sessionID, "", 0)
}

// CloseSession leaves the active session.
func (c *Client) CloseSession(ctx context.Context) {
	c.live.SetActiveSession(ctx, "")
	if c.checkpoints != nil {
		c.checkpoints.RememberActiveSession("")
	}
}

// ActiveSession returns the open session id, or "".
func (c *Client) ActiveSession() string {
	return c.live.Active()
}

// Send sends req through the coordinator. A missing sender defaults to
// the viewer.
func (c *Client) Send(ctx context.Context, req model.SendRequest, opts outbox.Options) (*outbox.Result, error) {
	if req.SenderID == "" {
		req.SenderID = c.sessions.Viewer()
	}
	return c.outbox.Send(ctx, req, opts)
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, sessionID, text, recipientID string) (*outbox.Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("send text: empty message")
	}
	return c.Send(ctx, model.SendRequest{
		SessionID:   sessionID,
		RecipientID: recipientID,
		Type:        model.TypeText,
		Content:     text,
	}, outbox.Options{})
}

// Retry resends a failed message.
func (c *Client) Retry(ctx context.Context, sessionID, localID string) (*outbox.Result, error) {
	return c.outbox.Retry(ctx, sessionID, localID)
}

// MarkRead reports the newest confirmed message as read and clears the
// viewer's unread count.
func (c *Client) MarkRead(ctx context.Context, sessionID string) error {
	last, _ := c.timeline.LastConfirmed(sessionID)
	if err := c.backend.MarkRead(ctx, sessionID, last.ID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	c.sessions.MarkRead(sessionID, c.sessions.Viewer())
	return nil
}

// DeleteMessage deletes a message on the server and redacts it locally.
func (c *Client) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	if err := c.backend.DeleteMessage(ctx, sessionID, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	c.timeline.Update(sessionID, messageID, model.RedactDeleted(time.Now()))
	return nil
}

// UploadAttachment uploads a file to a session.
func (c *Client) UploadAttachment(ctx context.Context, sessionID, name, contentType string, r io.Reader) (*model.Attachment, error) {
	att, err := c.backend.UploadAttachment(ctx, sessionID, name, contentType, r)
	if err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}
	c.logger.Info("attachment uploaded", zap.String("session_id", sessionID), zap.String("attachment_id", att.ID))
	return att, nil
}

// Search finds cached messages containing query.
func (c *Client) Search(query, sessionID string, limit int) ([]store.SearchResult, error) {
	if c.searcher == nil {
		return nil, nil
	}
	return c.searcher.SearchMessages(query, sessionID, limit)
}

// RequestAssistantReply streams an assistant reply for sessionID. A newer
// request for the same session cancels this one. prompt is merged into the
// request body next to sessionId.
func (c *Client) RequestAssistantReply(ctx context.Context, sessionID string, prompt map[string]any) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if prev, ok := c.assistant[sessionID]; ok && prev.state.Loading {
		prev.cancel()
	}
	c.gen++
	run := &assistantRun{gen: c.gen, cancel: cancel, state: AssistantState{Loading: true}}
	c.assistant[sessionID] = run
	c.mu.Unlock()

	body := make(map[string]any, len(prompt)+1)
	for k, v := range prompt {
		body[k] = v
	}
	body["sessionId"] = sessionID

	err := c.streamer.Stream(ctx, body, stream.Handlers{
		OnDelta: func(text string) {
			if t, ok := c.updateRun(sessionID, run.gen, func(s *AssistantState) { s.Text += text }); ok {
				c.bus.Emit(bus.KindAssistantDelta, AssistantUpdate{SessionID: sessionID, Text: t})
			}
		},
		OnComplete: func(chunk stream.Chunk) {
			var messageID string
			if chunk.Message != nil {
				msg := *chunk.Message
				if msg.SessionID == "" {
					msg.SessionID = sessionID
				}
				c.timeline.Append(msg)
				messageID = msg.ID
			}
			if t, ok := c.updateRun(sessionID, run.gen, func(s *AssistantState) { s.Loading = false }); ok {
				c.bus.Emit(bus.KindAssistantDone, AssistantUpdate{SessionID: sessionID, Text: t, MessageID: messageID})
			}
		},
		OnError: func(err error) {
			c.updateRun(sessionID, run.gen, func(s *AssistantState) {
				s.Loading = false
				s.Error = err.Error()
			})
		},
	})
	c.updateRun(sessionID, run.gen, func(s *AssistantState) { s.Loading = false })
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("assistant reply: %w", err)
	}
	return nil
}

// AssistantState returns the latest assistant reply state of a session.
func (c *Client) AssistantState(sessionID string) AssistantState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run, ok := c.assistant[sessionID]; ok {
		return run.state
	}
	return AssistantState{}
}

// updateRun applies fn if gen is still the session's current run and
// returns the resulting text.
func (c *Client) updateRun(sessionID string, gen uint64, fn func(*AssistantState)) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.assistant[sessionID]
	if !ok || run.gen != gen {
		return "", false
	}
	fn(&run.state)
	return run.state.Text, true
}

// FetchSuggestions asks the backend for reply suggestions in sessionID. A
// newer request for the same session cancels this one, and a superseded
// request never touches the session's state.
func (c *Client) FetchSuggestions(ctx context.Context, sessionID, locale string) ([]model.Suggestion, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	var kept []model.Suggestion
	if prev, ok := c.suggestions[sessionID]; ok {
		if prev.state.Loading {
			prev.cancel()
		}
		kept = prev.state.Suggestions
	}
	run := &suggestionRun{cancel: cancel, state: SuggestionState{Suggestions: kept, Loading: true}}
	c.suggestions[sessionID] = run
	c.mu.Unlock()

	req := model.SmartReplyRequest{
		SessionID:           sessionID,
		UserID:              c.sessions.Viewer(),
		ConversationContext: c.recentLines(sessionID),
		Locale:              locale,
	}
	if last, ok := c.timeline.LastConfirmed(sessionID); ok {
		req.LastMessageID = last.ID
	}
	res, err := c.backend.GetSmartReplies(ctx, req)

	c.mu.Lock()
	current := c.suggestions[sessionID] == run
	if current {
		run.state.Loading = false
	}
	switch {
	case ctx.Err() != nil:
		c.mu.Unlock()
		return nil, ctx.Err()
	case !current:
		c.mu.Unlock()
		return nil, context.Canceled
	case err != nil:
		run.state.Notice = err.Error()
		c.mu.Unlock()
		return nil, fmt.Errorf("smart replies: %w", err)
	}
	list := res.Suggestions
	if list == nil {
		list = []model.Suggestion{}
	}
	run.state.Suggestions = list
	run.state.Notice = res.Notice
	c.mu.Unlock()

	c.bus.Emit(bus.KindSuggestionsReady, SuggestionUpdate{SessionID: sessionID, Suggestions: list, Notice: res.Notice})
	return list, nil
}

// SuggestionState returns the latest suggestions of a session.
func (c *Client) SuggestionState(sessionID string) SuggestionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run, ok := c.suggestions[sessionID]; ok {
		return run.state
	}
	return SuggestionState{}
}

// recentLines returns the content of the newest confirmed text messages,
// oldest first.
func (c *Client) recentLines(sessionID string) []string {
	msgs := c.timeline.Messages(sessionID)
	var lines []string
	for i := len(msgs) - 1; i >= 0 && len(lines) < suggestionContextLines; i-- {
		m := msgs[i]
		if m.IsLocal || (m.Type != "" && m.Type != model.TypeText) || strings.TrimSpace(m.Content) == "" {
			continue
		}
		lines = append(lines, m.Content)
	}
	slices.Reverse(lines)
	return lines
}

// Reset cancels assistant streams and suggestion requests and clears both
// stores. Used on logout.
func (c *Client) Reset() {
	c.mu.Lock()
	for id, run := range c.assistant {
		run.cancel()
		delete(c.assistant, id)
	}
	for id, run := range c.suggestions {
		run.cancel()
		delete(c.suggestions, id)
	}
	c.mu.Unlock()
	c.timeline.Reset()
	c.sessions.Reset()
	c.logger.Info("chat state reset")
}
