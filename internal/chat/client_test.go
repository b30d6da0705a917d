package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/sessions"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/stream"
	"github.com/matheus3301/chatsync/internal/timeline"
)

type fakeBackend struct {
	mu       sync.Mutex
	sessions []model.Session
	pages    map[string]*backend.MessagePage
	err      error
	reads    []string
	deleted  []string
	queries  []backend.MessageQuery

	// smart replies; replyBlock holds the next call until closed or cancelled
	replies    *model.SuggestionResult
	replyErr   error
	replyBlock chan struct{}
	replyReqs  []model.SmartReplyRequest
}

func (f *fakeBackend) ListSessions(context.Context, backend.SessionQuery) (*backend.SessionPage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &backend.SessionPage{Items: f.sessions, Total: len(f.sessions)}, nil
}

func (f *fakeBackend) ListMessages(_ context.Context, sessionID string, q backend.MessageQuery) (*backend.MessagePage, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if p, ok := f.pages[sessionID+"|"+q.Cursor]; ok {
		return p, nil
	}
	return &backend.MessagePage{}, nil
}

func (f *fakeBackend) MarkRead(_ context.Context, sessionID, lastMessageID string) error {
	if f.err != nil {
		return f.err
	}
	f.reads = append(f.reads, sessionID+"|"+lastMessageID)
	return nil
}

func (f *fakeBackend) DeleteMessage(_ context.Context, sessionID, messageID string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeBackend) UploadAttachment(_ context.Context, _, name, contentType string, r io.Reader) (*model.Attachment, error) {
	data, _ := io.ReadAll(r)
	return &model.Attachment{ID: "att-1", Name: name, MimeType: contentType, Size: int64(len(data))}, nil
}

func (f *fakeBackend) SendMessage(_ context.Context, req model.SendRequest) (*model.Message, error) {
	return &model.Message{ID: "srv-" + req.ClientMessageID, SessionID: req.SessionID, Content: req.Content,
		CreatedAt: time.Now(), Metadata: map[string]any{model.MetaClientMessageID: req.ClientMessageID}}, nil
}

func (f *fakeBackend) GetSmartReplies(ctx context.Context, req model.SmartReplyRequest) (*model.SuggestionResult, error) {
	f.mu.Lock()
	f.replyReqs = append(f.replyReqs, req)
	block := f.replyBlock
	f.replyBlock = nil
	res, err := f.replies, f.replyErr
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

type fakeLive struct {
	mu     sync.Mutex
	active string
	calls  []string
}

func (f *fakeLive) SetActiveSession(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = id
	f.calls = append(f.calls, id)
}

func (f *fakeLive) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// connectedSender accepts every send over the live channel.
type connectedSender struct{}

func (connectedSender) State() status.State { return status.Connected }

func (connectedSender) Send(context.Context, model.SendRequest) error { return nil }

type fakeCheckpoints struct{ last string }

func (f *fakeCheckpoints) RememberActiveSession(id string) { f.last = id }

// scriptStreamer replays chunks, or blocks until cancelled when block is set.
type scriptStreamer struct {
	chunks []stream.Chunk
	block  chan struct{}
	bodies []map[string]any
	mu     sync.Mutex
}

func (s *scriptStreamer) Stream(ctx context.Context, body any, h stream.Handlers) error {
	s.mu.Lock()
	s.bodies = append(s.bodies, body.(map[string]any))
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, c := range s.chunks {
		switch c.Type {
		case stream.ChunkDelta:
			h.OnDelta(c.DeltaText())
		case stream.ChunkComplete:
			h.OnComplete(c)
			return nil
		case stream.ChunkError:
			err := &stream.ChunkFailure{Message: c.Error, Code: c.Code}
			h.OnError(err)
			return err
		}
	}
	return nil
}

type harness struct {
	client   *Client
	backend  *fakeBackend
	live     *fakeLive
	streamer *scriptStreamer
	tl       *timeline.Store
	ss       *sessions.Store
	cp       *fakeCheckpoints
	bus      *bus.Bus
}

func newHarness() *harness {
	b := bus.New()
	h := &harness{
		backend:  &fakeBackend{pages: map[string]*backend.MessagePage{}},
		live:     &fakeLive{},
		streamer: &scriptStreamer{},
		tl:       timeline.New(b),
		ss:       sessions.New("u1", b),
		cp:       &fakeCheckpoints{},
		bus:      b,
	}
	h.client = New(Deps{
		Backend:     h.backend,
		Live:        h.live,
		Outbox:      outbox.NewCoordinator(h.tl, nil, h.backend, nil, b, nil),
		Streamer:    h.streamer,
		Timeline:    h.tl,
		Sessions:    h.ss,
		Checkpoints: h.cp,
		Bus:         b,
	})
	return h
}

func at(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func TestLoadSessions(t *testing.T) {
	h := newHarness()
	t1, t2 := at(10), at(20)
	h.backend.sessions = []model.Session{
		{ID: "a", UpdatedAt: &t1, UnreadCounts: map[string]int{"u1": 2}},
		{ID: "b", UpdatedAt: &t2},
	}

	list, err := h.client.LoadSessions(context.Background(), backend.SessionQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "b" || list[1].UnreadCount != 2 {
		t.Errorf("list = %+v", list)
	}
	if st := h.client.SessionsState(); st.Loading || st.Error != "" {
		t.Errorf("state = %+v", st)
	}
}

func TestLoadSessionsErrorKeepsData(t *testing.T) {
	h := newHarness()
	h.ss.Merge(model.Session{ID: "a"})
	h.backend.err = errors.New("network down")

	list, err := h.client.LoadSessions(context.Background(), backend.SessionQuery{})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(list) != 1 {
		t.Errorf("loaded sessions dropped: %+v", list)
	}
	if st := h.client.SessionsState(); st.Error != "network down" || st.Loading {
		t.Errorf("state = %+v", st)
	}
}

func TestLoadSessionsKeywordReturnsMatchesOnly(t *testing.T) {
	h := newHarness()
	t1 := at(10)
	h.ss.Merge(model.Session{ID: "other", UpdatedAt: &t1})
	h.backend.sessions = []model.Session{{ID: "match", UnreadCounts: map[string]int{"u1": 1}}}

	list, err := h.client.LoadSessions(context.Background(), backend.SessionQuery{Keyword: "match"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "match" || list[0].UnreadCount != 1 {
		t.Errorf("list = %+v, want only match", list)
	}
	if got := len(h.client.Sessions()); got != 2 {
		t.Errorf("store holds %d sessions, want 2", got)
	}

	h.backend.err = errors.New("network down")
	list, err = h.client.LoadSessions(context.Background(), backend.SessionQuery{Keyword: "match"})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(list) != 0 {
		t.Errorf("failed keyword search returned %+v", list)
	}
}

func TestLoadSessionsEmptyClearsLoading(t *testing.T) {
	h := newHarness()
	if _, err := h.client.LoadSessions(context.Background(), backend.SessionQuery{}); err != nil {
		t.Fatal(err)
	}
	if h.client.SessionsState().Loading {
		t.Error("still loading after empty page")
	}
}

func TestOpenSessionAndPaging(t *testing.T) {
	h := newHarness()
	h.backend.pages["s1|"] = &backend.MessagePage{
		Items:      []model.Message{{ID: "m3", CreatedAt: at(3)}, {ID: "m4", CreatedAt: at(4)}},
		HasMore:    true,
		NextCursor: "c2",
	}
	h.backend.pages["s1|c2"] = &backend.MessagePage{
		Items: []model.Message{{ID: "m1", CreatedAt: at(1)}, {ID: "m2", CreatedAt: at(2)}},
	}

	msgs, err := h.client.OpenSession(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("first page = %d messages", len(msgs))
	}
	if h.live.Active() != "s1" || h.cp.last != "s1" {
		t.Errorf("active = %q, checkpoint = %q", h.live.Active(), h.cp.last)
	}
	if h.client.ActiveSession() != "s1" {
		t.Errorf("ActiveSession() = %q", h.client.ActiveSession())
	}

	msgs, err = h.client.LoadOlder(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	if strings.Join(ids, ",") != "m1,m2,m3,m4" {
		t.Errorf("ids = %v", ids)
	}
	if st := h.client.TimelineState("s1"); st.HasMore {
		t.Errorf("state = %+v", st)
	}

	// Nothing more to load: no request is made.
	before := len(h.backend.queries)
	if _, err := h.client.LoadOlder(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if len(h.backend.queries) != before {
		t.Error("LoadOlder fetched past the last page")
	}
	if h.backend.queries[0].Limit != DefaultPageSize {
		t.Errorf("limit = %d", h.backend.queries[0].Limit)
	}

	h.client.CloseSession(context.Background())
	if h.live.Active() != "" || h.cp.last != "" {
		t.Errorf("after close: active = %q, checkpoint = %q", h.live.Active(), h.cp.last)
	}
}

func TestLoadMessagesErrorRecorded(t *testing.T) {
	h := newHarness()
	h.tl.Append(model.Message{ID: "m1", SessionID: "s1", CreatedAt: at(1)})
	h.backend.err = errors.New("timeout")

	msgs, err := h.client.LoadMessages(context.Background(), "s1", "", 0)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(msgs) != 1 {
		t.Error("loaded messages dropped")
	}
	if st := h.client.TimelineState("s1"); st.Error != "timeout" || st.Loading {
		t.Errorf("state = %+v", st)
	}
}

func TestSendTextUsesViewer(t *testing.T) {
	h := newHarness()
	res, err := h.client.SendText(context.Background(), "s1", "  hi  ", "")
	if err != nil {
		t.Fatal(err)
	}
	msgs := h.client.Messages("s1")
	if len(msgs) != 1 || msgs[0].ID != res.Message.ID || msgs[0].Content != "hi" {
		t.Errorf("timeline = %+v", msgs)
	}
	if msgs[0].SenderID != "u1" {
		t.Errorf("sender = %q, want viewer u1", msgs[0].SenderID)
	}

	if _, err := h.client.SendText(context.Background(), "s1", "   ", ""); err == nil {
		t.Error("empty text should be rejected")
	}
}

func TestMarkRead(t *testing.T) {
	h := newHarness()
	h.ss.Merge(model.Session{ID: "s1", UnreadCounts: map[string]int{"u1": 5}})
	h.tl.Append(model.Message{ID: "m1", SessionID: "s1", CreatedAt: at(1)})
	h.tl.Append(model.Message{ID: "local", LocalID: "local", SessionID: "s1", IsLocal: true, CreatedAt: at(2)})

	if err := h.client.MarkRead(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if len(h.backend.reads) != 1 || h.backend.reads[0] != "s1|m1" {
		t.Errorf("reads = %v", h.backend.reads)
	}
	if v, _ := h.ss.Get("s1"); v.UnreadCount != 0 {
		t.Errorf("unread = %d", v.UnreadCount)
	}
}

func TestMarkReadAfterLiveSend(t *testing.T) {
	h := newHarness()
	h.client.outbox = outbox.NewCoordinator(h.tl, connectedSender{}, h.backend, nil, h.bus, nil)
	h.tl.Append(model.Message{ID: "m1", SessionID: "s1", CreatedAt: at(1)})

	res, err := h.client.SendText(context.Background(), "s1", "hi", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Via != outbox.ViaLive {
		t.Fatalf("via = %q, want live", res.Via)
	}
	if err := h.client.MarkRead(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if len(h.backend.reads) != 1 || h.backend.reads[0] != "s1|m1" {
		t.Errorf("reads = %v, want [s1|m1]", h.backend.reads)
	}
}

func TestMarkReadAuthFailure(t *testing.T) {
	h := newHarness()
	h.ss.Merge(model.Session{ID: "s1", UnreadCounts: map[string]int{"u1": 5}})
	h.backend.err = &backend.APIError{StatusCode: 401, Message: "expired"}

	err := h.client.MarkRead(context.Background(), "s1")
	if !errors.Is(err, auth.ErrReauthenticate) {
		t.Fatalf("err = %v, want ErrReauthenticate", err)
	}
	if v, _ := h.ss.Get("s1"); v.UnreadCount != 5 {
		t.Errorf("unread changed to %d on failure", v.UnreadCount)
	}
}

func TestDeleteMessage(t *testing.T) {
	h := newHarness()
	h.tl.Append(model.Message{ID: "m1", SessionID: "s1", Content: "oops", CreatedAt: at(1)})

	if err := h.client.DeleteMessage(context.Background(), "s1", "m1"); err != nil {
		t.Fatal(err)
	}
	m, _ := h.tl.Find("s1", "m1")
	if m.Content != model.DeletedPlaceholder || !m.IsRecalled {
		t.Errorf("message = %+v", m)
	}
}

func TestUploadAttachment(t *testing.T) {
	h := newHarness()
	att, err := h.client.UploadAttachment(context.Background(), "s1", "a.txt", "text/plain", strings.NewReader("abc"))
	if err != nil {
		t.Fatal(err)
	}
	if att.ID != "att-1" || att.Size != 3 {
		t.Errorf("attachment = %+v", att)
	}
}

func TestAssistantReplyStreamsAndAppends(t *testing.T) {
	h := newHarness()
	done, unsub := h.bus.Subscribe(bus.KindAssistantDone, 4)
	defer unsub()

	h.streamer.chunks = []stream.Chunk{
		{Type: stream.ChunkDelta, Text: "Hel"},
		{Type: stream.ChunkDelta, Delta: "lo"},
		{Type: stream.ChunkComplete, Message: &model.Message{ID: "a1", Content: "Hello", CreatedAt: at(9)}},
	}
	err := h.client.RequestAssistantReply(context.Background(), "s1", map[string]any{"prompt": "hi"})
	if err != nil {
		t.Fatal(err)
	}

	st := h.client.AssistantState("s1")
	if st.Text != "Hello" || st.Loading || st.Error != "" {
		t.Errorf("state = %+v", st)
	}
	if m, ok := h.tl.Find("s1", "a1"); !ok || m.Content != "Hello" {
		t.Errorf("assistant message not appended: %+v", m)
	}
	body := h.streamer.bodies[0]
	if body["sessionId"] != "s1" || body["prompt"] != "hi" {
		t.Errorf("body = %v", body)
	}
	select {
	case evt := <-done:
		if u := evt.Payload.(AssistantUpdate); u.MessageID != "a1" || u.Text != "Hello" {
			t.Errorf("done = %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for assistant.done")
	}
}

func TestAssistantReplyError(t *testing.T) {
	h := newHarness()
	h.streamer.chunks = []stream.Chunk{{Type: stream.ChunkError, Error: "quota exceeded"}}

	if err := h.client.RequestAssistantReply(context.Background(), "s1", nil); err == nil {
		t.Fatal("expected error")
	}
	if st := h.client.AssistantState("s1"); st.Loading || !strings.Contains(st.Error, "quota exceeded") {
		t.Errorf("state = %+v", st)
	}
}

func TestAssistantReplyNewerRequestCancelsOlder(t *testing.T) {
	h := newHarness()
	h.streamer.block = make(chan struct{})

	first := make(chan error, 1)
	go func() { first <- h.client.RequestAssistantReply(context.Background(), "s1", nil) }()

	deadline := time.After(2 * time.Second)
	for !h.client.AssistantState("s1").Loading {
		select {
		case <-deadline:
			t.Fatal("first request never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	h.streamer.mu.Lock()
	h.streamer.block = nil
	h.streamer.chunks = []stream.Chunk{{Type: stream.ChunkDelta, Text: "new"}, {Type: stream.ChunkComplete}}
	h.streamer.mu.Unlock()

	if err := h.client.RequestAssistantReply(context.Background(), "s1", nil); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-first:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("first request err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first request not cancelled")
	}
	if st := h.client.AssistantState("s1"); st.Text != "new" || st.Loading {
		t.Errorf("state = %+v", st)
	}
}

func TestReset(t *testing.T) {
	h := newHarness()
	h.ss.Merge(model.Session{ID: "s1"})
	h.tl.Append(model.Message{ID: "m1", SessionID: "s1"})

	h.client.Reset()
	if len(h.client.Sessions()) != 0 || len(h.client.Messages("s1")) != 0 {
		t.Error("stores not cleared")
	}
}

func TestFetchSuggestions(t *testing.T) {
	h := newHarness()
	ready, unsub := h.bus.Subscribe(bus.KindSuggestionsReady, 4)
	defer unsub()
	h.tl.Append(model.Message{ID: "m1", SessionID: "s1", Content: "lunch?", CreatedAt: at(1)})
	h.tl.Append(model.Message{ID: "m2", SessionID: "s1", Type: model.TypeImage, Content: "pic.png", CreatedAt: at(2)})
	h.tl.Append(model.Message{ID: "m3", SessionID: "s1", Type: model.TypeText, Content: "at noon", CreatedAt: at(3)})
	h.backend.replies = &model.SuggestionResult{
		Suggestions: []model.Suggestion{{ID: "a", Content: "Sure"}, {ID: "b", Content: "Can't today"}},
		Notice:      "limited context",
	}

	list, err := h.client.FetchSuggestions(context.Background(), "s1", "en-US")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Content != "Sure" {
		t.Errorf("suggestions = %+v", list)
	}
	req := h.backend.replyReqs[0]
	if req.SessionID != "s1" || req.UserID != "u1" || req.LastMessageID != "m3" || req.Locale != "en-US" {
		t.Errorf("request = %+v", req)
	}
	if strings.Join(req.ConversationContext, "|") != "lunch?|at noon" {
		t.Errorf("context = %v", req.ConversationContext)
	}
	st := h.client.SuggestionState("s1")
	if st.Loading || len(st.Suggestions) != 2 || st.Notice != "limited context" {
		t.Errorf("state = %+v", st)
	}
	select {
	case evt := <-ready:
		if u := evt.Payload.(SuggestionUpdate); u.SessionID != "s1" || len(u.Suggestions) != 2 {
			t.Errorf("event = %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for assistant.suggestions")
	}
}

func TestFetchSuggestionsErrorSetsNotice(t *testing.T) {
	h := newHarness()
	h.backend.replies = &model.SuggestionResult{Suggestions: []model.Suggestion{{ID: "a", Content: "Sure"}}}
	if _, err := h.client.FetchSuggestions(context.Background(), "s1", ""); err != nil {
		t.Fatal(err)
	}

	h.backend.replyErr = errors.New("model unavailable")
	if _, err := h.client.FetchSuggestions(context.Background(), "s1", ""); err == nil {
		t.Fatal("expected error")
	}
	st := h.client.SuggestionState("s1")
	if st.Loading || !strings.Contains(st.Notice, "model unavailable") {
		t.Errorf("state = %+v", st)
	}
	if len(st.Suggestions) != 1 {
		t.Errorf("previous suggestions dropped: %+v", st.Suggestions)
	}
}

func TestFetchSuggestionsNewerRequestWins(t *testing.T) {
	h := newHarness()
	h.backend.replyBlock = make(chan struct{})
	h.backend.replies = &model.SuggestionResult{Suggestions: []model.Suggestion{{ID: "new", Content: "latest"}}}

	first := make(chan error, 1)
	go func() {
		_, err := h.client.FetchSuggestions(context.Background(), "s1", "")
		first <- err
	}()

	deadline := time.After(2 * time.Second)
	for !h.client.SuggestionState("s1").Loading {
		select {
		case <-deadline:
			t.Fatal("first request never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	list, err := h.client.FetchSuggestions(context.Background(), "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "new" {
		t.Errorf("suggestions = %+v", list)
	}
	select {
	case err := <-first:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("first request err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first request not cancelled")
	}
	st := h.client.SuggestionState("s1")
	if st.Loading || len(st.Suggestions) != 1 || st.Suggestions[0].ID != "new" {
		t.Errorf("state = %+v", st)
	}
}

func TestFetchSuggestionsCallerCancelClearsLoading(t *testing.T) {
	h := newHarness()
	h.backend.replyBlock = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := h.client.FetchSuggestions(ctx, "s1", "")
		done <- err
	}()
	deadline := time.After(2 * time.Second)
	for !h.client.SuggestionState("s1").Loading {
		select {
		case <-deadline:
			t.Fatal("request never started")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request not cancelled")
	}
	if st := h.client.SuggestionState("s1"); st.Loading || st.Notice != "" {
		t.Errorf("state = %+v", st)
	}
}
