// Package control is the daemon's local RPC surface. It is a gRPC service
// served on the profile's Unix socket whose messages are
// google.protobuf.Struct values carrying the JSON shapes in types.go.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/sessions"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/timeline"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Control"

// Chat is the part of chat.Client the service drives.
type Chat interface {
	LoadSessions(ctx context.Context, q backend.SessionQuery) ([]model.SessionView, error)
	Sessions() []model.SessionView
	SessionsState() sessions.State
	LoadMessages(ctx context.Context, sessionID, cursor string, limit int) ([]model.Message, error)
	LoadOlder(ctx context.Context, sessionID string) ([]model.Message, error)
	Messages(sessionID string) []model.Message
	TimelineState(sessionID string) timeline.State
	OpenSession(ctx context.Context, sessionID string) ([]model.Message, error)
	CloseSession(ctx context.Context)
	ActiveSession() string
	SendText(ctx context.Context, sessionID, text, recipientID string) (*outbox.Result, error)
	Retry(ctx context.Context, sessionID, localID string) (*outbox.Result, error)
	MarkRead(ctx context.Context, sessionID string) error
	DeleteMessage(ctx context.Context, sessionID, messageID string) error
	Search(query, sessionID string, limit int) ([]store.SearchResult, error)
	RequestAssistantReply(ctx context.Context, sessionID string, prompt map[string]any) error
	AssistantState(sessionID string) chat.AssistantState
	FetchSuggestions(ctx context.Context, sessionID, locale string) ([]model.Suggestion, error)
	SuggestionState(sessionID string) chat.SuggestionState
}

// Account owns the credentials and the live connection.
type Account interface {
	State() status.State
	LoggedIn() bool
	Viewer() string
	Login(ctx context.Context, token string) error
	Logout()
}

// Service implements the Control service.
type Service struct {
	profile   string
	startedAt time.Time
	chat      Chat
	account   Account
	logger    *zap.Logger
}

// NewService creates the control service for a profile.
func NewService(profile string, c Chat, a Account, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		profile:   profile,
		startedAt: time.Now(),
		chat:      c,
		account:   a,
		logger:    logger,
	}
}

// Register adds the service to a gRPC server.
func Register(s *grpc.Server, svc *Service) {
	s.RegisterService(&ServiceDesc, svc)
}

type controlServer interface {
	isControlServer()
}

func (s *Service) isControlServer() {}

// ServiceDesc describes the Control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, (*Service).status),
		unary(MethodLogin, (*Service).login),
		unary(MethodLogout, (*Service).logout),
		unary(MethodListSessions, (*Service).listSessions),
		unary(MethodListMessages, (*Service).listMessages),
		unary(MethodOpenSession, (*Service).openSession),
		unary(MethodCloseSession, (*Service).closeSession),
		unary(MethodSendText, (*Service).sendText),
		unary(MethodRetry, (*Service).retry),
		unary(MethodMarkRead, (*Service).markRead),
		unary(MethodDeleteMessage, (*Service).deleteMessage),
		unary(MethodSearch, (*Service).search),
		unary(MethodAssistantReply, (*Service).assistantReply),
		unary(MethodSuggestReplies, (*Service).suggestReplies),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chatsync/v1/control",
}

// unary adapts a typed handler to a grpc.MethodDesc. Requests are decoded
// from the Struct into Req and replies encoded back into a Struct.
func unary[Req any](name string, fn func(*Service, context.Context, *Req) (any, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, raw any) (any, error) {
				req := new(Req)
				if err := decodeStruct(raw.(*structpb.Struct), req); err != nil {
					return nil, grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
				}
				svc := srv.(*Service)
				out, err := fn(svc, ctx, req)
				if err != nil {
					svc.logger.Debug("control call failed", zap.String("method", name), zap.Error(err))
					return nil, toStatus(err)
				}
				return encodeStruct(out)
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, call)
		},
	}
}

func (s *Service) status(_ context.Context, _ *Empty) (any, error) {
	return &StatusReply{
		Profile:       s.profile,
		State:         string(s.account.State()),
		LoggedIn:      s.account.LoggedIn(),
		ViewerID:      s.account.Viewer(),
		ActiveSession: s.chat.ActiveSession(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}, nil
}

func (s *Service) login(ctx context.Context, req *LoginRequest) (any, error) {
	if strings.TrimSpace(req.Token) == "" {
		return nil, invalidArg("token is required")
	}
	if err := s.account.Login(ctx, req.Token); err != nil {
		return nil, err
	}
	return s.status(ctx, &Empty{})
}

func (s *Service) logout(_ context.Context, _ *Empty) (any, error) {
	s.account.Logout()
	return &Empty{}, nil
}

func (s *Service) listSessions(ctx context.Context, req *ListSessionsRequest) (any, error) {
	list := s.chat.Sessions()
	if req.Refresh || req.Keyword != "" || len(list) == 0 {
		var err error
		list, err = s.chat.LoadSessions(ctx, backend.SessionQuery{Keyword: req.Keyword})
		if err != nil && len(list) == 0 {
			return nil, err
		}
	}
	st := s.chat.SessionsState()
	return &SessionsReply{Sessions: list, Loading: st.Loading, Error: st.Error}, nil
}

func (s *Service) listMessages(ctx context.Context, req *ListMessagesRequest) (any, error) {
	if req.SessionID == "" {
		return nil, invalidArg("sessionId is required")
	}
	var err error
	switch {
	case req.Older:
		_, err = s.chat.LoadOlder(ctx, req.SessionID)
	case req.Refresh || req.Cursor != "":
		_, err = s.chat.LoadMessages(ctx, req.SessionID, req.Cursor, req.Limit)
	case len(s.chat.Messages(req.SessionID)) == 0:
		_, err = s.chat.LoadMessages(ctx, req.SessionID, "", req.Limit)
	}
	msgs := s.chat.Messages(req.SessionID)
	if err != nil && len(msgs) == 0 {
		return nil, err
	}
	return s.messagesReply(req.SessionID, msgs), nil
}

func (s *Service) openSession(ctx context.Context, req *SessionRequest) (any, error) {
	if req.SessionID == "" {
		return nil, invalidArg("sessionId is required")
	}
	msgs, err := s.chat.OpenSession(ctx, req.SessionID)
	if err != nil && len(msgs) == 0 {
		return nil, err
	}
	return s.messagesReply(req.SessionID, msgs), nil
}

func (s *Service) closeSession(ctx context.Context, _ *Empty) (any, error) {
	s.chat.CloseSession(ctx)
	return &Empty{}, nil
}

func (s *Service) sendText(ctx context.Context, req *SendTextRequest) (any, error) {
	if req.SessionID == "" {
		return nil, invalidArg("sessionId is required")
	}
	res, err := s.chat.SendText(ctx, req.SessionID, req.Text, req.RecipientID)
	if err != nil {
		return nil, err
	}
	return sendReply(res), nil
}

func (s *Service) retry(ctx context.Context, req *RetryRequest) (any, error) {
	if req.SessionID == "" || req.LocalID == "" {
		return nil, invalidArg("sessionId and localId are required")
	}
	res, err := s.chat.Retry(ctx, req.SessionID, req.LocalID)
	if err != nil {
		return nil, err
	}
	return sendReply(res), nil
}

func (s *Service) markRead(ctx context.Context, req *SessionRequest) (any, error) {
	if req.SessionID == "" {
		return nil, invalidArg("sessionId is required")
	}
	if err := s.chat.MarkRead(ctx, req.SessionID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) deleteMessage(ctx context.Context, req *DeleteMessageRequest) (any, error) {
	if req.SessionID == "" || req.MessageID == "" {
		return nil, invalidArg("sessionId and messageId are required")
	}
	if err := s.chat.DeleteMessage(ctx, req.SessionID, req.MessageID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) search(_ context.Context, req *SearchRequest) (any, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, invalidArg("query is required")
	}
	results, err := s.chat.Search(req.Query, req.SessionID, req.Limit)
	if err != nil {
		return nil, err
	}
	reply := &SearchReply{Results: make([]SearchHit, 0, len(results))}
	for _, r := range results {
		reply.Results = append(reply.Results, SearchHit{
			SessionID: r.Message.SessionID,
			MessageID: r.Message.ID,
			SenderID:  r.Message.SenderID,
			Snippet:   r.Snippet,
			CreatedAt: r.Message.CreatedAt.Format(time.RFC3339),
		})
	}
	return reply, nil
}

func (s *Service) assistantReply(ctx context.Context, req *AssistantRequest) (any, error) {
	if req.SessionID == "" {
		return nil, invalidArg("sessionId is required")
	}
	prompt := map[string]any{"prompt": req.Prompt}
	if err := s.chat.RequestAssistantReply(ctx, req.SessionID, prompt); err != nil {
		return nil, err
	}
	st := s.chat.AssistantState(req.SessionID)
	return &AssistantReply{Text: st.Text, Error: st.Error}, nil
}

func (s *Service) suggestReplies(ctx context.Context, req *SuggestRequest) (any, error) {
	if req.SessionID == "" {
		return nil, invalidArg("sessionId is required")
	}
	list, err := s.chat.FetchSuggestions(ctx, req.SessionID, req.Locale)
	if err != nil {
		return nil, err
	}
	return &SuggestReply{Suggestions: list, Notice: s.chat.SuggestionState(req.SessionID).Notice}, nil
}

func (s *Service) messagesReply(sessionID string, msgs []model.Message) *MessagesReply {
	if msgs == nil {
		msgs = []model.Message{}
	}
	st := s.chat.TimelineState(sessionID)
	return &MessagesReply{
		SessionID:  sessionID,
		Messages:   msgs,
		Loading:    st.Loading,
		Error:      st.Error,
		HasMore:    st.HasMore,
		NextCursor: st.NextCursor,
	}
}

func sendReply(res *outbox.Result) *SendReply {
	return &SendReply{ClientMessageID: res.ClientMessageID, Via: res.Via, Message: res.Message}
}

type argError string

func (e argError) Error() string { return string(e) }

func invalidArg(msg string) error { return argError(msg) }

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	var arg argError
	switch {
	case errors.As(err, &arg):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, auth.ErrReauthenticate):
		return grpcstatus.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, live.ErrNotConnected):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, outbox.ErrNothingToRetry), errors.Is(err, store.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	}
	if backend.AsAPIError(err) != nil {
		return grpcstatus.Error(codes.Unavailable, err.Error())
	}
	return grpcstatus.Error(codes.Unknown, err.Error())
}

func decodeStruct(in *structpb.Struct, v any) error {
	if in == nil {
		return nil
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func encodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return out, nil
}
