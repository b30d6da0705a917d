package control

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the Control service of a running daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes method with req and decodes the reply into out. Either may
// be nil.
func (c *Client) Call(ctx context.Context, method string, req, out any) error {
	if req == nil {
		req = Empty{}
	}
	in, err := encodeStruct(req)
	if err != nil {
		return err
	}
	reply := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, reply); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := decodeStruct(reply, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (*StatusReply, error) {
	out := new(StatusReply)
	return out, c.Call(ctx, MethodStatus, nil, out)
}

func (c *Client) Login(ctx context.Context, token string) (*StatusReply, error) {
	out := new(StatusReply)
	return out, c.Call(ctx, MethodLogin, LoginRequest{Token: token}, out)
}

func (c *Client) Logout(ctx context.Context) error {
	return c.Call(ctx, MethodLogout, nil, nil)
}

func (c *Client) ListSessions(ctx context.Context, req ListSessionsRequest) (*SessionsReply, error) {
	out := new(SessionsReply)
	return out, c.Call(ctx, MethodListSessions, req, out)
}

func (c *Client) ListMessages(ctx context.Context, req ListMessagesRequest) (*MessagesReply, error) {
	out := new(MessagesReply)
	return out, c.Call(ctx, MethodListMessages, req, out)
}

func (c *Client) OpenSession(ctx context.Context, sessionID string) (*MessagesReply, error) {
	out := new(MessagesReply)
	return out, c.Call(ctx, MethodOpenSession, SessionRequest{SessionID: sessionID}, out)
}

func (c *Client) CloseSession(ctx context.Context) error {
	return c.Call(ctx, MethodCloseSession, nil, nil)
}

func (c *Client) SendText(ctx context.Context, req SendTextRequest) (*SendReply, error) {
	out := new(SendReply)
	return out, c.Call(ctx, MethodSendText, req, out)
}

func (c *Client) Retry(ctx context.Context, sessionID, localID string) (*SendReply, error) {
	out := new(SendReply)
	return out, c.Call(ctx, MethodRetry, RetryRequest{SessionID: sessionID, LocalID: localID}, out)
}

func (c *Client) MarkRead(ctx context.Context, sessionID string) error {
	return c.Call(ctx, MethodMarkRead, SessionRequest{SessionID: sessionID}, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	return c.Call(ctx, MethodDeleteMessage, DeleteMessageRequest{SessionID: sessionID, MessageID: messageID}, nil)
}

func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchReply, error) {
	out := new(SearchReply)
	return out, c.Call(ctx, MethodSearch, req, out)
}

func (c *Client) AssistantReply(ctx context.Context, sessionID, prompt string) (*AssistantReply, error) {
	out := new(AssistantReply)
	return out, c.Call(ctx, MethodAssistantReply, AssistantRequest{SessionID: sessionID, Prompt: prompt}, out)
}

func (c *Client) SuggestReplies(ctx context.Context, sessionID, locale string) (*SuggestReply, error) {
	out := new(SuggestReply)
	return out, c.Call(ctx, MethodSuggestReplies, SuggestRequest{SessionID: sessionID, Locale: locale}, out)
}
