package live

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatsync/internal/auth"
	"go.uber.org/zap"
)

// recordSeparator terminates every JSON hub protocol message.
const recordSeparator = 0x1e

type messageType int

const (
	typeInvocation messageType = 1
	typeCompletion messageType = 3
	typePing       messageType = 6
	typeClose      messageType = 7
)

const handshakeTimeout = 15 * time.Second

type hubMessage struct {
	Type         messageType       `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type invocation struct {
	Type         messageType `json:"type"`
	InvocationID string      `json:"invocationId"`
	Target       string      `json:"target"`
	Arguments    []any       `json:"arguments"`
}

// InvocationError is a hub method that completed with an error.
type InvocationError struct {
	Target  string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("hub %s: %s", e.Target, e.Message)
}

// ErrConnClosed is reported by a connection closed from the client side.
var ErrConnClosed = errors.New("live connection closed")

// HubDialer opens JSON hub protocol connections over a websocket.
type HubDialer struct {
	url       string
	creds     *auth.Credentials
	keepalive time.Duration
	ws        *websocket.Dialer
	logger    *zap.Logger
}

// NewHubDialer creates a dialer for the hub at hubURL (http, https, ws or wss).
func NewHubDialer(hubURL string, creds *auth.Credentials, keepalive time.Duration, logger *zap.Logger) *HubDialer {
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &HubDialer{
		url:       hubURL,
		creds:     creds,
		keepalive: keepalive,
		ws:        &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger:    logger,
	}
}

// Dial connects, authenticates, and completes the protocol handshake.
func (d *HubDialer) Dial(ctx context.Context) (Conn, error) {
	token := d.creds.Token()
	if token == "" {
		return nil, fmt.Errorf("dial hub: no credentials: %w", auth.ErrReauthenticate)
	}
	target, err := wsURL(d.url, token)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := d.ws.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && auth.IsAuthFailure(resp.StatusCode) {
			d.creds.Invalidate(fmt.Sprintf("hub rejected credentials with %d", resp.StatusCode))
			return nil, fmt.Errorf("dial hub: %w", auth.ErrReauthenticate)
		}
		return nil, fmt.Errorf("dial hub: %w", err)
	}

	rest, err := handshake(ws)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	c := &hubConn{
		ws:      ws,
		pending: make(map[string]chan hubMessage),
		pushes:  make(chan Push, 256),
		done:    make(chan struct{}),
		logger:  d.logger,
	}
	go c.readLoop(rest)
	go c.pingLoop(d.keepalive)
	d.logger.Info("hub connected", zap.String("url", d.url))
	return c, nil
}

func wsURL(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("hub url: unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// handshake negotiates the json protocol and returns any records that
// arrived in the same frame as the handshake response.
func handshake(ws *websocket.Conn) ([][]byte, error) {
	req, _ := json.Marshal(map[string]any{"protocol": "json", "version": 1})
	if err := ws.WriteMessage(websocket.TextMessage, append(req, recordSeparator)); err != nil {
		return nil, fmt.Errorf("hub handshake: %w", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("hub handshake: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	records := splitRecords(data)
	if len(records) == 0 {
		return nil, errors.New("hub handshake: empty response")
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return nil, fmt.Errorf("hub handshake: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("hub handshake: %s", resp.Error)
	}
	return records[1:], nil
}

func splitRecords(data []byte) [][]byte {
	var out [][]byte
	for _, rec := range bytes.Split(data, []byte{recordSeparator}) {
		if len(bytes.TrimSpace(rec)) > 0 {
			out = append(out, rec)
		}
	}
	return out
}

type hubConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan hubMessage

	pushes    chan Push
	done      chan struct{}
	closeOnce sync.Once
	err       error
	logger    *zap.Logger
}

func (c *hubConn) Pushes() <-chan Push    { return c.pushes }
func (c *hubConn) Done() <-chan struct{}  { return c.done }
func (c *hubConn) Close() error           { c.shutdown(ErrConnClosed); return nil }

func (c *hubConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Invoke calls a hub method and waits for its completion.
func (c *hubConn) Invoke(ctx context.Context, target string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	id := uuid.NewString()
	reply := make(chan hubMessage, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(invocation{Type: typeInvocation, InvocationID: id, Target: target, Arguments: args}); err != nil {
		return fmt.Errorf("hub %s: %w", target, err)
	}

	select {
	case msg := <-reply:
		if msg.Error != "" {
			return &InvocationError{Target: target, Message: msg.Error}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("hub %s: %w", target, c.Err())
	}
}

func (c *hubConn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, append(data, recordSeparator))
}

func (c *hubConn) readLoop(initial [][]byte) {
	for _, rec := range initial {
		if !c.handleRecord(rec) {
			return
		}
	}
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		for _, rec := range splitRecords(data) {
			if !c.handleRecord(rec) {
				return
			}
		}
	}
}

// handleRecord processes one protocol message and reports whether reading
// should continue.
func (c *hubConn) handleRecord(rec []byte) bool {
	var msg hubMessage
	if err := json.Unmarshal(rec, &msg); err != nil {
		c.logger.Debug("dropping malformed hub record", zap.Error(err))
		return true
	}
	switch msg.Type {
	case typeInvocation:
		select {
		case c.pushes <- Push{Target: msg.Target, Arguments: msg.Arguments}:
		case <-c.done:
			return false
		}
	case typeCompletion:
		c.mu.Lock()
		reply, ok := c.pending[msg.InvocationID]
		c.mu.Unlock()
		if ok {
			reply <- msg
		}
	case typePing:
	case typeClose:
		reason := msg.Error
		if reason == "" {
			reason = "no reason given"
		}
		c.shutdown(fmt.Errorf("server closed connection: %s", reason))
		return false
	}
	return true
}

func (c *hubConn) pingLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.write(map[string]messageType{"type": typePing}); err != nil {
				c.shutdown(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *hubConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.ws.Close()
		if !errors.Is(err, ErrConnClosed) {
			c.logger.Warn("hub connection closed", zap.Error(err))
		}
	})
}
