package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/matheus3301/chatsync/internal/auth"
	"go.uber.org/zap"
)

// Client opens assistant reply streams.
type Client struct {
	baseURL string
	http    *http.Client
	creds   *auth.Credentials
	logger  *zap.Logger
}

// NewClient creates a stream client. The HTTP client has no overall timeout;
// callers bound a stream through its context.
func NewClient(baseURL string, creds *auth.Credentials, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		creds:   creds,
		logger:  logger,
	}
}

// StatusError is a non-2xx response received before streaming began.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("assistant stream: status %d: %s", e.StatusCode, e.Body)
}

// Unwrap maps 401/403 onto auth.ErrReauthenticate.
func (e *StatusError) Unwrap() error {
	if auth.IsAuthFailure(e.StatusCode) {
		return auth.ErrReauthenticate
	}
	return nil
}

// Stream posts body to the assistant-reply-stream endpoint and decodes the
// response until a complete or error chunk, the end of the stream, or ctx
// cancellation. An error chunk is returned as a *ChunkFailure. Cancellation returns ctx.Err() and invokes no handler.
// Request or transport failures invoke OnError exactly once and are returned.
func (c *Client) Stream(ctx context.Context, body any, h Handlers) error {
	var once sync.Once
	fail := func(err error) error {
		once.Do(func() {
			if errors.Is(err, auth.ErrReauthenticate) {
				c.creds.Invalidate("assistant stream rejected credentials")
			}
			if h.OnError != nil {
				h.OnError(err)
			}
		})
		return err
	}
	var chunkErr error
	dec := NewDecoder(Handlers{
		OnDelta:    h.OnDelta,
		OnComplete: h.OnComplete,
		OnError:    func(err error) { chunkErr = fail(err) },
	})

	token := c.creds.Token()
	if token == "" {
		return fail(fmt.Errorf("assistant stream: no credentials: %w", auth.ErrReauthenticate))
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fail(fmt.Errorf("assistant stream: encode request: %w", err))
	}

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(readCtx, http.MethodPost, c.baseURL+"/assistant-reply-stream", bytes.NewReader(payload))
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fail(fmt.Errorf("assistant stream: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fail(&StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(text))})
	}

	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 && dec.Feed(buf[:n]) {
			c.logger.Debug("assistant stream finished")
			// Returning cancels readCtx, which stops the transport.
			return chunkErr
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			dec.Close()
			return chunkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fail(fmt.Errorf("assistant stream: read: %w", rerr))
	}
}
