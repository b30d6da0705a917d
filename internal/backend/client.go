// Package backend is the REST client for the chat API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

// Client talks to the chat REST API rooted at baseURL (e.g. https://host/api/chat).
type Client struct {
	baseURL string
	http    *http.Client
	creds   *auth.Credentials
	logger  *zap.Logger
}

// New creates a REST client. A zero timeout means 30s.
func New(baseURL string, creds *auth.Credentials, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		creds:   creds,
		logger:  logger,
	}
}

// SessionQuery filters the session list.
type SessionQuery struct {
	Page            int
	PageSize        int
	Keyword         string
	IncludeInactive bool
}

// SessionPage is one page of the session list.
type SessionPage struct {
	Items    []model.Session `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"pageSize"`
}

// MessageQuery pages backwards through a session's history.
type MessageQuery struct {
	Cursor string
	Limit  int
}

// MessagePage is one page of history.
type MessagePage struct {
	Items      []model.Message `json:"items"`
	HasMore    bool            `json:"hasMore"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// ListSessions fetches a page of sessions.
func (c *Client) ListSessions(ctx context.Context, q SessionQuery) (*SessionPage, error) {
	v := url.Values{}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		v.Set("pageSize", strconv.Itoa(q.PageSize))
	}
	if q.Keyword != "" {
		v.Set("keyword", q.Keyword)
	}
	if q.IncludeInactive {
		v.Set("includeInactive", "true")
	}
	var page SessionPage
	if err := c.doJSON(ctx, http.MethodGet, "/sessions", v, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListMessages fetches a page of a session's messages.
func (c *Client) ListMessages(ctx context.Context, sessionID string, q MessageQuery) (*MessagePage, error) {
	v := url.Values{}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var page MessagePage
	if err := c.doJSON(ctx, http.MethodGet, "/messages/"+url.PathEscape(sessionID), v, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMessage posts a message and returns the server's copy.
func (c *Client) SendMessage(ctx context.Context, req model.SendRequest) (*model.Message, error) {
	var msg model.Message
	if err := c.doJSON(ctx, http.MethodPost, "/messages", nil, req, &msg); err != nil {
		return nil, err
	}
	if msg.SessionID == "" {
		msg.SessionID = req.SessionID
	}
	return &msg, nil
}

// MarkRead records that the viewer has read up to lastMessageID.
func (c *Client) MarkRead(ctx context.Context, sessionID, lastMessageID string) error {
	body := map[string]string{"lastMessageId": lastMessageID}
	return c.doJSON(ctx, http.MethodPost, "/messages/"+url.PathEscape(sessionID)+"/read", nil, body, nil)
}

// DeleteMessage deletes (recalls) a message.
func (c *Client) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	path := "/messages/" + url.PathEscape(sessionID) + "/" + url.PathEscape(messageID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil, nil)
}

// UploadAttachment uploads r as a multipart "file" field.
func (c *Client) UploadAttachment(ctx context.Context, sessionID, name, contentType string, r io.Reader) (*model.Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	path := "/attachments/" + url.PathEscape(sessionID) + "/attachments"
	var att model.Attachment
	if err := c.do(ctx, http.MethodPost, path, nil, &buf, mw.FormDataContentType(), &att); err != nil {
		return nil, err
	}
	return &att, nil
}

// GetSmartReplies asks for reply suggestions.
func (c *Client) GetSmartReplies(ctx context.Context, req model.SmartReplyRequest) (*model.SuggestionResult, error) {
	var res model.SuggestionResult
	if err := c.doJSON(ctx, http.MethodPost, "/ai/smart-replies", nil, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, query, reader, contentType, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out any) error {
	token := c.creds.Token()
	if token == "" {
		return fmt.Errorf("%s %s: no credentials: %w", method, path, auth.ErrReauthenticate)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.logger.Debug("api request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeAPIError(resp)
		if auth.IsAuthFailure(resp.StatusCode) {
			c.creds.Invalidate(fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode))
		}
		return apiErr
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	return decodeBody(resp.StatusCode, data, out)
}

// envelope is the ApiResponse wrapper the backend puts around payloads.
type envelope struct {
	Success      *bool           `json:"success"`
	Data         json.RawMessage `json:"data"`
	ErrorCode    string          `json:"errorCode"`
	ErrorMessage string          `json:"errorMessage"`
}

func decodeBody(status int, data []byte, out any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Success != nil {
		if !*env.Success {
			return &APIError{StatusCode: status, Code: env.ErrorCode, Message: env.ErrorMessage}
		}
		data = env.Data
	}
	if out == nil || len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var env envelope
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env)
	if env.ErrorMessage != "" || env.ErrorCode != "" {
		return &APIError{StatusCode: resp.StatusCode, Code: env.ErrorCode, Message: env.ErrorMessage}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
}

// APIError is a non-2xx response or an envelope with success=false.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("api error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

// Unwrap maps 401/403 onto auth.ErrReauthenticate.
func (e *APIError) Unwrap() error {
	if e != nil && auth.IsAuthFailure(e.StatusCode) {
		return auth.ErrReauthenticate
	}
	return nil
}

// AsAPIError extracts an *APIError from err's chain.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}
