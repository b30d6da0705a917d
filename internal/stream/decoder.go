// Package stream decodes the assistant reply stream: blank-line framed
// events whose data: lines carry a JSON chunk tagged delta, complete or error.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/model"
)

// ChunkType discriminates stream chunks.
type ChunkType string

const (
	ChunkDelta    ChunkType = "delta"
	ChunkComplete ChunkType = "complete"
	ChunkError    ChunkType = "error"
)

// DefaultErrorText is reported for error chunks that carry no message.
const DefaultErrorText = "assistant reply failed"

// Chunk is one decoded event.
type Chunk struct {
	Type      ChunkType      `json:"type"`
	Text      string         `json:"text,omitempty"`
	Delta     string         `json:"delta,omitempty"`
	Message   *model.Message `json:"message,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Error     string         `json:"error,omitempty"`
	Code      int            `json:"code,omitempty"`
}

// DeltaText is the incremental text of a delta chunk.
func (c Chunk) DeltaText() string {
	if c.Text != "" {
		return c.Text
	}
	return c.Delta
}

// ChunkFailure is the error reported for an error chunk.
type ChunkFailure struct {
	Message string
	Code    int
}

func (e *ChunkFailure) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("assistant stream error (%d): %s", e.Code, e.Message)
	}
	return "assistant stream error: " + e.Message
}

// Unwrap maps 401/403 codes onto auth.ErrReauthenticate.
func (e *ChunkFailure) Unwrap() error {
	if auth.IsAuthFailure(e.Code) {
		return auth.ErrReauthenticate
	}
	return nil
}

// Handlers receive decoded chunks. Nil handlers are skipped.
type Handlers struct {
	OnDelta    func(text string)
	OnComplete func(Chunk)
	OnError    func(error)
}

// Decoder reassembles events from arbitrarily fragmented input. It is not
// safe for concurrent use; one decode session owns one decoder.
type Decoder struct {
	buf      []byte
	h        Handlers
	finished bool
}

// NewDecoder creates a decoder dispatching to h.
func NewDecoder(h Handlers) *Decoder {
	return &Decoder{h: h}
}

// Finished reports whether a complete or error chunk has been dispatched.
func (d *Decoder) Finished() bool { return d.finished }

// Feed appends p and dispatches every complete event in the buffer. It
// returns true once the session is finished; later input is ignored.
func (d *Decoder) Feed(p []byte) bool {
	if d.finished {
		return true
	}
	d.buf = append(d.buf, p...)
	for !d.finished {
		idx, sepLen := terminator(d.buf)
		if idx < 0 {
			break
		}
		event := d.buf[:idx]
		d.buf = d.buf[idx+sepLen:]
		d.dispatch(event)
	}
	if d.finished {
		d.buf = nil
	}
	return d.finished
}

// Close processes a trailing unterminated event, if it parses.
func (d *Decoder) Close() bool {
	if !d.finished && len(bytes.TrimSpace(d.buf)) > 0 {
		d.dispatch(d.buf)
	}
	d.buf = nil
	return d.finished
}

func (d *Decoder) dispatch(event []byte) {
	payload, ok := dataPayload(event)
	if !ok {
		return
	}
	var c Chunk
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return
	}
	switch c.Type {
	case ChunkDelta:
		if text := c.DeltaText(); text != "" && d.h.OnDelta != nil {
			d.h.OnDelta(text)
		}
	case ChunkComplete:
		d.finished = true
		if d.h.OnComplete != nil {
			d.h.OnComplete(c)
		}
	case ChunkError:
		d.finished = true
		msg := c.Error
		if msg == "" {
			msg = DefaultErrorText
		}
		if d.h.OnError != nil {
			d.h.OnError(&ChunkFailure{Message: msg, Code: c.Code})
		}
	}
}

// dataPayload joins the event's data: lines with newlines.
func dataPayload(event []byte) (string, bool) {
	var parts []string
	for _, line := range strings.Split(string(event), "\n") {
		line = strings.TrimSuffix(line, "\r")
		value, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		parts = append(parts, strings.TrimPrefix(value, " "))
	}
	if len(parts) == 0 {
		return "", false
	}
	payload := strings.Join(parts, "\n")
	return payload, strings.TrimSpace(payload) != ""
}

// terminator finds the earliest blank-line separator.
func terminator(buf []byte) (int, int) {
	lf := bytes.Index(buf, []byte("\n\n"))
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return lf, 2
	default:
		return crlf, 4
	}
}
