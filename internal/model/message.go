package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"
)

// MessageType classifies message content.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

// wire order of the server's numeric enum
var typeByOrdinal = []MessageType{TypeText, TypeImage, TypeFile, TypeSystem}

// UnmarshalJSON accepts the server's enum either as a name in any case
// ("Text", "system") or as its ordinal.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = MessageType(strings.ToLower(strings.TrimSpace(s)))
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("message type: %w", err)
	}
	if n < 0 || n >= len(typeByOrdinal) {
		return fmt.Errorf("message type: unknown ordinal %d", n)
	}
	*t = typeByOrdinal[n]
	return nil
}

// Status is the delivery state of a message as seen by this client.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// MetaClientMessageID is the metadata key that may carry the correlation id
// when the server does not echo it as a first-class field.
const MetaClientMessageID = "clientMessageId"

// DeletedPlaceholder replaces the content of a deleted message.
const DeletedPlaceholder = "message recalled"

// Attachment is file metadata returned by the upload endpoint.
type Attachment struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimeType"`
	URL          string    `json:"url"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

// Message is a single timeline entry. ID is server-assigned; LocalID and
// ClientMessageID exist only while an optimistic echo awaits confirmation.
type Message struct {
	ID              string         `json:"id"`
	LocalID         string         `json:"localId,omitempty"`
	ClientMessageID string         `json:"clientMessageId,omitempty"`
	SessionID       string         `json:"sessionId"`
	SenderID        string         `json:"senderId"`
	SenderName      string         `json:"senderName,omitempty"`
	RecipientID     string         `json:"recipientId,omitempty"`
	Type            MessageType    `json:"type"`
	Content         string         `json:"content"`
	Attachment      *Attachment    `json:"attachment,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       *time.Time     `json:"updatedAt,omitempty"`
	Status          Status         `json:"status,omitempty"`
	IsLocal         bool           `json:"isLocal,omitempty"`
	IsRecalled      bool           `json:"isRecalled,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// CorrelationKey returns the id used to match this message against an
// optimistic echo: ClientMessageID, else LocalID.
func (m Message) CorrelationKey() string {
	if m.ClientMessageID != "" {
		return m.ClientMessageID
	}
	return m.LocalID
}

// Clone returns a deep copy that shares no maps or pointers with m.
func (m Message) Clone() Message {
	out := m
	if m.Metadata != nil {
		out.Metadata = maps.Clone(m.Metadata)
	}
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	if m.UpdatedAt != nil {
		u := *m.UpdatedAt
		out.UpdatedAt = &u
	}
	return out
}

// MergeOver returns base with every non-zero field of m written over it.
// Metadata keys are merged, m's values winning.
func (m Message) MergeOver(base Message) Message {
	out := base.Clone()
	if m.ID != "" {
		out.ID = m.ID
	}
	if m.LocalID != "" {
		out.LocalID = m.LocalID
	}
	if m.ClientMessageID != "" {
		out.ClientMessageID = m.ClientMessageID
	}
	if m.SessionID != "" {
		out.SessionID = m.SessionID
	}
	if m.SenderID != "" {
		out.SenderID = m.SenderID
	}
	if m.SenderName != "" {
		out.SenderName = m.SenderName
	}
	if m.RecipientID != "" {
		out.RecipientID = m.RecipientID
	}
	if m.Type != "" {
		out.Type = m.Type
	}
	if m.Content != "" {
		out.Content = m.Content
	}
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	if !m.CreatedAt.IsZero() {
		out.CreatedAt = m.CreatedAt
	}
	if m.UpdatedAt != nil {
		u := *m.UpdatedAt
		out.UpdatedAt = &u
	}
	if m.Status != "" {
		out.Status = m.Status
	}
	if m.IsLocal {
		out.IsLocal = true
	}
	if m.IsRecalled {
		out.IsRecalled = true
	}
	if len(m.Metadata) > 0 {
		if out.Metadata == nil {
			out.Metadata = make(map[string]any, len(m.Metadata))
		}
		maps.Copy(out.Metadata, m.Metadata)
	}
	return out
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Content    *string
	Type       *MessageType
	Status     *Status
	IsLocal    *bool
	IsRecalled *bool
	UpdatedAt  *time.Time
	Metadata   map[string]any
}

// Apply returns m with the patch merged in.
func (p Patch) Apply(m Message) Message {
	out := m.Clone()
	if p.Content != nil {
		out.Content = *p.Content
	}
	if p.Type != nil {
		out.Type = *p.Type
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.IsLocal != nil {
		out.IsLocal = *p.IsLocal
	}
	if p.IsRecalled != nil {
		out.IsRecalled = *p.IsRecalled
	}
	if p.UpdatedAt != nil {
		u := *p.UpdatedAt
		out.UpdatedAt = &u
	}
	if len(p.Metadata) > 0 {
		if out.Metadata == nil {
			out.Metadata = make(map[string]any, len(p.Metadata))
		}
		maps.Copy(out.Metadata, p.Metadata)
	}
	return out
}

// StatusPatch moves a message to s and sets whether it is still local.
func StatusPatch(s Status, isLocal bool) Patch {
	return Patch{Status: &s, IsLocal: &isLocal}
}

// RedactDeleted builds the patch applied when a message is deleted
// server-side: the content is replaced and the entry becomes a system line.
func RedactDeleted(at time.Time) Patch {
	content := DeletedPlaceholder
	typ := TypeSystem
	recalled := true
	meta := map[string]any{"isDeleted": true}
	if !at.IsZero() {
		meta["deletedAt"] = at.UTC().Format(time.RFC3339Nano)
	}
	return Patch{Content: &content, Type: &typ, IsRecalled: &recalled, Metadata: meta}
}
