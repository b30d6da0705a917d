package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// Hub methods invoked by the client.
const (
	MethodSend  = "SendMessageAsync"
	MethodJoin  = "JoinSessionAsync"
	MethodLeave = "LeaveSessionAsync"
)

// Push targets sent by the server.
const (
	TargetReceiveMessage = "ReceiveMessage"
	TargetSessionUpdated = "SessionUpdated"
	TargetMessageDeleted = "MessageDeleted"
	TargetSessionRead    = "SessionRead"
)

// ErrUnknownEvent is returned for push targets outside the known set.
var ErrUnknownEvent = errors.New("unknown push event")

// EventKind is the closed set of push events the sync core understands.
type EventKind int

const (
	EventMessageReceived EventKind = iota + 1
	EventSessionUpdated
	EventMessageDeleted
	EventSessionRead
)

func (k EventKind) String() string {
	switch k {
	case EventMessageReceived:
		return "message_received"
	case EventSessionUpdated:
		return "session_updated"
	case EventMessageDeleted:
		return "message_deleted"
	case EventSessionRead:
		return "session_read"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a validated push event. Which fields are set depends on Kind:
// MessageReceived carries Message; SessionUpdated carries Session;
// MessageDeleted carries MessageID; SessionRead carries UserID and
// LastMessageID. SessionID and At are always set when the server sent them.
type Event struct {
	Kind          EventKind
	SessionID     string
	Message       model.Message
	Session       model.Session
	MessageID     string
	UserID        string
	LastMessageID string
	At            time.Time
}

// Push is a raw server invocation before validation.
type Push struct {
	Target    string
	Arguments []json.RawMessage
}

type messagePayload struct {
	SessionID      string         `json:"sessionId"`
	Message        *model.Message `json:"message"`
	BroadcastAtUtc time.Time      `json:"broadcastAtUtc"`
}

type sessionPayload struct {
	Session *model.Session `json:"session"`
}

type deletedPayload struct {
	SessionID    string    `json:"sessionId"`
	MessageID    string    `json:"messageId"`
	DeletedAtUtc time.Time `json:"deletedAtUtc"`
}

type readPayload struct {
	SessionID     string    `json:"sessionId"`
	UserID        string    `json:"userId"`
	LastMessageID string    `json:"lastMessageId"`
	ReadAtUtc     time.Time `json:"readAtUtc"`
}

// ParseEvent validates a push against the known event set.
func ParseEvent(p Push) (Event, error) {
	if len(p.Arguments) == 0 {
		return Event{}, fmt.Errorf("%s: missing payload", p.Target)
	}
	raw := p.Arguments[0]

	switch p.Target {
	case TargetReceiveMessage:
		var pl messagePayload
		if err := json.Unmarshal(raw, &pl); err != nil {
			return Event{}, fmt.Errorf("%s: %w", p.Target, err)
		}
		if pl.Message == nil || pl.Message.ID == "" {
			return Event{}, fmt.Errorf("%s: message id required", p.Target)
		}
		msg := *pl.Message
		if msg.SessionID == "" {
			msg.SessionID = pl.SessionID
		}
		if msg.SessionID == "" {
			return Event{}, fmt.Errorf("%s: session id required", p.Target)
		}
		return Event{Kind: EventMessageReceived, SessionID: msg.SessionID, Message: msg, At: pl.BroadcastAtUtc}, nil

	case TargetSessionUpdated:
		var pl sessionPayload
		if err := json.Unmarshal(raw, &pl); err != nil {
			return Event{}, fmt.Errorf("%s: %w", p.Target, err)
		}
		if pl.Session == nil || pl.Session.ID == "" {
			return Event{}, fmt.Errorf("%s: session id required", p.Target)
		}
		return Event{Kind: EventSessionUpdated, SessionID: pl.Session.ID, Session: *pl.Session}, nil

	case TargetMessageDeleted:
		var pl deletedPayload
		if err := json.Unmarshal(raw, &pl); err != nil {
			return Event{}, fmt.Errorf("%s: %w", p.Target, err)
		}
		if pl.SessionID == "" || pl.MessageID == "" {
			return Event{}, fmt.Errorf("%s: session and message id required", p.Target)
		}
		return Event{Kind: EventMessageDeleted, SessionID: pl.SessionID, MessageID: pl.MessageID, At: pl.DeletedAtUtc}, nil

	case TargetSessionRead:
		var pl readPayload
		if err := json.Unmarshal(raw, &pl); err != nil {
			return Event{}, fmt.Errorf("%s: %w", p.Target, err)
		}
		if pl.SessionID == "" || pl.UserID == "" {
			return Event{}, fmt.Errorf("%s: session and user id required", p.Target)
		}
		return Event{Kind: EventSessionRead, SessionID: pl.SessionID, UserID: pl.UserID, LastMessageID: pl.LastMessageID, At: pl.ReadAtUtc}, nil
	}
	return Event{}, fmt.Errorf("%q: %w", p.Target, ErrUnknownEvent)
}
