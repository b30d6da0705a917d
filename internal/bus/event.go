package bus

import "time"

// Event kinds published by the sync core. Subscribers filter by prefix,
// so "timeline." receives every timeline event.
const (
	KindTimelineChanged  = "timeline.changed"
	KindSessionsChanged  = "sessions.changed"
	KindConnStateChanged = "conn.state_changed"
	KindMessageSendAck   = "message.send_ack"
	KindMessageSendFail  = "message.send_failed"
	KindAssistantDelta   = "assistant.delta"
	KindAssistantDone    = "assistant.done"
	KindSuggestionsReady = "assistant.suggestions"
	KindAuthInvalidated  = "auth.invalidated"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// TimelineChange is the payload of timeline.changed.
type TimelineChange struct {
	SessionID string
}

// SendResult is the payload of message.send_ack and message.send_failed.
type SendResult struct {
	SessionID       string
	ClientMessageID string
	MessageID       string
	Via             string
	Err             string
}
