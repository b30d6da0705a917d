package live

import (
	"encoding/json"
	"errors"
	"testing"
)

func push(target, arg string) Push {
	return Push{Target: target, Arguments: []json.RawMessage{json.RawMessage(arg)}}
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		push    Push
		want    EventKind
		wantErr bool
	}{
		{"message", push(TargetReceiveMessage, `{"sessionId":"s1","message":{"id":"m1","content":"hi"}}`), EventMessageReceived, false},
		{"message without id", push(TargetReceiveMessage, `{"sessionId":"s1","message":{"content":"hi"}}`), 0, true},
		{"message without session", push(TargetReceiveMessage, `{"message":{"id":"m1"}}`), 0, true},
		{"session", push(TargetSessionUpdated, `{"session":{"id":"s1"}}`), EventSessionUpdated, false},
		{"session missing", push(TargetSessionUpdated, `{}`), 0, true},
		{"deleted", push(TargetMessageDeleted, `{"sessionId":"s1","messageId":"m1","deletedAtUtc":"2025-01-02T03:04:05Z"}`), EventMessageDeleted, false},
		{"read", push(TargetSessionRead, `{"sessionId":"s1","userId":"u1","lastMessageId":"m9"}`), EventSessionRead, false},
		{"read without user", push(TargetSessionRead, `{"sessionId":"s1"}`), 0, true},
		{"malformed", push(TargetSessionRead, `{`), 0, true},
		{"no args", Push{Target: TargetSessionRead}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := ParseEvent(tt.push)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && evt.Kind != tt.want {
				t.Errorf("kind = %s, want %s", evt.Kind, tt.want)
			}
		})
	}
}

func TestParseEventUnknownTarget(t *testing.T) {
	_, err := ParseEvent(push("Typing", `{}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("err = %v, want ErrUnknownEvent", err)
	}
}

func TestParseEventMessageInheritsSession(t *testing.T) {
	evt, err := ParseEvent(push(TargetReceiveMessage, `{"sessionId":"s7","message":{"id":"m1"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if evt.SessionID != "s7" || evt.Message.SessionID != "s7" {
		t.Errorf("session = %q / %q", evt.SessionID, evt.Message.SessionID)
	}
}

func TestParseEventDeletedTimestamp(t *testing.T) {
	evt, err := ParseEvent(push(TargetMessageDeleted, `{"sessionId":"s1","messageId":"m1","deletedAtUtc":"2025-01-02T03:04:05Z"}`))
	if err != nil {
		t.Fatal(err)
	}
	if evt.At.IsZero() || evt.At.Year() != 2025 {
		t.Errorf("At = %v", evt.At)
	}
}
