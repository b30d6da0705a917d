package model

import "strings"

// Normalize prepares a message for the timeline. Status defaults to sent and
// ClientMessageID is resolved from the field or, failing that, from
// metadata["clientMessageId"].
func Normalize(m Message) Message {
	out := m.Clone()
	if out.Status == "" {
		out.Status = StatusSent
	}
	if out.ClientMessageID == "" {
		if v, ok := out.Metadata[MetaClientMessageID].(string); ok {
			out.ClientMessageID = strings.TrimSpace(v)
		}
	}
	return out
}
