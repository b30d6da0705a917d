package model

// SendRequest is the payload for both the live SendMessageAsync call and
// the REST send endpoint.
type SendRequest struct {
	SessionID          string         `json:"sessionId"`
	SenderID           string         `json:"senderId,omitempty"`
	RecipientID        string         `json:"recipientId,omitempty"`
	Type               MessageType    `json:"type"`
	Content            string         `json:"content"`
	AttachmentID       string         `json:"attachmentId,omitempty"`
	ClientMessageID    string         `json:"clientMessageId,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	AssistantStreaming bool           `json:"-"`
}
