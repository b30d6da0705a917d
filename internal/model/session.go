package model

import (
	"maps"
	"slices"
	"time"
)

// Session is a conversation summary as returned by the sessions endpoint.
type Session struct {
	ID                 string            `json:"id"`
	Participants       []string          `json:"participants"`
	ParticipantNames   map[string]string `json:"participantNames,omitempty"`
	ParticipantAvatars map[string]string `json:"participantAvatars,omitempty"`
	LastMessageExcerpt string            `json:"lastMessageExcerpt,omitempty"`
	LastMessageID      string            `json:"lastMessageId,omitempty"`
	LastMessageAt      *time.Time        `json:"lastMessageAt,omitempty"`
	UnreadCounts       map[string]int    `json:"unreadCounts,omitempty"`
	LastReadMessageIDs map[string]string `json:"lastReadMessageIds,omitempty"`
	TopicTags          []string          `json:"topicTags,omitempty"`
	IsMuted            bool              `json:"isMuted,omitempty"`
	CreatedAt          *time.Time        `json:"createdAt,omitempty"`
	UpdatedAt          *time.Time        `json:"updatedAt,omitempty"`
}

// Recency is updatedAt, else lastMessageAt, else createdAt. The zero time
// means the session carries no timestamp at all.
func (s Session) Recency() time.Time {
	switch {
	case s.UpdatedAt != nil:
		return *s.UpdatedAt
	case s.LastMessageAt != nil:
		return *s.LastMessageAt
	case s.CreatedAt != nil:
		return *s.CreatedAt
	}
	return time.Time{}
}

// UnreadFor is the unread count a given viewer sees.
func (s Session) UnreadFor(viewerID string) int {
	return s.UnreadCounts[viewerID]
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	out := s
	out.Participants = slices.Clone(s.Participants)
	out.ParticipantNames = maps.Clone(s.ParticipantNames)
	out.ParticipantAvatars = maps.Clone(s.ParticipantAvatars)
	out.UnreadCounts = maps.Clone(s.UnreadCounts)
	out.LastReadMessageIDs = maps.Clone(s.LastReadMessageIDs)
	out.TopicTags = slices.Clone(s.TopicTags)
	return out
}

// NormalizeSession fills UpdatedAt from the recency fallbacks.
func NormalizeSession(s Session) Session {
	out := s.Clone()
	if out.UpdatedAt == nil {
		if r := out.Recency(); !r.IsZero() {
			out.UpdatedAt = &r
		}
	}
	return out
}

// SessionView is a session as presented to one viewer.
type SessionView struct {
	Session
	UnreadCount int `json:"unreadCount"`
}
