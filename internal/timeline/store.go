// Package timeline keeps the per-session ordered message list and folds
// optimistic echoes, push deliveries, REST responses, and history pages
// into it without ever producing duplicate rows.
package timeline

import (
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
)

// State is the pagination state of one session's timeline.
type State struct {
	Loading    bool   `json:"loading"`
	Error      string `json:"error,omitempty"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
	Cursor     string `json:"cursor,omitempty"`
}

type sessionTimeline struct {
	messages []model.Message
	state    State
}

// Store holds every loaded session timeline. Operations never fail:
// late, duplicate, or partial input is merged best-effort or ignored.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionTimeline
	bus      *bus.Bus
}

// New creates an empty store publishing change events on b (may be nil).
func New(b *bus.Bus) *Store {
	return &Store{
		sessions: make(map[string]*sessionTimeline),
		bus:      b,
	}
}

// Append inserts m or reconciles it with an existing row.
func (s *Store) Append(m model.Message) {
	s.mutate(m.SessionID, func(tl *sessionTimeline) bool {
		tl.upsert(model.Normalize(m), "")
		return true
	})
}

// Replace reconciles m against the row whose localId or id equals localID,
// regardless of what correlation id m itself carries.
func (s *Store) Replace(sessionID, localID string, m model.Message) {
	if m.SessionID == "" {
		m.SessionID = sessionID
	}
	s.mutate(sessionID, func(tl *sessionTimeline) bool {
		tl.upsert(model.Normalize(m), localID)
		return true
	})
}

// Update applies p to the row matching messageID (by id or localId).
// Unknown ids are ignored.
func (s *Store) Update(sessionID, messageID string, p model.Patch) {
	if messageID == "" {
		return
	}
	s.mutate(sessionID, func(tl *sessionTimeline) bool {
		i := tl.indexOfKey(messageID)
		if i < 0 {
			return false
		}
		tl.messages[i] = p.Apply(tl.messages[i])
		tl.sort()
		return true
	})
}

// LoadPage folds a fetched page into the timeline. With replace set the page
// becomes the timeline, except that unconfirmed local echoes the page does
// not account for are kept.
func (s *Store) LoadPage(sessionID, cursor string, items []model.Message, hasMore bool, nextCursor string, replace bool) {
	s.mutate(sessionID, func(tl *sessionTimeline) bool {
		if replace {
			var pending []model.Message
			for _, m := range tl.messages {
				if m.IsLocal {
					pending = append(pending, m)
				}
			}
			tl.messages = pending
		}
		for _, item := range items {
			if item.SessionID == "" {
				item.SessionID = sessionID
			}
			tl.upsert(model.Normalize(item), "")
		}
		tl.state = State{HasMore: hasMore, NextCursor: nextCursor, Cursor: cursor}
		return true
	})
}

// SetLoading marks a fetch in progress and clears any previous error.
func (s *Store) SetLoading(sessionID string) {
	s.mutate(sessionID, func(tl *sessionTimeline) bool {
		tl.state.Loading = true
		tl.state.Error = ""
		return true
	})
}

// SetError records a failed fetch. Loaded messages are kept.
func (s *Store) SetError(sessionID string, err error) {
	if err == nil {
		return
	}
	s.mutate(sessionID, func(tl *sessionTimeline) bool {
		tl.state.Loading = false
		tl.state.Error = err.Error()
		return true
	})
}

// Messages returns a copy of the session's timeline in ascending createdAt order.
func (s *Store) Messages(sessionID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]model.Message, len(tl.messages))
	for i, m := range tl.messages {
		out[i] = m.Clone()
	}
	return out
}

// Find returns the row whose id or localId equals key.
func (s *Store) Find(sessionID, key string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl, ok := s.sessions[sessionID]
	if !ok {
		return model.Message{}, false
	}
	i := tl.indexOfKey(key)
	if i < 0 {
		return model.Message{}, false
	}
	return tl.messages[i].Clone(), true
}

// LastConfirmed returns the newest message that has a server id. An echo
// sent over the live channel is no longer local but still carries its
// correlation id as id until the server copy arrives, so it is skipped too.
func (s *Store) LastConfirmed(sessionID string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl, ok := s.sessions[sessionID]
	if !ok {
		return model.Message{}, false
	}
	for i := len(tl.messages) - 1; i >= 0; i-- {
		if confirmed(tl.messages[i]) {
			return tl.messages[i].Clone(), true
		}
	}
	return model.Message{}, false
}

func confirmed(m model.Message) bool {
	if m.IsLocal || m.LocalID != "" || m.ID == "" {
		return false
	}
	return m.ClientMessageID == "" || m.ID != m.ClientMessageID
}

// State returns the pagination state of a session.
func (s *Store) State(sessionID string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tl, ok := s.sessions[sessionID]; ok {
		return tl.state
	}
	return State{}
}

// SessionIDs lists the sessions that have a timeline.
func (s *Store) SessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Reset drops every timeline.
func (s *Store) Reset() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.sessions = make(map[string]*sessionTimeline)
	s.mu.Unlock()
	for _, id := range ids {
		s.bus.Emit(bus.KindTimelineChanged, bus.TimelineChange{SessionID: id})
	}
}

func (s *Store) mutate(sessionID string, fn func(tl *sessionTimeline) bool) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	tl, ok := s.sessions[sessionID]
	if !ok {
		tl = &sessionTimeline{}
	}
	changed := fn(tl)
	if changed && !ok {
		s.sessions[sessionID] = tl
	}
	s.mu.Unlock()
	if changed {
		s.bus.Emit(bus.KindTimelineChanged, bus.TimelineChange{SessionID: sessionID})
	}
}

// upsert implements reconciliation. key overrides the message's own
// correlation id; local echoes never reconcile against anything but their id.
func (tl *sessionTimeline) upsert(in model.Message, key string) {
	if key == "" && !in.IsLocal {
		key = in.CorrelationKey()
	}
	if key != "" {
		if i := tl.indexOfKey(key); i >= 0 {
			merged := in.MergeOver(tl.messages[i])
			merged.LocalID = ""
			merged.IsLocal = false
			if in.Status == "" {
				merged.Status = model.StatusSent
			} else {
				merged.Status = in.Status
			}
			tl.messages[i] = merged
			tl.dropDuplicates(i)
			tl.sort()
			return
		}
	}
	if in.ID != "" {
		if i := tl.indexOfID(in.ID); i >= 0 {
			tl.messages[i] = in.MergeOver(tl.messages[i])
			tl.sort()
			return
		}
	}
	tl.messages = append(tl.messages, in)
	tl.sort()
}

// dropDuplicates removes rows other than keep that share its id.
func (tl *sessionTimeline) dropDuplicates(keep int) {
	id := tl.messages[keep].ID
	if id == "" {
		return
	}
	out := tl.messages[:0]
	for i, m := range tl.messages {
		if i == keep || m.ID != id {
			out = append(out, m)
		}
	}
	tl.messages = out
}

func (tl *sessionTimeline) indexOfKey(key string) int {
	return slices.IndexFunc(tl.messages, func(m model.Message) bool {
		return m.LocalID == key || m.ID == key
	})
}

func (tl *sessionTimeline) indexOfID(id string) int {
	return slices.IndexFunc(tl.messages, func(m model.Message) bool {
		return m.ID == id
	})
}

func (tl *sessionTimeline) sort() {
	slices.SortStableFunc(tl.messages, func(a, b model.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
