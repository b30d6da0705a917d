// Package sessions holds the session list. Display order is never stored;
// it is derived from the current contents on every read.
package sessions

import (
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
)

// State is the load state of the session list.
type State struct {
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
}

// Store maps session id to its latest summary.
type Store struct {
	mu       sync.RWMutex
	viewerID string
	sessions map[string]model.Session
	known    []string // first-seen order; breaks recency ties
	state    State
	bus      *bus.Bus
}

// New creates a store that derives unread counts for viewerID.
func New(viewerID string, b *bus.Bus) *Store {
	return &Store{
		viewerID: viewerID,
		sessions: make(map[string]model.Session),
		bus:      b,
	}
}

// SetViewer changes whose unread counts are exposed.
func (s *Store) SetViewer(viewerID string) {
	s.mu.Lock()
	s.viewerID = viewerID
	s.mu.Unlock()
	s.bus.Emit(bus.KindSessionsChanged, nil)
}

// Viewer returns the current viewer id.
func (s *Store) Viewer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewerID
}

// Merge overwrites stored sessions by id. Incoming values win wholesale.
func (s *Store) Merge(incoming ...model.Session) {
	changed := false
	s.mu.Lock()
	for _, in := range incoming {
		if in.ID == "" {
			continue
		}
		if _, ok := s.sessions[in.ID]; !ok {
			s.known = append(s.known, in.ID)
		}
		s.sessions[in.ID] = model.NormalizeSession(in)
		changed = true
	}
	if changed {
		s.state = State{}
	}
	s.mu.Unlock()
	if changed {
		s.bus.Emit(bus.KindSessionsChanged, nil)
	}
}

// MarkRead zeroes viewerID's unread count on a stored session. Recency is
// untouched, so the order does not change.
func (s *Store) MarkRead(sessionID, viewerID string) {
	if viewerID == "" {
		return
	}
	s.mu.Lock()
	cur, ok := s.sessions[sessionID]
	if ok {
		next := cur.Clone()
		if next.UnreadCounts == nil {
			next.UnreadCounts = make(map[string]int, 1)
		}
		next.UnreadCounts[viewerID] = 0
		s.sessions[sessionID] = next
	}
	s.mu.Unlock()
	if ok {
		s.bus.Emit(bus.KindSessionsChanged, nil)
	}
}

// Get returns one session as seen by the viewer.
func (s *Store) Get(sessionID string) (model.SessionView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return model.SessionView{}, false
	}
	return view(sess, s.viewerID), true
}

// List returns every session, most recent first.
func (s *Store) List() []model.SessionView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ordered := Order(s.sessions, s.known)
	out := make([]model.SessionView, len(ordered))
	for i, id := range ordered {
		out[i] = view(s.sessions[id], s.viewerID)
	}
	return out
}

// All returns raw copies of every stored session in display order.
func (s *Store) All() []model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ordered := Order(s.sessions, s.known)
	out := make([]model.Session, len(ordered))
	for i, id := range ordered {
		out[i] = s.sessions[id].Clone()
	}
	return out
}

// SetLoading marks a list fetch in progress.
func (s *Store) SetLoading() {
	s.mu.Lock()
	s.state = State{Loading: true}
	s.mu.Unlock()
	s.bus.Emit(bus.KindSessionsChanged, nil)
}

// SetLoaded ends a fetch that may have returned no sessions.
func (s *Store) SetLoaded() {
	s.mu.Lock()
	s.state = State{}
	s.mu.Unlock()
	s.bus.Emit(bus.KindSessionsChanged, nil)
}

// SetError records a failed list fetch without touching loaded sessions.
func (s *Store) SetError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.state = State{Error: err.Error()}
	s.mu.Unlock()
	s.bus.Emit(bus.KindSessionsChanged, nil)
}

// State returns the load state, including sessionsError.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Reset forgets every session.
func (s *Store) Reset() {
	s.mu.Lock()
	s.sessions = make(map[string]model.Session)
	s.known = nil
	s.state = State{}
	s.mu.Unlock()
	s.bus.Emit(bus.KindSessionsChanged, nil)
}

// Order sorts session ids by descending recency. Sessions without any
// timestamp sort last; ties keep the order of known.
func Order(sessions map[string]model.Session, known []string) []string {
	ids := make([]string, 0, len(sessions))
	for _, id := range known {
		if _, ok := sessions[id]; ok {
			ids = append(ids, id)
		}
	}
	slices.SortStableFunc(ids, func(a, b string) int {
		ra, rb := recencyMillis(sessions[a]), recencyMillis(sessions[b])
		switch {
		case ra > rb:
			return -1
		case ra < rb:
			return 1
		}
		return 0
	})
	return ids
}

func recencyMillis(s model.Session) int64 {
	r := s.Recency()
	if r.IsZero() {
		return 0
	}
	return r.UnixMilli()
}

func view(s model.Session, viewerID string) model.SessionView {
	return model.SessionView{Session: s.Clone(), UnreadCount: s.UnreadFor(viewerID)}
}
