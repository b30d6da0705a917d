// Package sync applies live push events to the in-memory stores and mirrors
// those stores into the local cache.
package sync

import (
	"time"

	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/sessions"
	"github.com/matheus3301/chatsync/internal/timeline"
	"go.uber.org/zap"
)

// Engine routes validated push events to the timeline and session stores.
type Engine struct {
	timeline *timeline.Store
	sessions *sessions.Store
	logger   *zap.Logger
}

// NewEngine creates a new sync engine.
func NewEngine(tl *timeline.Store, ss *sessions.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		timeline: tl,
		sessions: ss,
		logger:   logger,
	}
}

// Handle applies one push event. It is safe to call from the live
// connection's goroutine and tolerates duplicate or late events.
func (e *Engine) Handle(evt live.Event) {
	switch evt.Kind {
	case live.EventMessageReceived:
		e.timeline.Append(evt.Message)
	case live.EventSessionUpdated:
		e.sessions.Merge(evt.Session)
	case live.EventMessageDeleted:
		at := evt.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		e.timeline.Update(evt.SessionID, evt.MessageID, model.RedactDeleted(at))
	case live.EventSessionRead:
		e.sessions.MarkRead(evt.SessionID, evt.UserID)
	default:
		e.logger.Debug("ignoring event", zap.Stringer("kind", evt.Kind))
		return
	}
	e.logger.Debug("applied push event",
		zap.Stringer("kind", evt.Kind),
		zap.String("session_id", evt.SessionID))
}
