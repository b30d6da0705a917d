package sync

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/sessions"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/timeline"
	"go.uber.org/zap"
)

// Persister mirrors the stores into the SQLite cache. Writes are best
// effort: failures are logged and the in-memory state stays authoritative.
type Persister struct {
	db       *store.DB
	timeline *timeline.Store
	sessions *sessions.Store
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewPersister creates a persister.
func NewPersister(db *store.DB, tl *timeline.Store, ss *sessions.Store, b *bus.Bus, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{
		db:       db,
		timeline: tl,
		sessions: ss,
		bus:      b,
		logger:   logger,
	}
}

// Hydrate loads the cached sessions and timelines into the stores.
func (p *Persister) Hydrate() error {
	cached, err := p.db.LoadSessions()
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	p.sessions.Merge(cached...)

	ids, err := p.db.TimelineSessionIDs()
	if err != nil {
		return fmt.Errorf("list timelines: %w", err)
	}
	total := 0
	for _, id := range ids {
		msgs, err := p.db.LoadTimeline(id)
		if err != nil {
			return fmt.Errorf("load timeline %s: %w", id, err)
		}
		p.timeline.LoadPage(id, "", msgs, false, "", true)
		total += len(msgs)
	}
	p.logger.Info("cache hydrated",
		zap.Int("sessions", len(cached)),
		zap.Int("timelines", len(ids)),
		zap.Int("messages", total))
	return nil
}

// Start subscribes to store change events and writes them through.
func (p *Persister) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	timelineCh, unsubTimeline := p.bus.Subscribe("timeline.", 256)
	sessionsCh, unsubSessions := p.bus.Subscribe("sessions.", 64)

	go func() {
		defer close(p.done)
		defer unsubTimeline()
		defer unsubSessions()
		for {
			select {
			case evt := <-timelineCh:
				if change, ok := evt.Payload.(bus.TimelineChange); ok {
					p.saveTimeline(change.SessionID)
				}
			case <-sessionsCh:
				p.saveSessions()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the persister and waits for the write loop to exit.
func (p *Persister) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *Persister) saveTimeline(sessionID string) {
	if sessionID == "" {
		return
	}
	if err := p.db.SaveTimeline(sessionID, p.timeline.Messages(sessionID)); err != nil {
		p.logger.Error("failed to cache timeline", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (p *Persister) saveSessions() {
	if err := p.db.SaveSessions(p.sessions.All()); err != nil {
		p.logger.Error("failed to cache sessions", zap.Error(err))
	}
}
