package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/sessions"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Account ties the profile's credentials to the live connection and the
// local state that must not outlive them. Login, Logout and the reset
// after an invalidation are serialized.
type Account struct {
	mu       sync.Mutex
	creds    *auth.Credentials
	manager  *live.Manager
	chat     *chat.Client
	sessions *sessions.Store
	db       *store.DB
	viewerID string // from config; overrides the token subject
	logger   *zap.Logger
}

func (a *Account) State() status.State {
	return a.manager.State()
}

func (a *Account) LoggedIn() bool {
	return a.creds.Valid(time.Now())
}

func (a *Account) Viewer() string {
	return a.sessions.Viewer()
}

// Login stores token, then (re)starts the live connection. The token is
// kept even when the connection cannot be established.
func (a *Account) Login(ctx context.Context, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.creds.Set(token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	a.sessions.SetViewer(a.resolveViewer())
	a.logger.Info("logged in", zap.String("viewer_id", a.sessions.Viewer()))
	if err := a.manager.Start(ctx); err != nil {
		a.logger.Warn("live connection failed, REST only", zap.Error(err))
		return err
	}
	return nil
}

// Logout stops the live connection, clears the credentials and drops local
// state before returning.
func (a *Account) Logout() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.manager.Stop()
	a.creds.Clear("logout")
	a.resetLocked()
}

// reset runs after the credentials were invalidated by a 401/403 from any
// transport. It does nothing if a new token was stored since.
func (a *Account) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.creds.Token() != "" {
		a.logger.Debug("reset skipped, logged in again")
		return
	}
	a.resetLocked()
}

func (a *Account) resetLocked() {
	a.manager.Stop()
	a.chat.Reset()
	if err := a.db.Clear(); err != nil {
		a.logger.Error("failed to clear cache", zap.Error(err))
	}
	a.logger.Info("account reset")
}

func (a *Account) resolveViewer() string {
	if a.viewerID != "" {
		return a.viewerID
	}
	return a.creds.Subject()
}
