package sync

import (
	"errors"

	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Checkpoint keys.
const (
	KeyActiveSession = "active_session"
)

// Reconciler manages sync checkpoints.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(key, value string) error {
	return r.db.SetState(key, value)
}

// GetCheckpoint retrieves a sync checkpoint value, "" when unset.
func (r *Reconciler) GetCheckpoint(key string) (string, error) {
	v, err := r.db.GetState(key)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return v, err
}

// RememberActiveSession records the session the viewer has open.
func (r *Reconciler) RememberActiveSession(sessionID string) {
	if err := r.UpdateCheckpoint(KeyActiveSession, sessionID); err != nil {
		r.logger.Warn("failed to save active session", zap.Error(err))
	}
}

// ActiveSession returns the last remembered active session.
func (r *Reconciler) ActiveSession() string {
	v, err := r.GetCheckpoint(KeyActiveSession)
	if err != nil {
		r.logger.Warn("failed to read active session", zap.Error(err))
	}
	return v
}
