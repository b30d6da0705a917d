package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Send when the live channel is not in
// the Connected state.
var ErrNotConnected = errors.New("live channel not connected")

// DefaultReconnectDelays is the backoff schedule used after a transport drop.
var DefaultReconnectDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

const invokeTimeout = 10 * time.Second

// Conn is one established live connection.
type Conn interface {
	Invoke(ctx context.Context, target string, args ...any) error
	Pushes() <-chan Push
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens live connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Manager owns the single live connection for an authenticated identity.
// Start and Stop are serialized: a rebuild waits for any build in flight
// and tears it down before dialing again.
type Manager struct {
	dialer  Dialer
	machine *status.Machine
	handler func(Event)
	delays  []time.Duration
	logger  *zap.Logger

	buildMu sync.Mutex

	mu     sync.Mutex
	conn   Conn
	cancel context.CancelFunc
	active string
	wg     sync.WaitGroup
}

// NewManager creates a manager. handler receives every validated push event.
func NewManager(dialer Dialer, machine *status.Machine, handler func(Event), delays []time.Duration, logger *zap.Logger) *Manager {
	if delays == nil {
		delays = DefaultReconnectDelays
	}
	if handler == nil {
		handler = func(Event) {}
	}
	return &Manager{
		dialer:  dialer,
		machine: machine,
		handler: handler,
		delays:  delays,
		logger:  logger,
	}
}

// Start builds a fresh connection, replacing any existing one.
func (m *Manager) Start(ctx context.Context) error {
	m.buildMu.Lock()
	defer m.buildMu.Unlock()

	m.teardown()

	if err := m.machine.Transition(status.Connecting); err != nil {
		return err
	}
	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		m.machine.Disconnect()
		return fmt.Errorf("start live channel: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.conn = conn
	m.cancel = cancel
	active := m.active
	m.mu.Unlock()

	if err := m.machine.Transition(status.Connected); err != nil {
		m.logger.Error("unexpected state after dial", zap.Error(err))
	}
	m.join(runCtx, conn, active)

	m.wg.Add(1)
	go m.supervise(runCtx, conn)
	return nil
}

// Stop tears down the connection and leaves the manager Disconnected. It
// waits for a build in flight before closing anything.
func (m *Manager) Stop() {
	m.buildMu.Lock()
	defer m.buildMu.Unlock()
	m.teardown()
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Active returns the session currently joined, or "".
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SetActiveSession switches push routing to sessionID. The previous session
// is left before the new one is joined. Both calls are best effort and
// only issued while connected; the active id is remembered either way so a
// later (re)connect joins it.
func (m *Manager) SetActiveSession(ctx context.Context, sessionID string) {
	m.mu.Lock()
	prev := m.active
	m.active = sessionID
	conn := m.conn
	m.mu.Unlock()

	if prev == sessionID || conn == nil || m.machine.Current() != status.Connected {
		return
	}
	if prev != "" {
		ictx, cancel := context.WithTimeout(ctx, invokeTimeout)
		if err := conn.Invoke(ictx, MethodLeave, prev); err != nil {
			m.logger.Warn("leave session failed", zap.String("session_id", prev), zap.Error(err))
		}
		cancel()
	}
	m.join(ctx, conn, sessionID)
}

// Send delivers a message over the live channel.
func (m *Manager) Send(ctx context.Context, req model.SendRequest) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || m.machine.Current() != status.Connected {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()
	return conn.Invoke(ctx, MethodSend, req)
}

func (m *Manager) join(ctx context.Context, conn Conn, sessionID string) {
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()
	if err := conn.Invoke(ctx, MethodJoin, sessionID); err != nil {
		m.logger.Warn("join session failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	m.logger.Debug("joined session", zap.String("session_id", sessionID))
}

func (m *Manager) supervise(ctx context.Context, conn Conn) {
	defer m.wg.Done()
	for {
		m.pump(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("live connection lost", zap.Error(conn.Err()))
		_ = conn.Close()

		next, ok := m.reconnect(ctx)
		if !ok {
			return
		}
		conn = next
	}
}

// pump dispatches pushes until the connection ends or ctx is cancelled.
func (m *Manager) pump(ctx context.Context, conn Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-conn.Pushes():
			m.dispatch(p)
		case <-conn.Done():
			for {
				select {
				case p := <-conn.Pushes():
					m.dispatch(p)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) dispatch(p Push) {
	evt, err := ParseEvent(p)
	if err != nil {
		m.logger.Debug("dropping push", zap.String("target", p.Target), zap.Error(err))
		return
	}
	m.handler(evt)
}

func (m *Manager) reconnect(ctx context.Context) (Conn, bool) {
	if err := m.machine.Transition(status.Reconnecting); err != nil {
		m.logger.Error("cannot enter reconnecting", zap.Error(err))
		return nil, false
	}

	for attempt, delay := range m.delays {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, false
		}

		conn, err := m.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false
			}
			if errors.Is(err, auth.ErrReauthenticate) {
				m.logger.Warn("reconnect stopped, credentials rejected")
				m.giveUp()
				return nil, false
			}
			m.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			_ = conn.Close()
			return nil, false
		}

		m.mu.Lock()
		m.conn = conn
		active := m.active
		m.mu.Unlock()

		if err := m.machine.Transition(status.Connected); err != nil {
			m.logger.Error("unexpected state after reconnect", zap.Error(err))
		}
		m.logger.Info("live connection restored", zap.Int("attempt", attempt+1))
		m.join(ctx, conn, active)
		return conn, true
	}

	m.logger.Error("reconnect attempts exhausted", zap.Int("attempts", len(m.delays)))
	m.giveUp()
	return nil, false
}

func (m *Manager) giveUp() {
	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
	m.machine.Disconnect()
}

// teardown must be called with buildMu held.
func (m *Manager) teardown() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	m.machine.Disconnect()
}
