// Package auth holds the bearer token shared by every transport and clears
// it when the backend rejects it.
package auth

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

// ErrReauthenticate is returned when the backend rejected the credentials.
// The caller must obtain a new token; retrying is pointless.
var ErrReauthenticate = errors.New("session expired: re-authenticate")

// IsAuthFailure reports whether an HTTP status means the token was rejected.
func IsAuthFailure(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// Credentials is the bearer token for one profile, optionally persisted to a
// 0600 file.
type Credentials struct {
	mu        sync.RWMutex
	token     string
	gen       uint64 // bumped by every Set and clear
	path      string
	listeners []func()
	bus       *bus.Bus
	logger    *zap.Logger
}

// Load reads the token file at path. A missing file yields empty credentials.
func Load(path string, b *bus.Bus, logger *zap.Logger) (*Credentials, error) {
	c := &Credentials{path: path, bus: b, logger: logger}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c, nil
		}
		return nil, err
	}
	c.token = strings.TrimSpace(string(data))
	return c, nil
}

// NewStatic returns in-memory credentials holding token.
func NewStatic(token string) *Credentials {
	return &Credentials{token: token, logger: zap.NewNop()}
}

// Token returns the current bearer token, empty when logged out.
func (c *Credentials) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Set stores a new token and persists it when backed by a file. A pending
// invalidation from before the call no longer notifies listeners.
func (c *Credentials) Set(token string) error {
	token = strings.TrimSpace(token)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.gen++
	if c.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return err
	}
	return os.WriteFile(c.path, []byte(token+"\n"), 0600)
}

// Generation identifies the current token. It changes on every Set and on
// every clear.
func (c *Credentials) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// OnInvalidated registers fn to run after the token is cleared.
func (c *Credentials) OnInvalidated(fn func()) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Invalidate clears the token and removes the token file. Listeners run in
// the background so transports can call this from their error paths; they
// are skipped if a new token was Set in the meantime.
func (c *Credentials) Invalidate(reason string) {
	gen, listeners, ok := c.clear(reason)
	if !ok {
		return
	}
	go func() {
		c.bus.Emit(bus.KindAuthInvalidated, reason)
		for _, fn := range listeners {
			if c.Generation() != gen {
				c.logger.Debug("stale invalidation skipped", zap.String("reason", reason))
				return
			}
			fn()
		}
	}()
}

// Clear is Invalidate for callers that tear down their own state: it
// publishes the event but runs no listeners. It reports whether a token
// was present.
func (c *Credentials) Clear(reason string) bool {
	_, _, ok := c.clear(reason)
	if ok {
		c.bus.Emit(bus.KindAuthInvalidated, reason)
	}
	return ok
}

func (c *Credentials) clear(reason string) (uint64, []func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return 0, nil, false
	}
	c.token = ""
	c.gen++
	if c.path != "" {
		if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Error("failed to remove token file", zap.Error(err))
		}
	}
	c.logger.Warn("credentials invalidated", zap.String("reason", reason))
	return c.gen, slices.Clone(c.listeners), true
}

// Valid reports whether a token is present and not past its exp claim.
// Opaque tokens without claims are assumed valid.
func (c *Credentials) Valid(now time.Time) bool {
	token := c.Token()
	if token == "" {
		return false
	}
	exp, ok := expiry(token)
	return !ok || now.Before(exp)
}

// Subject returns the user id carried by the token: sub, else userId, else
// nameid. The signature is not verified; the backend does that.
func (c *Credentials) Subject() string {
	claims, ok := parseClaims(c.Token())
	if !ok {
		return ""
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub
	}
	for _, key := range []string{"userId", "nameid"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func expiry(token string) (time.Time, bool) {
	claims, ok := parseClaims(token)
	if !ok {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func parseClaims(token string) (jwt.MapClaims, bool) {
	if token == "" {
		return nil, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}
