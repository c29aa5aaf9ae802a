package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"cmv.health/internal/obs"
)

const (
	// DefaultTTL is the sliding session lifetime.
	DefaultTTL = time.Hour
	// DefaultTimeout bounds every store call.
	DefaultTimeout = 500 * time.Millisecond

	sessionPrefix   = "session:"
	blacklistPrefix = "blacklist:"
)

// Manager creates, renews and revokes sessions. No call is retried.
type Manager struct {
	store   Store
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		ttl:     DefaultTTL,
		timeout: DefaultTimeout,
		now:     time.Now,
		log:     obs.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured session lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// SessionKey returns the store key for a session id.
func SessionKey(id string) string { return sessionPrefix + id }

// BlacklistKey returns the store key for a blacklisted token.
func BlacklistKey(token string) string { return blacklistPrefix + token }

// Create stores a new random session id mapped to userID.
func (m *Manager) Create(ctx context.Context, userID int64) (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	id := u.String()
	err = m.call(ctx, "create", SessionKey(id), func(ctx context.Context) error {
		return m.store.SetEx(ctx, SessionKey(id), strconv.FormatInt(userID, 10), m.ttl)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Touch resets the session TTL. ErrNotFound means the session expired or was revoked.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrNotFound
	}
	return m.call(ctx, "touch", SessionKey(sessionID), func(ctx context.Context) error {
		return m.store.Expire(ctx, SessionKey(sessionID), m.ttl)
	})
}

// IsLive reports whether the session key exists.
func (m *Manager) IsLive(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	var live bool
	err := m.call(ctx, "is_live", SessionKey(sessionID), func(ctx context.Context) error {
		var err error
		live, err = m.store.Exists(ctx, SessionKey(sessionID))
		return err
	})
	return live, err
}

// Owner returns the user id a live session belongs to.
func (m *Manager) Owner(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, ErrNotFound
	}
	var raw string
	err := m.call(ctx, "owner", SessionKey(sessionID), func(ctx context.Context) error {
		var err error
		raw, err = m.store.Get(ctx, SessionKey(sessionID))
		return err
	})
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("session %s holds invalid user id: %w", sessionID, err)
	}
	return id, nil
}

// Delete removes a session without blacklisting anything.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return m.call(ctx, "delete", SessionKey(sessionID), func(ctx context.Context) error {
		return m.store.Del(ctx, SessionKey(sessionID))
	})
}

// Revoke deletes the session and blacklists token until expiresAt.
func (m *Manager) Revoke(ctx context.Context, sessionID, token string, expiresAt time.Time) error {
	if err := m.Delete(ctx, sessionID); err != nil {
		return err
	}
	return m.Blacklist(ctx, token, expiresAt)
}

// Blacklist marks token as rejected for its remaining lifetime.
// Tokens that already expired are skipped since verification rejects them anyway.
func (m *Manager) Blacklist(ctx context.Context, token string, expiresAt time.Time) error {
	if token == "" {
		return nil
	}
	remaining := expiresAt.Sub(m.now())
	if remaining <= 0 {
		return nil
	}
	// Store TTLs have second granularity; round up.
	remaining = remaining.Truncate(time.Second) + time.Second
	return m.call(ctx, "blacklist", BlacklistKey(token), func(ctx context.Context) error {
		return m.store.SetEx(ctx, BlacklistKey(token), "true", remaining)
	})
}

// IsBlacklisted reports whether token was revoked.
func (m *Manager) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	var found bool
	err := m.call(ctx, "is_blacklisted", BlacklistKey(token), func(ctx context.Context) error {
		var err error
		found, err = m.store.Exists(ctx, BlacklistKey(token))
		return err
	})
	return found, err
}

// Ping checks store connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	return m.call(ctx, "ping", "", m.store.Ping)
}

func (m *Manager) call(ctx context.Context, op, key string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	latency := time.Since(start)

	storeErr := err
	if errors.Is(err, ErrNotFound) {
		storeErr = nil
	} else if err != nil && !errors.Is(err, ErrUnavailable) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		storeErr = err
	}
	obs.ObserveSessionStore(op, latency, storeErr)
	if storeErr != nil {
		m.log.Error("session store call failed",
			"op", op, "key", redact(key), "latency_ms", latency.Milliseconds(), "error", storeErr)
	} else {
		m.log.Debug("session store call", "op", op, "key", redact(key), "latency_ms", latency.Milliseconds())
	}
	return err
}

// redact keeps token material out of logs.
func redact(key string) string {
	if len(key) > len(blacklistPrefix) && key[:len(blacklistPrefix)] == blacklistPrefix {
		tok := key[len(blacklistPrefix):]
		if len(tok) > 8 {
			tok = tok[:8]
		}
		return blacklistPrefix + tok + "..."
	}
	return key
}
