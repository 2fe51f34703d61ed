// Package session owns per-session detection state and its lifecycle.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ravi-parthasarathy/loopguard/pkg/config"
	"github.com/ravi-parthasarathy/loopguard/pkg/toolloop"
)

// Session is one client conversation as seen by the proxy.
type Session struct {
	ID        string
	CreatedAt time.Time
	// Tools is this session's tool-call history. It is never shared.
	Tools *toolloop.State

	mu        sync.Mutex
	lastSeen  time.Time
	overrides config.Overrides
}

// Overrides returns the session tier of the configuration.
func (s *Session) Overrides() config.Overrides {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overrides
}

// SetOverrides replaces the session tier of the configuration.
func (s *Session) SetOverrides(o config.Overrides) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = o
}

// LastSeen returns when the session was last used.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// Store maps session IDs to sessions. A coarse lock guards only the map;
// each session's state has its own lock.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	idleTTL  time.Duration
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store that expires sessions idle longer than idleTTL.
// A non-positive idleTTL disables expiry.
func NewStore(idleTTL time.Duration, opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		idleTTL:  idleTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the session with the given ID, creating it on first use.
// An empty ID creates a session with a fresh random ID.
func (s *Store) Get(id string) *Session {
	now := s.now()
	if id != "" {
		s.mu.RLock()
		sess, ok := s.sessions[id]
		s.mu.RUnlock()
		if ok {
			sess.touch(now)
			return sess
		}
	} else {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.touch(now)
		return sess
	}
	sess := &Session{
		ID:        id,
		CreatedAt: now,
		Tools:     toolloop.NewState(id),
		lastSeen:  now,
	}
	s.sessions[id] = sess
	return sess
}

// Lookup returns an existing session without creating one.
func (s *Store) Lookup(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Delete drops a session and its detection state.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Expire drops every session idle longer than the idle TTL and returns how
// many were removed.
func (s *Store) Expire() int {
	if s.idleTTL <= 0 {
		return 0
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.LastSeen()) > s.idleTTL {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Run expires idle sessions every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if s.idleTTL <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Expire(); n > 0 {
				slog.Debug("expired idle sessions", "count", n, "remaining", s.Len())
			}
		}
	}
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
