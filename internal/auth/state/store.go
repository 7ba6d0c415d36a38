// Package state holds in-flight OAuth authorization attempts between the
// request that builds an authorization URL and the callback that exchanges the
// resulting code. Entries are keyed by the CSRF state token, expire after a
// TTL, and are consumed at most once.
package state

import (
	"strings"
	"sync"
	"time"
)

const (
	// PendingTTL is how long a pending authorization stays usable.
	PendingTTL = 10 * time.Minute

	// SweepInterval controls how often abandoned entries are purged. The sweep
	// bounds memory growth only; correctness comes from the freshness check in
	// Consume.
	SweepInterval = 60 * time.Second
)

// PendingAuthorization records one in-flight PKCE attempt.
type PendingAuthorization struct {
	// State is the CSRF token keying this entry.
	State string
	// CodeVerifier is the PKCE secret generated alongside the authorization URL.
	CodeVerifier string
	// RedirectURI is the exact URI that must match at code exchange.
	RedirectURI string
	// ProviderID, when set, directs a successful exchange to update an existing
	// provider record instead of creating one.
	ProviderID string
	// CreatedAt is the creation instant used for the freshness check.
	CreatedAt time.Time
}

// Store is an in-memory, TTL-bounded store of pending authorizations. The
// zero value is not usable; construct with New.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]PendingAuthorization
	done    chan struct{}
	once    sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects a time source, letting tests drive expiry deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTTL overrides the default entry TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// New creates a Store and starts its background sweep.
func New(opts ...Option) *Store {
	s := &Store{
		ttl:     PendingTTL,
		now:     time.Now,
		entries: make(map[string]PendingAuthorization),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweepLoop()
	return s
}

// Put records a pending authorization, unconditionally overwriting any prior
// entry with the same state.
func (s *Store) Put(state, codeVerifier, redirectURI, providerID string) {
	state = strings.TrimSpace(state)
	if state == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[state] = PendingAuthorization{
		State:        state,
		CodeVerifier: codeVerifier,
		RedirectURI:  redirectURI,
		ProviderID:   providerID,
		CreatedAt:    s.now(),
	}
}

// Consume atomically looks up and removes the entry for state. It returns nil
// when the state is unknown or the entry has outlived the TTL; an expired
// entry is deleted on the way out. Absence and expiry are indistinguishable to
// the caller, which must reject the callback in both cases.
func (s *Store) Consume(state string) *PendingAuthorization {
	state = strings.TrimSpace(state)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[state]
	if !ok {
		return nil
	}
	delete(s.entries, state)
	if s.now().Sub(entry.CreatedAt) > s.ttl {
		return nil
	}
	return &entry
}

// HasValid reports whether a fresh entry exists for state without consuming it.
func (s *Store) HasValid(state string) bool {
	state = strings.TrimSpace(state)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[state]
	if !ok {
		return false
	}
	return s.now().Sub(entry.CreatedAt) <= s.ttl
}

// Len reports the number of entries currently held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes every entry older than the TTL and returns how many were
// dropped. The background loop calls this on a fixed interval; it is exported
// so tests and shutdown paths can run it directly.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for state, entry := range s.entries {
		if now.Sub(entry.CreatedAt) > s.ttl {
			delete(s.entries, state)
			removed++
		}
	}
	return removed
}

// Close stops the background sweep. Safe to call more than once.
func (s *Store) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
