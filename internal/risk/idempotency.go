package risk

import (
	"sync"
	"time"
)

// DefaultMaxIdempotencyKeys bounds the store even if TTL eviction is not
// keeping up; oldest keys are dropped first once the cap is hit.
const DefaultMaxIdempotencyKeys = 100_000

type idemEntry struct {
	key        string
	admittedAt time.Time
}

// IdempotencyStore remembers recently admitted request keys so a retried
// request inside the window is refused instead of executed twice.
// CheckAndRecord is a single compare-and-insert: there is no separate
// seen/record pair to race between.
type IdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	queue   []idemEntry // insertion order, for TTL sweep and cap eviction

	window  time.Duration
	maxKeys int
	now     func() time.Time
}

func NewIdempotencyStore(window time.Duration, maxKeys int) *IdempotencyStore {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxIdempotencyKeys
	}
	return &IdempotencyStore{
		entries: make(map[string]time.Time),
		window:  window,
		maxKeys: maxKeys,
		now:     time.Now,
	}
}

// CheckAndRecord returns true and records the key if it is new (or its
// previous use has expired); returns false if the key is live.
func (s *IdempotencyStore) CheckAndRecord(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evictLocked(now)

	if at, ok := s.entries[key]; ok && now.Sub(at) < s.window {
		return false
	}
	s.entries[key] = now
	s.queue = append(s.queue, idemEntry{key: key, admittedAt: now})
	return true
}

// Seen reports whether a key is live without recording it.
func (s *IdempotencyStore) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.entries[key]
	return ok && s.now().Sub(at) < s.window
}

// Len returns the number of live keys.
func (s *IdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(s.now())
	return len(s.entries)
}

// Clear drops every key. Called on daily rollover.
func (s *IdempotencyStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]time.Time)
	s.queue = nil
}

// evictLocked drops expired keys, then enforces the key cap oldest-first.
func (s *IdempotencyStore) evictLocked(now time.Time) {
	i := 0
	for ; i < len(s.queue); i++ {
		e := s.queue[i]
		if now.Sub(e.admittedAt) < s.window {
			break
		}
		// Only delete if the map entry is this insertion; the key may
		// have been re-recorded after expiry.
		if at, ok := s.entries[e.key]; ok && at.Equal(e.admittedAt) {
			delete(s.entries, e.key)
		}
	}
	for len(s.queue)-i > s.maxKeys {
		e := s.queue[i]
		if at, ok := s.entries[e.key]; ok && at.Equal(e.admittedAt) {
			delete(s.entries, e.key)
		}
		i++
	}
	if i > 0 {
		s.queue = append(s.queue[:0], s.queue[i:]...)
	}
}
