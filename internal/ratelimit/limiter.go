// Package ratelimit provides keyed token-bucket limiters backed by
// golang.org/x/time/rate. The gateway keeps one Store for login attempts
// (keyed by client IP) and one for API traffic (keyed by credential).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdleTTL is how long an untouched key keeps its limiter.
const DefaultIdleTTL = 10 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Store maintains per-key limiters sharing the same rate and burst.
// A Store with a non-positive rate allows everything.
type Store struct {
	mu       sync.Mutex
	limiters map[string]*entry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	lastGC   time.Time
	now      func() time.Time
}

// NewStore creates a Store allowing ratePerSecond events per key with the
// given burst. If burst <= 0 it defaults to ceil(ratePerSecond), minimum 1.
func NewStore(ratePerSecond float64, burst int) *Store {
	if burst <= 0 {
		burst = int(ratePerSecond + 0.999)
		if burst < 1 {
			burst = 1
		}
	}
	return &Store{
		limiters: make(map[string]*entry),
		limit:    rate.Limit(ratePerSecond),
		burst:    burst,
		idleTTL:  DefaultIdleTTL,
		now:      time.Now,
	}
}

// Enabled reports whether the store limits anything.
func (s *Store) Enabled() bool { return s != nil && s.limit > 0 }

// Allow consumes one token for key and reports whether the event may proceed.
func (s *Store) Allow(key string) bool {
	if !s.Enabled() {
		return true
	}
	now := s.now()

	s.mu.Lock()
	s.gcLocked(now)
	e, ok := s.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[key] = e
	}
	e.lastSeen = now
	s.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// gcLocked drops idle keys at most once per idleTTL.
func (s *Store) gcLocked(now time.Time) {
	if now.Sub(s.lastGC) < s.idleTTL {
		return
	}
	s.lastGC = now
	for k, e := range s.limiters {
		if now.Sub(e.lastSeen) >= s.idleTTL {
			delete(s.limiters, k)
		}
	}
}
