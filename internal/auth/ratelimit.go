// Package auth implements the credential-checking half of the connect
// handshake: shared-secret authorization, device bearer tokens, and the
// failure rate limiter that bounds brute-force guessing.
package auth

import (
	"sync"
	"time"
)

// Rate-limiter scopes. Tracked independently so a wrong device token does
// not lock out a correct password attempt and vice versa.
const (
	ScopeSharedSecret = "shared-secret"
	ScopeDeviceToken  = "device-token"
)

// Default limiter tuning.
const (
	DefaultFailureThreshold = 5
	defaultBaseDelay        = time.Second
	defaultMaxDelay         = 5 * time.Minute
)

// Decision is the limiter's answer for one attempt.
type Decision struct {
	Allowed      bool
	RetryAfterMs int64
}

type rlEntry struct {
	failures     int
	blockedUntil time.Time
}

// RateLimiter tracks failure counts per (client address, scope) and issues
// allow/deny decisions with growing backoff. Counters are updated under a
// single mutex; the per-attempt work is a map lookup.
type RateLimiter struct {
	mu        sync.Mutex
	entries   map[string]*rlEntry
	threshold int
	baseDelay time.Duration
	maxDelay  time.Duration
	now       func() time.Time
}

// NewRateLimiter returns a limiter with default tuning.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		entries:   make(map[string]*rlEntry),
		threshold: DefaultFailureThreshold,
		baseDelay: defaultBaseDelay,
		maxDelay:  defaultMaxDelay,
		now:       time.Now,
	}
}

func key(addr, scope string) string { return addr + "|" + scope }

// Check reports whether an attempt from addr under scope may proceed.
func (l *RateLimiter) Check(addr, scope string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key(addr, scope)]
	if !ok {
		return Decision{Allowed: true}
	}
	if now := l.now(); e.blockedUntil.After(now) {
		return Decision{Allowed: false, RetryAfterMs: e.blockedUntil.Sub(now).Milliseconds()}
	}
	return Decision{Allowed: true}
}

// Fail records a failed check and, past the threshold, starts or extends
// the block window with exponential growth.
func (l *RateLimiter) Fail(addr, scope string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key(addr, scope)
	e, ok := l.entries[k]
	if !ok {
		e = &rlEntry{}
		l.entries[k] = e
	}
	e.failures++
	if e.failures >= l.threshold {
		delay := l.baseDelay << uint(e.failures-l.threshold)
		if delay > l.maxDelay || delay <= 0 {
			delay = l.maxDelay
		}
		e.blockedUntil = l.now().Add(delay)
	}
}

// Reset clears the counter for (addr, scope). Rate limiting protects
// against repeated failure, not legitimate repeated use, so a single
// success wipes the slate.
func (l *RateLimiter) Reset(addr, scope string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key(addr, scope))
}
