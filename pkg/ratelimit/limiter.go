// Package ratelimit implements the sliding-window request limiter
// applied to public A2A traffic.
package ratelimit

import (
	"sync"
	"time"

	"github.com/codespin-ai/shaman/pkg/config"
)

// maxKeys bounds how many distinct client windows are tracked before
// idle ones are pruned.
const maxKeys = 10000

// window tracks request timestamps for one client within the sliding
// window, oldest first.
type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

// allow drops expired stamps, then admits the request if the window
// has room.
func (w *window) allow(now time.Time, limit int, span time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trim(now, span)
	if len(w.stamps) >= limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// retryAfter reports how long until the oldest stamp leaves the window.
func (w *window) retryAfter(now time.Time, limit int, span time.Duration) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trim(now, span)
	if len(w.stamps) < limit {
		return 0
	}
	return w.stamps[0].Add(span).Sub(now)
}

func (w *window) idle(now time.Time, span time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(now, span)
	return len(w.stamps) == 0
}

// trim removes stamps older than the window. Callers hold w.mu.
func (w *window) trim(now time.Time, span time.Duration) {
	cutoff := now.Add(-span)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Limiter enforces a per-key request ceiling over a sliding window.
// Keys are whatever the caller scopes by, the public persona uses
// client IP.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window

	limit   int
	span    time.Duration
	enabled bool

	// now is the clock, swappable in tests.
	now func() time.Time
}

// New builds a limiter from configuration. A disabled config yields a
// limiter that admits everything.
func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		limit:   cfg.Requests,
		span:    cfg.Window,
		enabled: cfg.Enabled,
		now:     time.Now,
	}
}

// Allow admits or rejects one request for the key.
func (l *Limiter) Allow(key string) bool {
	if !l.enabled {
		return true
	}
	return l.windowFor(key).allow(l.now(), l.limit, l.span)
}

// RetryAfter reports how long the key must back off before a request
// would be admitted. Zero means a request is admissible now.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if !l.enabled {
		return 0
	}
	return l.windowFor(key).retryAfter(l.now(), l.limit, l.span)
}

// Reset forgets the key's history.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

func (l *Limiter) windowFor(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	if len(l.windows) >= maxKeys {
		l.prune()
	}
	w = &window{}
	l.windows[key] = w
	return w
}

// prune evicts keys whose windows have gone idle. Callers hold l.mu.
func (l *Limiter) prune() {
	now := l.now()
	for key, w := range l.windows {
		if w.idle(now, l.span) {
			delete(l.windows, key)
		}
	}
}
