package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/codespin-ai/shaman/pkg/config"
)

// fixedClock lets tests move time forward deterministically.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(requests int, window time.Duration) (*Limiter, *fixedClock) {
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(config.RateLimitConfig{Enabled: true, Requests: requests, Window: window})
	l.now = clock.Now
	return l, clock
}

func TestLimiterAdmitsUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "request %d", i)
	}
	assert.False(t, l.Allow("10.0.0.1"))
}

func TestLimiterSlidesWindow(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)

	assert.True(t, l.Allow("ip"))
	clock.Advance(30 * time.Second)
	assert.True(t, l.Allow("ip"))
	assert.False(t, l.Allow("ip"))

	// The first stamp expires at +60s; only one slot frees up.
	clock.Advance(31 * time.Second)
	assert.True(t, l.Allow("ip"))
	assert.False(t, l.Allow("ip"))
}

func TestLimiterIsolatesKeys(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiterRetryAfter(t *testing.T) {
	l, clock := newTestLimiter(1, time.Minute)

	assert.Zero(t, l.RetryAfter("ip"))
	assert.True(t, l.Allow("ip"))
	assert.Equal(t, time.Minute, l.RetryAfter("ip"))

	clock.Advance(40 * time.Second)
	assert.Equal(t, 20*time.Second, l.RetryAfter("ip"))

	clock.Advance(20 * time.Second)
	assert.Zero(t, l.RetryAfter("ip"))
	assert.True(t, l.Allow("ip"))
}

func TestLimiterDisabled(t *testing.T) {
	l := New(config.RateLimitConfig{Enabled: false, Requests: 1, Window: time.Minute})

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("ip"))
	}
	assert.Zero(t, l.RetryAfter("ip"))
}

func TestLimiterReset(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	assert.True(t, l.Allow("ip"))
	assert.False(t, l.Allow("ip"))

	l.Reset("ip")
	assert.True(t, l.Allow("ip"))
}

func TestLimiterConcurrentAccess(t *testing.T) {
	l, _ := newTestLimiter(100, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, admitted)
}
