package middleware

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// RateLimiter enforces a sliding one-minute request window per virtual
// key. The limit comes from the key's rpm_limit when the router reports
// one, otherwise the configured default applies.
//
// Expired windows are garbage-collected periodically.
type RateLimiter struct {
	mu         sync.RWMutex
	windows    map[string]*rateLimitWindow
	defaultRPM int
	logger     *log.Logger
}

type rateLimitWindow struct {
	count       atomic.Int64
	windowStart time.Time
}

// NewRateLimiter creates a limiter with the given default RPM and starts
// its background cleanup.
func NewRateLimiter(defaultRPM int) *RateLimiter {
	if defaultRPM <= 0 {
		defaultRPM = 60
	}
	rl := &RateLimiter{
		windows:    make(map[string]*rateLimitWindow),
		defaultRPM: defaultRPM,
		logger:     log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

// Allow checks whether a request under key (the key alias) fits within
// limit requests per minute. limit <= 0 falls back to the default.
//
// Uses a read-first pattern: the count is atomic so concurrent callers
// only take the write lock when a new window must be created or the
// current one has expired.
func (rl *RateLimiter) Allow(key string, limit int) bool {
	if limit <= 0 {
		limit = rl.defaultRPM
	}
	now := time.Now()

	rl.mu.RLock()
	window, exists := rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		count := window.count.Add(1)
		rl.mu.RUnlock()

		if count > int64(limit) {
			rl.logger.Printf("🚫 Rate limit exceeded: key=%s count=%d limit=%d", key, count, limit)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Re-check: another goroutine may have rolled the window already.
	window, exists = rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		return window.count.Add(1) <= int64(limit)
	}

	window = &rateLimitWindow{windowStart: now}
	window.count.Store(1)
	rl.windows[key] = window
	return true
}

// cleanup evicts windows older than two minutes.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-2 * time.Minute)
		rl.mu.Lock()
		for key, window := range rl.windows {
			if window.windowStart.Before(cutoff) {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}
