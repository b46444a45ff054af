package middleware

import (
	"net/http"
	"sync"
	"time"

	"xpos/internal/apierror"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const kindRateLimited apierror.Kind = "rate_limited"

// windowEntry counts requests of one key within a fixed window.
type windowEntry struct {
	count     int
	windowEnd time.Time
}

// windowLimiter is a fixed-window counter per key.
type windowLimiter struct {
	name   string
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*windowEntry
}

var (
	limiters   []*windowLimiter
	limitersMu sync.Mutex
	purgeOnce  sync.Once
)

func newWindowLimiter(name string, limit int, window time.Duration) *windowLimiter {
	l := &windowLimiter{
		name:    name,
		limit:   limit,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*windowEntry),
	}
	limitersMu.Lock()
	limiters = append(limiters, l)
	limitersMu.Unlock()
	purgeOnce.Do(func() { go purgeExpiredEntries() })
	return l
}

// allow records one hit for key and reports whether it fits the window.
// The returned time is when the window resets.
func (l *windowLimiter) allow(key string) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		e = &windowEntry{}
		l.entries[key] = e
	}
	if now.After(e.windowEnd) {
		e.count = 0
		e.windowEnd = now.Add(l.window)
	}
	e.count++
	return e.count <= l.limit, e.windowEnd
}

func (l *windowLimiter) purge(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.entries {
		if now.After(e.windowEnd) {
			delete(l.entries, k)
			n++
		}
	}
	return n
}

func (l *windowLimiter) handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, reset := l.allow(c.ClientIP())
		if !ok {
			c.Header("Retry-After", reset.UTC().Format(http.TimeFormat))
			abortStatus(c, http.StatusTooManyRequests, kindRateLimited, "too many requests, retry later")
			return
		}
		c.Next()
	}
}

// RateLimiter limits every client IP to limit requests per window.
func RateLimiter(limit int, window time.Duration) gin.HandlerFunc {
	return newWindowLimiter("api", limit, window).handler()
}

// CredentialRateLimiter guards the secret-bearing device endpoints
// (register, token) with 20 attempts per minute per IP.
func CredentialRateLimiter() gin.HandlerFunc {
	return newWindowLimiter("credentials", 20, time.Minute).handler()
}

// ── Purge goroutine ───────────────────────────────────────────────────────────
// Drops expired windows so IPs that never return do not accumulate.

const purgeInterval = 5 * time.Minute

func purgeExpiredEntries() {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		limitersMu.Lock()
		current := append([]*windowLimiter(nil), limiters...)
		limitersMu.Unlock()

		for _, l := range current {
			if n := l.purge(now); n > 0 {
				log.Debug().Str("limiter", l.name).Int("entries_purged", n).Msg("rate limiter purged")
			}
		}
	}
}
