package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/nodal-labs/prefetch-engine/internal/config"
)

// keyFunc selects the identity used to key a rate-limit bucket. The returned
// string must be stable for the duration of a request, e.g. "svc:indexer" or
// "ip:203.0.113.7".
type keyFunc func(*gin.Context) string

// KeyByCallerOrIP keys buckets by the authenticated service identity when
// Authenticate has run, falling back to the client IP for requests that carry
// no verified caller. Prefixes keep the two namespaces from colliding.
func KeyByCallerOrIP() keyFunc {
	return func(c *gin.Context) string {
		if id := CallerID(c); id != "" {
			return "svc:" + id
		}
		return "ip:" + c.ClientIP()
	}
}

// visitor holds one caller's bucket and its last activity, for idle eviction.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token-bucket limiter. Buckets are created on
// demand and idle ones are evicted opportunistically during lookups, so
// memory stays bounded by the live caller population.
//
// The limiter is process-local. Each replica enforces its own ceiling;
// a fronting balancer that spreads callers evenly keeps the aggregate close
// to ceiling × replicas.
//
// Safe for concurrent use.
type RateLimiter struct {
	rps      rate.Limit
	burst    int
	keyFn    keyFunc
	mu       sync.Mutex
	visitors map[string]*visitor

	ttl      time.Duration
	cleanupN uint64
}

// NewPerMinute constructs a limiter that admits perMin requests per minute
// per key with a burst of the full minute ceiling, so a caller that was idle
// can spend its whole allowance at once and then refills smoothly.
func NewPerMinute(perMin int, keyFn keyFunc) *RateLimiter {
	if perMin < 1 {
		perMin = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(float64(perMin) / 60.0),
		burst:    perMin,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
}

// Limiters bundles the three ceilings the API enforces: a global ceiling on
// everything under /api, plus tighter per-family ceilings for enqueue-style
// writes and cache reads.
type Limiters struct {
	Global  *RateLimiter
	Enqueue *RateLimiter
	Read    *RateLimiter
}

// NewLimiters builds the standard limiter set from configuration, all keyed
// by caller identity (IP fallback).
func NewLimiters(cfg config.RateLimitConfig) *Limiters {
	key := KeyByCallerOrIP()
	return &Limiters{
		Global:  NewPerMinute(cfg.GlobalPerMin, key),
		Enqueue: NewPerMinute(cfg.EnqueuePerMin, key),
		Read:    NewPerMinute(cfg.ReadPerMin, key),
	}
}

// getVisitor returns the bucket for key, creating it if absent. Eviction of
// idle entries runs before the lookup, every ~5000 calls, so a stale bucket
// can be dropped even when it is the one being fetched.
func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	rl.cleanupN++
	if rl.cleanupN >= 5000 {
		for k, vv := range rl.visitors {
			if now.Sub(vv.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		lim := v.limiter
		rl.mu.Unlock()
		return lim
	}

	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	rl.mu.Unlock()
	return lim
}

// Handler enforces the limiter. Rejections answer 429 with the standard
// envelope and a minimal Retry-After.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		lim := rl.getVisitor(rl.keyFn(c))
		if lim.Allow() {
			c.Next()
			return
		}

		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"error":   "RATE_LIMITED",
			"message": "rate limit exceeded",
		})
	}
}
