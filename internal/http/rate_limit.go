package httpx

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	memoryLimiterKeys = 65536
	// memoryLimiterTTL outlives the longest route window.
	memoryLimiterTTL = 2 * time.Minute
)

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

type windowCounter struct {
	count int
	end   time.Time
}

// memoryRateLimiter keeps one counter per key in a bounded LRU. Idle keys
// expire on their own; an evicted key simply starts a fresh window.
type memoryRateLimiter struct {
	mu      sync.Mutex
	windows *expirable.LRU[string, *windowCounter]
	now     func() time.Time
}

// NewMemoryRateLimiter returns a process-local limiter. Counters are not shared
// between API replicas.
func NewMemoryRateLimiter() RateLimiter {
	return newMemoryRateLimiter(time.Now)
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{
		windows: expirable.NewLRU[string, *windowCounter](memoryLimiterKeys, nil, memoryLimiterTTL),
		now:     now,
	}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok := rl.windows.Get(key)
	if !ok || !now.Before(w.end) {
		w = &windowCounter{end: now.Add(window)}
		rl.windows.Add(key, w)
	}
	if w.count >= limit {
		return rateDecision{count: w.count, windowEnd: w.end}
	}
	w.count++
	return rateDecision{allowed: true, count: w.count, windowEnd: w.end}
}

func (rl *memoryRateLimiter) Close() {
	rl.windows.Purge()
}

func (r *Router) withRateLimit(route string, limit int, window time.Duration, keyFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := keyFn(req)
		if key == "" {
			key = rateLimitKeyIP(req)
		}
		decision := r.limiter.Allow(route+"|"+key, limit, window)
		r.applyRateHeaders(w, limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(route, rateMetricKey(key))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func rateLimitKeyIP(req *http.Request) string {
	host := clientIP(req)
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

func rateLimitKeyBuilder(req *http.Request) string {
	if strings.TrimSpace(req.Header.Get("X-Builder-Token")) != "" {
		return "builder:" + clientIP(req)
	}
	return ""
}

// rateMetricKey keeps only the key's scope so client addresses never become
// label values.
func rateMetricKey(key string) string {
	if key == "" {
		return "unknown"
	}
	if scope, _, ok := strings.Cut(key, ":"); ok && scope != "" {
		return scope
	}
	return key
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
