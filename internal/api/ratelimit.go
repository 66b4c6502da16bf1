package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	mu           sync.Mutex
	clients      map[string]*client
	limit        rate.Limit
	burst        int
	idle         time.Duration // forget a client after this long
	maxCacheSize int
	now          func() time.Time
	stop         chan struct{}
	stopOnce     sync.Once
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows n requests per window per IP, refilled evenly.
func NewRateLimiter(n int, window time.Duration) *RateLimiter {
	if n <= 0 {
		n = 1
	}
	rl := &RateLimiter{
		clients:      make(map[string]*client),
		limit:        rate.Every(window / time.Duration(n)),
		burst:        n,
		idle:         2 * window,
		maxCacheSize: 10000,
		now:          time.Now,
		stop:         make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether ip may make another request now.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	c, ok := rl.clients[ip]
	if !ok {
		if len(rl.clients) >= rl.maxCacheSize {
			rl.evictLocked(now)
		}
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// evictLocked drops idle clients, then a tenth of the rest if still full.
func (rl *RateLimiter) evictLocked(now time.Time) {
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.idle {
			delete(rl.clients, ip)
		}
	}
	if len(rl.clients) < rl.maxCacheSize {
		return
	}
	toRemove := len(rl.clients) / 10
	for ip := range rl.clients {
		if toRemove <= 0 {
			break
		}
		delete(rl.clients, ip)
		toRemove--
	}
}

// Middleware answers 429 once the caller's bucket is empty.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
			return
		}
		next(w, r)
	}
}

func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for ip, c := range rl.clients {
				if now.Sub(c.lastSeen) > rl.idle {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// clientIP uses the TCP peer address only. X-Forwarded-For is client
// controlled and would let callers pick their own bucket.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
