package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Limiter is a fixed-window admission counter keyed by job submitter.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*submitWindow
	swept   time.Time
}

type submitWindow struct {
	used  int
	reset time.Time
}

func NewLimiter(limit int, window time.Duration) *Limiter {
	return &Limiter{limit: limit, window: window, now: time.Now, windows: make(map[string]*submitWindow)}
}

// Allow spends one submission for key. When the window is exhausted it
// reports how long until the next one opens.
func (l *Limiter) Allow(key string) (remaining int, retryAfter time.Duration, ok bool) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > l.window {
		for k, w := range l.windows {
			if !now.Before(w.reset) {
				delete(l.windows, k)
			}
		}
		l.swept = now
	}
	w, found := l.windows[key]
	if !found || !now.Before(w.reset) {
		w = &submitWindow{reset: now.Add(l.window)}
		l.windows[key] = w
	}
	if w.used >= l.limit {
		return 0, w.reset.Sub(now), false
	}
	w.used++
	return l.limit - w.used, 0, true
}

// Middleware rejects submissions over the limit with 429. Authenticated
// owners share one budget across addresses; anonymous callers are counted
// per client address.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	if l.limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, wait, ok := l.Allow(submitterKey(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many job submissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit admits limit submissions per submitter in each window of length
// per. A non-positive limit disables it.
func RateLimit(limit int, per time.Duration) func(http.Handler) http.Handler {
	return NewLimiter(limit, per).Middleware
}

func submitterKey(r *http.Request) string {
	if owner := OwnerIDFromContext(r.Context()); owner != "" {
		return "owner:" + owner
	}
	return "addr:" + clientAddr(r)
}

// clientAddr prefers the first parseable X-Forwarded-For hop, then the host
// part of RemoteAddr.
func clientAddr(r *http.Request) string {
	for _, hop := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if ip := net.ParseIP(strings.TrimSpace(hop)); ip != nil {
			return ip.String()
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
