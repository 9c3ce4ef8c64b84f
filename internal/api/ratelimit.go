package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// staleAfter is how long an idle client keeps its bucket before the
// next allow call sweeps it away.
const staleAfter = 5 * time.Minute

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// submitLimiter keeps one token bucket per client IP. Stale buckets
// are swept opportunistically from allow, so the limiter needs no
// background goroutine and nothing to shut down.
type submitLimiter struct {
	mu        sync.Mutex
	perIP     map[string]*bucket
	rps       rate.Limit
	burst     int
	lastSweep time.Time
}

func newSubmitLimiter(rps, burst int) *submitLimiter {
	if burst <= 0 {
		burst = rps
	}
	return &submitLimiter{
		perIP:     make(map[string]*bucket),
		rps:       rate.Limit(rps),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

func (sl *submitLimiter) allow(ip string) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := time.Now()
	if now.Sub(sl.lastSweep) > staleAfter {
		for ip, b := range sl.perIP {
			if now.Sub(b.seen) > staleAfter {
				delete(sl.perIP, ip)
			}
		}
		sl.lastSweep = now
	}

	b, ok := sl.perIP[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(sl.rps, sl.burst)}
		sl.perIP[ip] = b
	}
	b.seen = now
	return b.lim.Allow()
}

// RateLimit returns a Middleware that throttles job submissions
// (POST PathJobs) to rps req/s per client IP, with the given burst
// (burst <= 0 means burst = rps). rps <= 0 disables throttling.
// Reads and the other endpoints pass through untouched.
func RateLimit(rps, burst int) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	sl := newSubmitLimiter(rps, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && r.URL.Path == PathJobs {
				if !sl.allow(clientIP(r)) {
					writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client IP, preferring the first entry of
// X-Forwarded-For when a proxy set it.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
