package debugapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// tenantLimiter enforces per-(namespace,IP) request rate limits on the
// debug surface, the same shape as the teacher's RateLimiter except
// keyed by tenant rather than by IP alone: a noisy namespace tailing
// its own oplog must not starve another tenant's debug queries on the
// same process.
type tenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*tenantEntry
	rate     rate.Limit
	burst    int
}

type tenantEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// newTenantLimiter creates a limiter allowing reqPerSec sustained
// requests with the given burst, per tenant key.
func newTenantLimiter(reqPerSec float64, burst int) *tenantLimiter {
	tl := &tenantLimiter{
		limiters: make(map[string]*tenantEntry),
		rate:     rate.Limit(reqPerSec),
		burst:    burst,
	}
	go tl.evictStale()
	return tl
}

func (tl *tenantLimiter) evictStale() {
	for range time.Tick(5 * time.Minute) {
		tl.mu.Lock()
		for key, e := range tl.limiters {
			if time.Since(e.lastSeen) > 10*time.Minute {
				delete(tl.limiters, key)
			}
		}
		tl.mu.Unlock()
	}
}

func (tl *tenantLimiter) getLimiter(key string) *rate.Limiter {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	e, ok := tl.limiters[key]
	if !ok {
		e = &tenantEntry{lim: rate.NewLimiter(tl.rate, tl.burst)}
		tl.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.lim
}

// allow reports whether a request for namespace from the given client
// IP is within rate limits.
func (tl *tenantLimiter) allow(namespace, ip string) bool {
	return tl.getLimiter(namespace + "|" + ip).Allow()
}

// middleware wraps an http.Handler, rejecting requests over the
// namespace's rate limit with 429. The namespace is read from the
// {namespace} path value, which the caller's mux pattern must define.
func (tl *tenantLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		namespace := r.PathValue("namespace")
		if !tl.allow(namespace, clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
