package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"qms/access-service/internal/clock"
)

type RateLimitConfig struct {
	IPPerMinute int
	IPBurst     int
	// Credential limits apply to sign-in, password reset, and registration
	// on top of the per-IP limit.
	CredentialPerMinute int
	CredentialBurst     int
	Clock               clock.Clock
}

type RateLimiter struct {
	ipLimiter         *tokenLimiter
	credentialLimiter *tokenLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &RateLimiter{
		ipLimiter:         newTokenLimiter(cfg.IPPerMinute, cfg.IPBurst, 60, 20, clk),
		credentialLimiter: newTokenLimiter(cfg.CredentialPerMinute, cfg.CredentialBurst, 10, 5, clk),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip != "" && !l.ipLimiter.allow(ip) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		if credentialEndpoint(r) && !l.credentialLimiter.allow(ip+" "+r.URL.Path) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func credentialEndpoint(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	switch r.URL.Path {
	case "/api/session/login", "/api/session/password-reset", "/api/session/password-reset/confirm", "/api/requests":
		return true
	}
	return false
}

type tokenLimiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	clock  clock.Clock
	bucket map[string]*bucket
}

type bucket struct {
	tokens float64
	last   int64
}

func newTokenLimiter(perMinute, burst, defaultPerMinute, defaultBurst int, clk clock.Clock) *tokenLimiter {
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &tokenLimiter{
		rate:   float64(perMinute) / 60.0,
		burst:  float64(burst),
		clock:  clk,
		bucket: make(map[string]*bucket),
	}
}

func (l *tokenLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now().UnixNano()
	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	elapsed := float64(now-b.last) / 1e9
	b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens -= 1
	return true
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
