package httptransport

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"example.com/rewards/internal/auth"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

type clientLimiter struct {
	limiter *rate.Limiter
	expires time.Time
}

// RateLimiter is a per-client token bucket. Clients are keyed by JWT subject
// when the request is authenticated, otherwise by remote IP.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	clock   clockwork.Clock
	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// NewRateLimiter allows perMinute requests per client with a burst of half that.
func NewRateLimiter(perMinute int, clock clockwork.Clock) *RateLimiter {
	if perMinute < 1 {
		perMinute = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   max(perMinute/2, 1),
		ttl:     5 * time.Minute,
		clock:   clock,
		clients: make(map[string]*clientLimiter),
	}
}

// Middleware rejects requests over the limit with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if !l.allow(clientKey(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"type": "rate_limited", "detail": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(key string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, c := range l.clients {
		if now.After(c.expires) {
			delete(l.clients, k)
		}
	}
	c, ok := l.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.expires = now.Add(l.ttl)
	return c.limiter.AllowN(now, 1)
}

func clientKey(r *http.Request) string {
	if claims, ok := auth.FromContext(r.Context()); ok && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return "ip:" + strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
