package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimitConfig sets the token bucket each API client gets.
type LimitConfig struct {
	Rate  rate.Limit
	Burst int

	// Idle buckets older than IdleTTL are dropped every SweepInterval.
	SweepInterval time.Duration
	IdleTTL       time.Duration
}

// APILimitConfig covers every /api/v1 request: 20/s, burst 40.
func APILimitConfig() LimitConfig {
	return LimitConfig{Rate: 20, Burst: 40, SweepInterval: 5 * time.Minute, IdleTTL: 10 * time.Minute}
}

// PlacementLimitConfig covers call placement: 5/s, burst 10. Every accepted
// request writes a call file, so it is much tighter than the API limit.
func PlacementLimitConfig() LimitConfig {
	return LimitConfig{Rate: 5, Burst: 10, SweepInterval: 5 * time.Minute, IdleTTL: 10 * time.Minute}
}

type bucket struct {
	*rate.Limiter
	seen time.Time
}

// ClientLimiter rate limits API clients. Authenticated requests are keyed by
// operator so that operators behind one NAT do not share a bucket; anonymous
// requests fall back to the remote address.
type ClientLimiter struct {
	cfg    LimitConfig
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket

	done     chan struct{}
	stopOnce sync.Once
}

// NewClientLimiter creates a limiter and starts its idle sweep.
func NewClientLimiter(cfg LimitConfig, logger *slog.Logger) *ClientLimiter {
	l := &ClientLimiter{
		cfg:     cfg,
		logger:  logger,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow takes a token from key's bucket.
func (l *ClientLimiter) Allow(key string) bool {
	l.mu.Lock()
	b := l.buckets[key]
	if b == nil {
		b = &bucket{Limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.seen = time.Now()
	l.mu.Unlock()

	return b.Allow()
}

// Stop ends the idle sweep. Calling it more than once is harmless.
func (l *ClientLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

func (l *ClientLimiter) sweepLoop() {
	t := time.NewTicker(l.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case now := <-t.C:
			l.sweep(now)
		}
	}
}

func (l *ClientLimiter) sweep(now time.Time) {
	cutoff := now.Add(-l.cfg.IdleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	before := len(l.buckets)
	for key, b := range l.buckets {
		if !b.seen.After(cutoff) {
			delete(l.buckets, key)
		}
	}
	if dropped := before - len(l.buckets); dropped > 0 {
		l.logger.Debug("dropped idle rate limit buckets", "dropped", dropped, "kept", len(l.buckets))
	}
}

// RateLimit answers 429 with Retry-After once the client's bucket is empty.
// Mount it after RequireToken to limit per operator. chi's RealIP should run
// first when the API sits behind a proxy.
func RateLimit(limiter *ClientLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			if !limiter.Allow(key) {
				limiter.logger.Warn("rate limit exceeded", "client", key, "method", r.Method, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey names the bucket for r: "operator:<subject>" when a token was
// verified upstream, otherwise "addr:<ip>".
func clientKey(r *http.Request) string {
	if op := OperatorFromContext(r.Context()); op != "" {
		return "operator:" + op
	}
	return "addr:" + remoteHost(r)
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
