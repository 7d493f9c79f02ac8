package callback

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig configures webhook throttling.
type RateLimiterConfig struct {
	// Rate and Burst size the token bucket of one key.
	Rate  rate.Limit
	Burst int
	// SweepInterval is how often idle buckets are dropped; IdleAfter is how
	// long a bucket may go unused before it is.
	SweepInterval time.Duration
	IdleAfter     time.Duration
	// Key picks the bucket for a request. Nil means ChainKey.
	Key func(*http.Request) string
}

// DefaultRateLimiterConfig allows 20 requests/second with a burst of 40 per
// correlation chain. A single call rarely sees more than a handful of
// callbacks per second; a whole platform edge shares one address but not
// one chain.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Rate:          rate.Limit(20),
		Burst:         40,
		SweepInterval: 5 * time.Minute,
		IdleAfter:     10 * time.Minute,
	}
}

// ChainKey buckets a request by client address and correlation chain, so
// one noisy call cannot starve the other calls arriving from the same
// platform edge. Requests without a chain header share the address bucket.
func ChainKey(r *http.Request) string {
	host := clientHost(r)
	if chain := r.Header.Get(correlationHeader); chain != "" {
		return host + "|" + chain
	}
	return host
}

// clientHost returns the remote IP without port. chi's RealIP middleware has
// already replaced RemoteAddr when the request came through a proxy.
func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles webhook requests per key.
type RateLimiter struct {
	cfg      RateLimiterConfig
	logger   *slog.Logger
	rejected atomic.Uint64

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter creates a rate limiter. Call Start to drop idle buckets.
func NewRateLimiter(cfg RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Key == nil {
		cfg.Key = ChainKey
	}
	return &RateLimiter{
		cfg:     cfg,
		logger:  logger.With("subsystem", "ratelimit"),
		buckets: make(map[string]*bucket),
	}
}

// Start sweeps idle buckets every SweepInterval until ctx is cancelled.
func (rl *RateLimiter) Start(ctx context.Context) {
	if rl.cfg.SweepInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(rl.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.sweep(now)
			}
		}
	}()
}

// Allow takes a token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	if b.limiter.AllowN(now, 1) {
		return true
	}
	rl.rejected.Add(1)
	return false
}

// Rejected returns how many requests were throttled.
func (rl *RateLimiter) Rejected() uint64 {
	return rl.rejected.Load()
}

func (rl *RateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-rl.cfg.IdleAfter)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	before := len(rl.buckets)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
	if dropped := before - len(rl.buckets); dropped > 0 {
		rl.logger.Debug("idle rate limit buckets dropped", "dropped", dropped, "remaining", len(rl.buckets))
	}
}

// Middleware answers 429 once a key's bucket is empty.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rl.cfg.Key(r)
		if !rl.Allow(key) {
			rl.logger.Warn("webhook throttled",
				"client", clientHost(r),
				"correlation_id", r.Header.Get(correlationHeader),
				"path", r.URL.Path,
			)
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
