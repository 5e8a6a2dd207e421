package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/basket/agentd/internal/config"
	"github.com/basket/agentd/internal/otelmetrics"
)

// clientWindow tracks one client's fixed window.
type clientWindow struct {
	windowStart time.Time
	count       int
	lastAccess  time.Time
}

// RateLimiter enforces a fixed-window request cap per client address.
// The configuration is re-read on every request so hot reloads apply
// immediately.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*clientWindow
	cfg     func() config.RateLimitConfig
	metrics *otelmetrics.Metrics
	logger  *slog.Logger
}

// NewRateLimiter creates a limiter that consults cfg on each request.
func NewRateLimiter(cfg func() config.RateLimitConfig, metrics *otelmetrics.Metrics, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		windows: make(map[string]*clientWindow),
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Allow consumes one slot for key. When the cap is hit it reports the time
// until the current window resets.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	cfg := rl.cfg()
	if !cfg.Enabled {
		return true, 0
	}
	window := cfg.WindowDuration()
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	cw := rl.windows[key]
	if cw == nil || now.Sub(cw.windowStart) >= window {
		cw = &clientWindow{windowStart: now}
		rl.windows[key] = cw
	}
	cw.lastAccess = now
	if cw.count >= cfg.MaxRequests {
		return false, cw.windowStart.Add(window).Sub(now)
	}
	cw.count++
	return true, 0
}

// Wrap applies the limiter to every /api/* request.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		key := clientAddr(r)
		ok, retryAfter := rl.Allow(key)
		if !ok {
			if rl.metrics != nil {
				rl.metrics.RateLimited.Add(r.Context(), 1)
			}
			rl.logger.Debug("rate limit exceeded", "client", key)
			seconds := int(retryAfter.Round(time.Second).Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"success":    false,
				"error":      "rate limit exceeded",
				"retryAfter": seconds,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartEviction launches a background goroutine that removes windows idle
// longer than maxAge, bounding memory growth from unique client addresses.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes windows not accessed within maxAge.
func (rl *RateLimiter) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, cw := range rl.windows {
		if cw.lastAccess.Before(cutoff) {
			delete(rl.windows, key)
			evicted++
		}
	}
	if evicted > 0 {
		rl.logger.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.windows))
	}
}

// WindowCount returns the number of tracked clients (for tests/metrics).
func (rl *RateLimiter) WindowCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// clientAddr extracts the client host from the request.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
