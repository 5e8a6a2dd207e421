// Package gateway mounts the HTTP surface: execution endpoints, session and
// task management, statistics, and the health probe.
package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/agentd/internal/config"
	"github.com/basket/agentd/internal/executor"
	"github.com/basket/agentd/internal/otelmetrics"
	"github.com/basket/agentd/internal/queue"
	"github.com/basket/agentd/internal/shared"
	"github.com/basket/agentd/internal/stats"
	"github.com/basket/agentd/internal/store"
	"github.com/basket/agentd/internal/webhook"
)

// Config holds the gateway's dependencies.
type Config struct {
	Manager   *config.Manager
	Sessions  *store.SessionStore
	Tasks     *store.TaskStore
	Queue     *queue.Queue
	Runner    executor.Runner
	Notifier  *webhook.Notifier
	Collector *stats.Collector
	Metrics   *otelmetrics.Metrics
	Logger    *slog.Logger
}

// Server is the HTTP request surface.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimiter
	started time.Time
}

// New creates a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := NewRateLimiter(func() config.RateLimitConfig {
		return cfg.Manager.Snapshot().RateLimit
	}, cfg.Metrics, logger)

	return &Server{
		cfg:     cfg,
		logger:  logger,
		limiter: limiter,
		started: time.Now(),
	}
}

// Limiter exposes the rate limiter so main can start its eviction loop.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

// Handler builds the route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/config", s.handleConfig)

	mux.HandleFunc("/api/claude", s.handleClaude)
	mux.HandleFunc("/api/claude/batch", s.handleClaudeBatch)

	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/search", s.handleSessionSearch)
	mux.HandleFunc("/api/sessions/", s.handleSessionByID)

	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/async", s.handleTaskCreate)
	mux.HandleFunc("/api/tasks/queue/status", s.handleQueueStatus)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)

	mux.HandleFunc("/api/statistics", s.handleStatistics)
	mux.HandleFunc("/api/statistics/summary", s.handleStatsSummary)
	mux.HandleFunc("/api/statistics/daily", s.handleStatsDaily)
	mux.HandleFunc("/api/statistics/range", s.handleStatsRange)
	mux.HandleFunc("/api/statistics/models", s.handleStatsModels)

	var handler http.Handler = mux
	handler = s.limiter.Wrap(handler)
	handler = s.countRequests(handler)
	handler = corsMiddleware(handler)
	handler = requestSizeLimit(handler)
	return handler
}

// countRequests tallies requests and stamps each with a trace id for log
// correlation down through the executor.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.HTTPRequests.Add(ctx, 1)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	uptime := time.Since(s.started)
	memory := map[string]any{}
	if s.cfg.Collector != nil {
		uptime = s.cfg.Collector.Uptime()
		mem := s.cfg.Collector.Memory()
		memory = map[string]any{
			"alloc_bytes":       mem.Alloc,
			"sys_bytes":         mem.Sys,
			"heap_in_use_bytes": mem.HeapInuse,
			"num_gc":            mem.NumGC,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"status":    "ok",
		"uptime":    int64(uptime.Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"memory":    memory,
	})
}

// handleConfig exposes the public subset of the configuration. Filesystem
// paths and webhook URLs stay private.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	snap := s.cfg.Manager.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"host":         snap.Host,
		"port":         snap.Port,
		"defaultModel": snap.DefaultModel,
		"logLevel":     snap.LogLevel,
		"taskQueue": map[string]any{
			"concurrency":    snap.TaskQueue.Concurrency,
			"defaultTimeout": snap.TaskQueue.DefaultTimeout,
		},
		"rateLimit": map[string]any{
			"enabled":     snap.RateLimit.Enabled,
			"windowMs":    snap.RateLimit.WindowMS,
			"maxRequests": snap.RateLimit.MaxRequests,
		},
		"webhook": map[string]any{
			"enabled": snap.Webhook.Enabled,
			"retries": snap.Webhook.Retries,
		},
		"statistics": map[string]any{
			"enabled":            snap.Statistics.Enabled,
			"collectionInterval": snap.Statistics.CollectionInterval,
		},
		"sessionRetentionDays": snap.SessionRetentionDays,
	})
}
