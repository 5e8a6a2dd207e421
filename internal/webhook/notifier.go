// Package webhook delivers task and session lifecycle events to configured
// HTTP endpoints with bounded retries.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basket/agentd/internal/config"
)

const userAgent = "Claude-API-Server/1.0"

// Event names delivered on the wire.
const (
	EventTaskCompleted  = "task.completed"
	EventTaskFailed     = "task.failed"
	EventTaskCancelled  = "task.cancelled"
	EventTaskTimeout    = "task.timeout"
	EventSessionCreated = "session.created"
	EventSessionDeleted = "session.deleted"
)

// Delivery reports the outcome of a notification.
type Delivery struct {
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

type payload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// Notifier posts lifecycle events. Its configuration is swapped wholesale by
// the hot-reload path.
type Notifier struct {
	mu     sync.RWMutex
	cfg    config.WebhookConfig
	logger *slog.Logger
	client *http.Client

	// backoff computes the wait before retry attempt n+1 (n is 1-based).
	// Overridable in tests.
	backoff func(attempt int) time.Duration
}

// New creates a Notifier from the webhook configuration.
func New(cfg config.WebhookConfig, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:     cfg,
		logger:  logger,
		client:  &http.Client{},
		backoff: Backoff,
	}
}

// Backoff returns the delay before the attempt following attempt n:
// 1s, 2s, 4s, ... capped at 10s.
func Backoff(attempt int) time.Duration {
	ms := int64(1000) << (attempt - 1)
	if ms > 10_000 {
		ms = 10_000
	}
	return time.Duration(ms) * time.Millisecond
}

// SetConfig replaces the cached webhook configuration.
func (n *Notifier) SetConfig(cfg config.WebhookConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg = cfg
}

func (n *Notifier) snapshot() config.WebhookConfig {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cfg
}

// Notify posts {event, timestamp, data} to url (or the configured default
// when url is empty), retrying with exponential backoff. Any 2xx status is a
// success.
func (n *Notifier) Notify(ctx context.Context, event string, data any, url string) Delivery {
	cfg := n.snapshot()
	if !cfg.Enabled {
		return Delivery{Success: false, Reason: "disabled"}
	}
	if url == "" {
		url = cfg.DefaultURL
	}
	if url == "" {
		return Delivery{Success: false, Reason: "no_url"}
	}

	body, err := json.Marshal(payload{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	})
	if err != nil {
		return Delivery{Success: false, Reason: "marshal_failed", LastError: err.Error()}
	}

	retries := cfg.Retries
	if retries < 1 {
		retries = 1
	}
	timeout := cfg.TimeoutDuration()

	var lastErr string
	for attempt := 1; attempt <= retries; attempt++ {
		status, err := n.post(ctx, url, body, timeout)
		if err == nil && status >= 200 && status < 300 {
			n.logger.Debug("webhook delivered", "event", event, "url", url, "attempt", attempt)
			return Delivery{Success: true, Attempts: attempt}
		}
		if err != nil {
			lastErr = err.Error()
		} else {
			lastErr = fmt.Sprintf("unexpected status %d", status)
		}
		n.logger.Warn("webhook attempt failed",
			"event", event, "url", url, "attempt", attempt, "error", lastErr)

		if attempt < retries {
			select {
			case <-time.After(n.backoff(attempt)):
			case <-ctx.Done():
				return Delivery{Success: false, Reason: "cancelled", Attempts: attempt, LastError: ctx.Err().Error()}
			}
		}
	}
	return Delivery{
		Success:   false,
		Reason:    "max_retries_exceeded",
		Attempts:  retries,
		LastError: lastErr,
	}
}

func (n *Notifier) post(ctx context.Context, url string, body []byte, timeout time.Duration) (int, error) {
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// NotifyTaskCompleted delivers a task.completed event.
func (n *Notifier) NotifyTaskCompleted(ctx context.Context, taskID, result string, costUSD float64, durationMS int64, url string) Delivery {
	return n.Notify(ctx, EventTaskCompleted, map[string]any{
		"task_id":     taskID,
		"result":      result,
		"cost_usd":    costUSD,
		"duration_ms": durationMS,
	}, url)
}

// NotifyTaskFailed delivers a task.failed event.
func (n *Notifier) NotifyTaskFailed(ctx context.Context, taskID, errText string, url string) Delivery {
	return n.Notify(ctx, EventTaskFailed, map[string]any{
		"task_id": taskID,
		"error":   errText,
	}, url)
}

// NotifyTaskCancelled delivers a task.cancelled event.
func (n *Notifier) NotifyTaskCancelled(ctx context.Context, taskID, url string) Delivery {
	return n.Notify(ctx, EventTaskCancelled, map[string]any{
		"task_id": taskID,
	}, url)
}

// NotifyTaskTimeout delivers a task.timeout event.
func (n *Notifier) NotifyTaskTimeout(ctx context.Context, taskID string, timeoutMS int64, url string) Delivery {
	return n.Notify(ctx, EventTaskTimeout, map[string]any{
		"task_id":    taskID,
		"timeout_ms": timeoutMS,
	}, url)
}

// NotifySessionCreated delivers a session.created event.
func (n *Notifier) NotifySessionCreated(ctx context.Context, sessionID, projectPath string) Delivery {
	return n.Notify(ctx, EventSessionCreated, map[string]any{
		"session_id":   sessionID,
		"project_path": projectPath,
	}, "")
}

// NotifySessionDeleted delivers a session.deleted event.
func (n *Notifier) NotifySessionDeleted(ctx context.Context, sessionID string) Delivery {
	return n.Notify(ctx, EventSessionDeleted, map[string]any{
		"session_id": sessionID,
	}, "")
}
