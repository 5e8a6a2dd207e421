// Package stats runs the periodic in-process sampler and exposes read-through
// queries over the statistics store.
package stats

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/basket/agentd/internal/store"
)

// Collector samples process memory and uptime at a fixed interval and serves
// aggregate queries.
type Collector struct {
	store    *store.StatsStore
	logger   *slog.Logger
	interval time.Duration
	started  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Collector. interval defaults to one minute.
func New(st *store.StatsStore, interval time.Duration, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		store:    st,
		logger:   logger,
		interval: interval,
		started:  time.Now(),
	}
}

// Start begins the sampling loop.
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop(ctx)
	c.logger.Info("statistics collector started", "interval", c.interval)
}

// Stop cancels the sampling loop and waits for it to exit.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("statistics collector stopped")
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *Collector) sample() {
	mem := c.Memory()
	c.logger.Debug("process sample",
		"uptime_s", int64(c.Uptime().Seconds()),
		"alloc_bytes", mem.Alloc,
		"sys_bytes", mem.Sys,
		"num_goroutine", runtime.NumGoroutine())
}

// Uptime returns how long the collector (and so the process) has been up.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.started)
}

// Memory returns a current memory snapshot.
func (c *Collector) Memory() runtime.MemStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return mem
}

// Summary reads the global aggregates.
func (c *Collector) Summary() (*store.Summary, error) {
	return c.store.GetSummary()
}

// Daily reads day records, newest first.
func (c *Collector) Daily(limit int) ([]*store.DailyRecord, error) {
	return c.store.GetDaily(limit)
}

// Range reads day records between two YYYY-MM-DD dates inclusive.
func (c *Collector) Range(start, end string) ([]*store.DailyRecord, error) {
	return c.store.GetByDateRange(start, end)
}

// TopModels reads models sorted by request count.
func (c *Collector) TopModels(limit int) ([]store.ModelUsage, error) {
	return c.store.GetTopModels(limit)
}
