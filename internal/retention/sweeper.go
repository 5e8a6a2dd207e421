// Package retention prunes expired sessions and terminal tasks on a cron
// schedule.
package retention

import (
	"log/slog"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentd/internal/store"
)

// sweepSchedule fires the sweep hourly.
const sweepSchedule = "@hourly"

// Sweeper owns the periodic retention sweep.
type Sweeper struct {
	sessions *store.SessionStore
	tasks    *store.TaskStore
	logger   *slog.Logger

	// retentionDays re-reads the live configuration on every sweep so a hot
	// reload takes effect without restarting the cron entry.
	retentionDays func() int

	cron *cronlib.Cron
}

// New creates a Sweeper. retentionDays is consulted at sweep time.
func New(sessions *store.SessionStore, tasks *store.TaskStore, retentionDays func() int, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		sessions:      sessions,
		tasks:         tasks,
		logger:        logger,
		retentionDays: retentionDays,
		cron:          cronlib.New(),
	}
}

// Start schedules the hourly sweep and runs one immediately.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(sweepSchedule, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	go s.Sweep()
	s.logger.Info("retention sweeper started", "schedule", sweepSchedule)
	return nil
}

// Stop halts the cron scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("retention sweeper stopped")
}

// Sweep removes sessions and terminal tasks past the retention window.
func (s *Sweeper) Sweep() {
	days := s.retentionDays()
	if days <= 0 {
		return
	}

	removedSessions, err := s.sessions.Cleanup(days)
	if err != nil {
		s.logger.Error("session retention sweep failed", "error", err)
	}
	removedTasks, err := s.tasks.Cleanup(days)
	if err != nil {
		s.logger.Error("task retention sweep failed", "error", err)
	}
	if removedSessions > 0 || removedTasks > 0 {
		s.logger.Info("retention sweep",
			"retention_days", days,
			"sessions_removed", removedSessions,
			"tasks_removed", removedTasks)
	}
}
