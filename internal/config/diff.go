package config

// Diff records which live-applicable fields changed between two
// configurations. Fields outside the diff (port, host, agentPath, data
// directories) require a restart and are only merged into the shared manager.
type Diff struct {
	Concurrency    bool
	DefaultTimeout bool
	Webhook        bool
	RateLimit      bool
	LogLevel       bool
	Retention      bool
}

// Empty reports whether nothing live-applicable changed.
func (d Diff) Empty() bool {
	return !d.Concurrency && !d.DefaultTimeout && !d.Webhook && !d.RateLimit && !d.LogLevel && !d.Retention
}

// DiffConfigs compares two configurations field by field.
func DiffConfigs(old, new Config) Diff {
	return Diff{
		Concurrency:    old.TaskQueue.Concurrency != new.TaskQueue.Concurrency,
		DefaultTimeout: old.TaskQueue.DefaultTimeout != new.TaskQueue.DefaultTimeout,
		Webhook:        old.Webhook != new.Webhook,
		RateLimit:      old.RateLimit != new.RateLimit,
		LogLevel:       old.LogLevel != new.LogLevel,
		Retention:      old.SessionRetentionDays != new.SessionRetentionDays,
	}
}
