// Command agentd is a long-running HTTP service fronting the agent CLI.
// Clients submit prompts over REST; agentd executes the CLI as a child
// process, attributes cost to sessions, and optionally queues the work.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/basket/agentd/internal/bus"
	"github.com/basket/agentd/internal/config"
	"github.com/basket/agentd/internal/executor"
	"github.com/basket/agentd/internal/gateway"
	"github.com/basket/agentd/internal/otelmetrics"
	"github.com/basket/agentd/internal/queue"
	"github.com/basket/agentd/internal/retention"
	"github.com/basket/agentd/internal/stats"
	"github.com/basket/agentd/internal/store"
	"github.com/basket/agentd/internal/telemetry"
	"github.com/basket/agentd/internal/webhook"
)

const shutdownWatchdog = 10 * time.Second

func main() {
	homeDir := flag.String("home", config.HomeDir(), "server home directory (config, data, logs)")
	quiet := flag.Bool("quiet", false, "log to file only")
	flag.Parse()

	if err := run(*homeDir, *quiet); err != nil {
		fmt.Fprintln(os.Stderr, "agentd:", err)
		os.Exit(1)
	}
}

func run(homeDir string, quiet bool) error {
	cfg, err := config.Load(homeDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// A superuser identity is refused unless root compatibility is opted in;
	// the executor then sets IS_SANDBOX=1 for the child.
	if os.Geteuid() == 0 && !cfg.EnableRootCompatibility {
		return errors.New("refusing to run as root; set enableRootCompatibility to opt in")
	}

	logger, levelVar, logCloser, err := telemetry.NewLogger(cfg.LogFile, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := writePidFile(cfg.PidFile); err != nil {
		return err
	}
	defer os.Remove(cfg.PidFile)

	// Path detection: merge proposals and persist so the next start skips it.
	detector := config.DefaultDetector{}
	if config.ApplyDetection(&cfg, detector) {
		if err := config.Save(config.Path(homeDir), cfg); err != nil {
			logger.Warn("persist detected paths", "error", err)
		}
		logger.Info("detected agent CLI", "agent_path", cfg.AgentPath, "toolchain_bin", cfg.ToolchainBin)
	}

	manager := config.NewManager(config.Path(homeDir), cfg)

	sessions, err := store.NewSessionStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	tasks, err := store.NewTaskStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	statistics, err := store.NewStatsStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open statistics store: %w", err)
	}

	metricsProvider, err := otelmetrics.Init()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := bus.New()
	notifier := webhook.New(cfg.Webhook, logger)
	runner := executor.New(manager, sessions, statistics, logger)

	taskQueue := queue.New(queue.Config{
		Tasks:          tasks,
		Runner:         runner,
		Notifier:       notifier,
		Bus:            eventBus,
		Logger:         logger,
		Metrics:        metricsProvider.Metrics,
		Concurrency:    cfg.TaskQueue.Concurrency,
		DefaultTimeout: cfg.TaskQueue.DefaultTimeoutDuration(),
	})
	if err := taskQueue.Start(ctx); err != nil {
		return fmt.Errorf("start task queue: %w", err)
	}
	if err := metricsProvider.RegisterQueueDepth(func() int64 {
		return int64(taskQueue.ActiveCount())
	}); err != nil {
		logger.Warn("register queue depth gauge", "error", err)
	}
	logger.Info("startup phase", "phase", "queue_started")

	// The collector always serves the read-through queries; disabling
	// statistics only turns the periodic sampling off.
	collector := stats.New(statistics, cfg.Statistics.IntervalDuration(), logger)
	if cfg.Statistics.Enabled {
		collector.Start(ctx)
	}

	sweeper := retention.New(sessions, tasks, func() int {
		return manager.Snapshot().SessionRetentionDays
	}, logger)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start retention sweeper: %w", err)
	}

	gw := gateway.New(gateway.Config{
		Manager:   manager,
		Sessions:  sessions,
		Tasks:     tasks,
		Queue:     taskQueue,
		Runner:    runner,
		Notifier:  notifier,
		Collector: collector,
		Metrics:   metricsProvider.Metrics,
		Logger:    logger,
	})
	gw.Limiter().StartEviction(ctx, 5*time.Minute, 30*time.Minute)

	// Configuration hot reload.
	watcher := config.NewWatcher(config.Path(homeDir), logger)
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	go reloadLoop(ctx, watcher, manager, homeDir, detector, taskQueue, notifier, levelVar, logger)

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	server := &http.Server{
		Addr:    addr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "listener_bound", "addr", addr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server error", "error", err)
	}

	// Shutdown phases under a watchdog: stop intake, drain the queue, stop
	// the background jobs, flush metrics.
	watchdog := time.AfterFunc(shutdownWatchdog, func() {
		logger.Error("shutdown watchdog elapsed, forcing exit")
		os.Remove(cfg.PidFile)
		os.Exit(1)
	})
	defer watchdog.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	taskQueue.Stop()
	collector.Stop()
	sweeper.Stop()
	_ = metricsProvider.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}

// reloadLoop applies debounced config file changes to the live components.
func reloadLoop(ctx context.Context, watcher *config.Watcher, manager *config.Manager,
	homeDir string, detector config.PathDetector, taskQueue *queue.Queue,
	notifier *webhook.Notifier, levelVar *slog.LevelVar, logger *slog.Logger) {

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			old := manager.Snapshot()
			next, err := config.Load(homeDir)
			if err != nil {
				logger.Error("config reload failed, keeping previous config", "error", err)
				continue
			}
			if config.ApplyDetection(&next, detector) {
				if err := config.Save(config.Path(homeDir), next); err != nil {
					logger.Warn("persist detected paths", "error", err)
				}
			}

			diff := config.DiffConfigs(old, next)
			manager.Replace(next)

			if diff.Concurrency {
				taskQueue.SetConcurrency(next.TaskQueue.Concurrency)
			}
			if diff.DefaultTimeout {
				taskQueue.SetDefaultTimeout(next.TaskQueue.DefaultTimeoutDuration())
			}
			if diff.Webhook {
				notifier.SetConfig(next.Webhook)
			}
			if diff.LogLevel {
				levelVar.Set(telemetry.ParseLevel(next.LogLevel))
			}
			logger.Info("configuration reloaded",
				"concurrency_changed", diff.Concurrency,
				"timeout_changed", diff.DefaultTimeout,
				"webhook_changed", diff.Webhook,
				"rate_limit_changed", diff.RateLimit,
				"log_level_changed", diff.LogLevel)

			if restartRequired(old, next) {
				logger.Warn("port, host, agent path, and data directories require a restart to change")
			}
		}
	}
}

func restartRequired(old, next config.Config) bool {
	return old.Port != next.Port || old.Host != next.Host ||
		old.AgentPath != next.AgentPath || old.DataDir != next.DataDir
}

// writePidFile records the server pid, refusing to start when another live
// process already holds the file.
func writePidFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid > 0 {
			if err := syscall.Kill(pid, 0); err == nil {
				return fmt.Errorf("another server is running (pid %d, %s)", pid, path)
			}
		}
		// Stale pid file from a crashed process.
		_ = os.Remove(path)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}
