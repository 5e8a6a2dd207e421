// Package queue implements the priority-ordered, bounded-concurrency task
// scheduler with durable state, crash recovery, timeouts, cancellation, and
// webhook notification.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/agentd/internal/bus"
	"github.com/basket/agentd/internal/executor"
	"github.com/basket/agentd/internal/otelmetrics"
	"github.com/basket/agentd/internal/shared"
	"github.com/basket/agentd/internal/store"
	"github.com/basket/agentd/internal/webhook"
)

const (
	// tickInterval is the safety-net poll; the primary dispatch mechanism is
	// the kick issued on enqueue and task completion.
	tickInterval = 1 * time.Second
	// drainTimeout bounds how long Stop waits for active tasks.
	drainTimeout = 10 * time.Second
	// drainPollInterval is how often Stop re-checks the active set.
	drainPollInterval = 100 * time.Millisecond
)

// timeoutError is the persisted failure reason when a task's timer fires.
const timeoutError = "Task execution timeout"

// Config holds the queue's dependencies.
type Config struct {
	Tasks          *store.TaskStore
	Runner         executor.Runner
	Notifier       *webhook.Notifier
	Bus            *bus.Bus
	Logger         *slog.Logger
	Metrics        *otelmetrics.Metrics
	Concurrency    int
	DefaultTimeout time.Duration
}

type activeEntry struct {
	startedAt time.Time
	cancel    context.CancelFunc
}

// Queue dispatches pending tasks to the executor, at most `concurrency` at a
// time, highest priority first and FIFO within a priority.
type Queue struct {
	tasks    *store.TaskStore
	runner   executor.Runner
	notifier *webhook.Notifier
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otelmetrics.Metrics

	mu             sync.Mutex
	running        bool
	concurrency    int
	defaultTimeout time.Duration
	active         map[string]*activeEntry

	kick       chan struct{}
	cancelLoop context.CancelFunc
	loopDone   sync.WaitGroup
	workers    sync.WaitGroup
}

// New creates a Queue.
func New(cfg Config) *Queue {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		tasks:          cfg.Tasks,
		runner:         cfg.Runner,
		notifier:       cfg.Notifier,
		bus:            cfg.Bus,
		logger:         logger,
		metrics:        cfg.Metrics,
		concurrency:    concurrency,
		defaultTimeout: timeout,
		active:         make(map[string]*activeEntry),
		kick:           make(chan struct{}, 1),
	}
}

// Start recovers orphaned tasks and begins the scheduler loop.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errors.New("queue already running")
	}
	q.running = true
	q.mu.Unlock()

	// Crash recovery: any task left in processing belongs to a previous
	// process; put it back in line.
	reset, err := q.tasks.ResetProcessing()
	if err != nil {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		return err
	}
	if len(reset) > 0 {
		q.logger.Info("recovered orphaned tasks", "count", len(reset), "task_ids", reset)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	q.cancelLoop = cancel
	q.loopDone.Add(1)
	go q.loop(loopCtx)
	q.requestTick()

	q.logger.Info("task queue started",
		"concurrency", q.Concurrency(),
		"default_timeout", q.DefaultTimeout())
	return nil
}

// Stop halts dispatch and waits up to 10 seconds for active tasks to drain.
// Overrunning tasks are logged, not killed.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel := q.cancelLoop
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.loopDone.Wait()

	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		if q.ActiveCount() == 0 {
			q.logger.Info("task queue stopped")
			return
		}
		time.Sleep(drainPollInterval)
	}
	q.logger.Warn("task queue stopped with tasks still active",
		"active_tasks", q.ActiveCount())
}

// loop is the scheduler: it dispatches on every kick and on the safety tick.
func (q *Queue) loop(ctx context.Context) {
	defer q.loopDone.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.kick:
			q.dispatch()
		case <-ticker.C:
			q.dispatch()
		}
	}
}

// requestTick asks the scheduler loop for an immediate dispatch pass.
func (q *Queue) requestTick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// dispatch reserves concurrency slots for pending tasks. It is only ever
// called from the scheduler loop, which makes it the single reservation
// point: the task id is inserted into the active set synchronously, before
// anything that can block.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if !q.running || len(q.active) >= q.concurrency {
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		task, err := q.tasks.GetNextPending()
		if err != nil {
			q.logger.Error("fetch next pending task", "error", err)
			return
		}
		if task == nil {
			return
		}

		// The run context is independent of the scheduler loop so shutdown
		// drains in-flight work instead of killing it; only Cancel and the
		// per-task timer cancel it.
		runCtx, cancel := context.WithCancel(
			shared.WithTaskID(shared.WithTraceID(context.Background(), shared.NewTraceID()), task.ID))
		entry := &activeEntry{startedAt: time.Now(), cancel: cancel}

		q.mu.Lock()
		if !q.running || len(q.active) >= q.concurrency {
			q.mu.Unlock()
			cancel()
			return
		}
		if _, dup := q.active[task.ID]; dup {
			q.mu.Unlock()
			cancel()
			return
		}
		q.active[task.ID] = entry
		timeout := q.defaultTimeout
		q.mu.Unlock()

		if _, err := q.tasks.MarkProcessing(task.ID); err != nil {
			// Lost the slot (e.g. the task was cancelled between fetch and
			// mark); release the reservation and keep going.
			q.evict(task.ID)
			cancel()
			if !errors.Is(err, store.ErrInvalidTransition) {
				q.logger.Error("mark task processing", "task_id", task.ID, "error", err)
				return
			}
			continue
		}

		q.workers.Add(1)
		go q.run(runCtx, task, timeout)
	}
}

// run executes one reserved task and persists its terminal state.
func (q *Queue) run(ctx context.Context, task *store.Task, timeout time.Duration) {
	defer q.workers.Done()
	defer func() {
		q.evict(task.ID)
		q.requestTick()
	}()

	q.logger.Info("task started",
		"task_id", task.ID, "priority", task.Priority, "model", task.Model)

	resultCh := make(chan *executor.Result, 1)
	go func() {
		resultCh <- q.runner.Execute(ctx, executor.Options{
			Prompt:          task.Prompt,
			ProjectPath:     task.ProjectPath,
			Model:           task.Model,
			SessionID:       task.Metadata.SessionID,
			SystemPrompt:    task.Metadata.SystemPrompt,
			MaxBudgetUSD:    task.Metadata.MaxBudgetUSD,
			AllowedTools:    task.Metadata.AllowedTools,
			DisallowedTools: task.Metadata.DisallowedTools,
			Agent:           task.Metadata.Agent,
			MCPConfig:       task.Metadata.MCPConfig,
		})
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		q.finish(task, res)
	case <-timer.C:
		q.timeout(task, timeout)
	case <-ctx.Done():
		// Cancelled: the terminal state, events, and webhook are handled by
		// Cancel; the executor's eventual result is discarded.
		q.logger.Info("task run cancelled", "task_id", task.ID)
	}
}

func (q *Queue) finish(task *store.Task, res *executor.Result) {
	if res.Success {
		updated, err := q.tasks.MarkCompleted(task.ID, res.Result, res.CostUSD)
		if err != nil {
			// The task reached a terminal state some other way (cancel races
			// the executor); its result is dropped.
			q.logger.Warn("discarding result for finished task", "task_id", task.ID, "error", err)
			return
		}
		q.logger.Info("task completed",
			"task_id", task.ID, "duration_ms", updated.DurationMS, "cost_usd", res.CostUSD)
		if q.metrics != nil {
			q.metrics.TaskDuration.Record(context.Background(), float64(updated.DurationMS)/1000)
		}
		if q.bus != nil {
			q.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{
				TaskID:  task.ID,
				Result:  res.Result,
				CostUSD: res.CostUSD,
			})
		}
		if q.notifier != nil {
			d := q.notifier.NotifyTaskCompleted(context.Background(),
				task.ID, res.Result, res.CostUSD, updated.DurationMS, task.Metadata.WebhookURL)
			q.countWebhookFailure(d)
		}
		return
	}

	if _, err := q.tasks.MarkFailed(task.ID, res.Error); err != nil {
		q.logger.Warn("discarding failure for finished task", "task_id", task.ID, "error", err)
		return
	}
	q.logger.Warn("task failed", "task_id", task.ID, "error", res.Error)
	if q.bus != nil {
		q.bus.Publish(bus.TopicTaskFailed, bus.TaskFailedEvent{TaskID: task.ID, Error: res.Error})
	}
	if q.notifier != nil {
		d := q.notifier.NotifyTaskFailed(context.Background(), task.ID, res.Error, task.Metadata.WebhookURL)
		q.countWebhookFailure(d)
	}
}

func (q *Queue) timeout(task *store.Task, timeout time.Duration) {
	if _, err := q.tasks.MarkFailed(task.ID, timeoutError); err != nil {
		q.logger.Warn("mark timed-out task failed", "task_id", task.ID, "error", err)
		return
	}
	// Terminate the in-flight child; its result is discarded either way.
	q.mu.Lock()
	if entry, ok := q.active[task.ID]; ok {
		entry.cancel()
	}
	q.mu.Unlock()

	q.logger.Warn("task timed out", "task_id", task.ID, "timeout", timeout)
	if q.bus != nil {
		q.bus.Publish(bus.TopicTaskFailed, bus.TaskFailedEvent{TaskID: task.ID, Error: timeoutError})
	}
	if q.notifier != nil {
		d := q.notifier.NotifyTaskTimeout(context.Background(),
			task.ID, timeout.Milliseconds(), task.Metadata.WebhookURL)
		q.countWebhookFailure(d)
	}
}

// Add persists a new pending task and kicks the scheduler.
func (q *Queue) Add(in store.CreateTaskInput) (*store.Task, error) {
	task, err := q.tasks.Create(in)
	if err != nil {
		return nil, err
	}
	q.logger.Info("task enqueued", "task_id", task.ID, "priority", task.Priority)
	q.requestTick()
	return task, nil
}

// Cancel moves a pending or processing task to cancelled. An in-flight child
// process is terminated; if the executor still completes, its result is
// discarded.
func (q *Queue) Cancel(id string) (*store.Task, error) {
	task, err := q.tasks.Cancel(id)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	entry, wasActive := q.active[id]
	delete(q.active, id)
	q.mu.Unlock()
	if wasActive {
		entry.cancel()
	}

	q.logger.Info("task cancelled", "task_id", id, "was_active", wasActive)
	if q.bus != nil {
		q.bus.Publish(bus.TopicTaskCancelled, bus.TaskCancelledEvent{TaskID: id})
	}
	if q.notifier != nil {
		d := q.notifier.NotifyTaskCancelled(context.Background(), id, task.Metadata.WebhookURL)
		q.countWebhookFailure(d)
	}
	q.requestTick()
	return task, nil
}

// countWebhookFailure tallies exhausted webhook deliveries.
func (q *Queue) countWebhookFailure(d webhook.Delivery) {
	if q.metrics != nil && !d.Success && d.Reason == "max_retries_exceeded" {
		q.metrics.WebhookFailures.Add(context.Background(), 1)
	}
}

// evict releases a task's concurrency slot.
func (q *Queue) evict(id string) {
	q.mu.Lock()
	delete(q.active, id)
	q.mu.Unlock()
}

// ActiveCount returns the number of reserved concurrency slots.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// Concurrency returns the current concurrency cap.
func (q *Queue) Concurrency() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.concurrency
}

// SetConcurrency changes the concurrency cap. Raising it dispatches
// immediately; lowering it lets excess active tasks finish.
func (q *Queue) SetConcurrency(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	q.concurrency = n
	q.mu.Unlock()
	q.requestTick()
}

// DefaultTimeout returns the per-task timeout.
func (q *Queue) DefaultTimeout() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.defaultTimeout
}

// SetDefaultTimeout changes the per-task timeout for future dispatches.
func (q *Queue) SetDefaultTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	q.mu.Lock()
	q.defaultTimeout = d
	q.mu.Unlock()
}

// Status describes the queue for the status endpoint.
type Status struct {
	Running     bool `json:"running"`
	Concurrency int  `json:"concurrency"`
	ActiveTasks int  `json:"active_tasks"`
	store.TaskStats
}

// GetStatus returns the live queue state plus task store counts.
func (q *Queue) GetStatus() (Status, error) {
	stats, err := q.tasks.GetStats()
	if err != nil {
		return Status{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Running:     q.running,
		Concurrency: q.concurrency,
		ActiveTasks: len(q.active),
		TaskStats:   stats,
	}, nil
}
