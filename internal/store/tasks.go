package store

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
)

// Priority bounds. Higher priority dispatches earlier.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// ErrInvalidTransition is returned when a status change would violate the
// task lifecycle.
var ErrInvalidTransition = errors.New("store: invalid task transition")

// ErrNotCancellable is returned by Cancel for tasks already in a terminal
// state.
var ErrNotCancellable = errors.New("store: task not cancellable")

// TaskMetadata carries the optional execution parameters attached to a task.
type TaskMetadata struct {
	WebhookURL      string   `json:"webhook_url,omitempty"`
	SessionID       string   `json:"session_id,omitempty"`
	SystemPrompt    string   `json:"system_prompt,omitempty"`
	MaxBudgetUSD    *float64 `json:"max_budget_usd,omitempty"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty"`
	Agent           string   `json:"agent,omitempty"`
	MCPConfig       string   `json:"mcp_config,omitempty"`
}

// Task is a durable unit of asynchronous work dispatched by the queue.
type Task struct {
	ID          string       `json:"id"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Status      string       `json:"status"`
	Priority    int          `json:"priority"`
	Prompt      string       `json:"prompt"`
	ProjectPath string       `json:"project_path"`
	Model       string       `json:"model"`
	Result      string       `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	DurationMS  int64        `json:"duration_ms,omitempty"`
	CostUSD     float64      `json:"cost_usd"`
	Metadata    TaskMetadata `json:"metadata"`
}

// Terminal reports whether the status is final.
func Terminal(status string) bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// canTransition encodes the legal task lifecycle.
func canTransition(from, to string) bool {
	switch from {
	case TaskPending:
		return to == TaskProcessing || to == TaskCancelled
	case TaskProcessing:
		return to == TaskCompleted || to == TaskFailed || to == TaskCancelled
	}
	return false
}

type taskDoc struct {
	Tasks map[string]*Task `json:"tasks"`
}

func newTaskDoc() *taskDoc {
	return &taskDoc{Tasks: make(map[string]*Task)}
}

// TaskStore persists tasks in a single locked JSON document.
type TaskStore struct {
	file *JSONFile
	now  func() time.Time
}

// NewTaskStore opens (or creates) the task document under dir.
func NewTaskStore(dir string) (*TaskStore, error) {
	file, err := NewJSONFile(joinStorePath(dir, "tasks"))
	if err != nil {
		return nil, err
	}
	return &TaskStore{file: file, now: time.Now}, nil
}

// CreateTaskInput carries the caller-supplied fields for a new task.
type CreateTaskInput struct {
	Prompt      string
	ProjectPath string
	Model       string
	Priority    int
	Metadata    TaskMetadata
}

// Create inserts a new pending task.
func (s *TaskStore) Create(in CreateTaskInput) (*Task, error) {
	priority := in.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < MinPriority || priority > MaxPriority {
		return nil, fmt.Errorf("priority must be in [%d..%d], got %d", MinPriority, MaxPriority, priority)
	}
	now := s.now().UTC()
	task := &Task{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      TaskPending,
		Priority:    priority,
		Prompt:      in.Prompt,
		ProjectPath: in.ProjectPath,
		Model:       in.Model,
		Metadata:    in.Metadata,
	}

	doc := newTaskDoc()
	err := s.file.WithLock(doc, func() error {
		doc.Tasks[task.ID] = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cloneTask(task), nil
}

// Get returns the task with the given id.
func (s *TaskStore) Get(id string) (*Task, error) {
	doc := newTaskDoc()
	var out *Task
	err := s.file.View(doc, func() error {
		task, ok := doc.Tasks[id]
		if !ok {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		out = cloneTask(task)
		return nil
	})
	return out, err
}

// UpdatePriority changes the priority of a non-terminal task.
func (s *TaskStore) UpdatePriority(id string, priority int) (*Task, error) {
	if priority < MinPriority || priority > MaxPriority {
		return nil, fmt.Errorf("priority must be in [%d..%d], got %d", MinPriority, MaxPriority, priority)
	}
	doc := newTaskDoc()
	var out *Task
	err := s.file.WithLock(doc, func() error {
		task, ok := doc.Tasks[id]
		if !ok {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		if Terminal(task.Status) {
			return fmt.Errorf("task %s is %s: %w", id, task.Status, ErrInvalidTransition)
		}
		task.Priority = priority
		task.UpdatedAt = s.now().UTC()
		out = cloneTask(task)
		return nil
	})
	return out, err
}

// Delete removes the task record entirely.
func (s *TaskStore) Delete(id string) error {
	doc := newTaskDoc()
	return s.file.WithLock(doc, func() error {
		if _, ok := doc.Tasks[id]; !ok {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		delete(doc.Tasks, id)
		return nil
	})
}

// TaskFilter narrows List results.
type TaskFilter struct {
	Status string
	Limit  int
}

// List returns tasks sorted by priority descending, then created_at ascending
// (FIFO within a priority level).
func (s *TaskStore) List(filter TaskFilter) ([]*Task, error) {
	doc := newTaskDoc()
	var out []*Task
	err := s.file.View(doc, func() error {
		for _, task := range doc.Tasks {
			if filter.Status != "" && task.Status != filter.Status {
				continue
			}
			out = append(out, cloneTask(task))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortTasks(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func sortTasks(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

// GetNextPending returns the first pending task by priority/FIFO order, or nil
// when the queue is empty. It is not atomic with MarkProcessing: the task
// queue reserves its concurrency slot before marking.
func (s *TaskStore) GetNextPending() (*Task, error) {
	pending, err := s.List(TaskFilter{Status: TaskPending})
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	return pending[0], nil
}

// MarkProcessing transitions a pending task to processing and stamps
// started_at.
func (s *TaskStore) MarkProcessing(id string) (*Task, error) {
	doc := newTaskDoc()
	var out *Task
	err := s.file.WithLock(doc, func() error {
		task, ok := doc.Tasks[id]
		if !ok {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		if !canTransition(task.Status, TaskProcessing) {
			return fmt.Errorf("task %s is %s: %w", id, task.Status, ErrInvalidTransition)
		}
		now := s.now().UTC()
		task.Status = TaskProcessing
		task.StartedAt = &now
		task.UpdatedAt = now
		out = cloneTask(task)
		return nil
	})
	return out, err
}

// MarkCompleted transitions a processing task to completed with its result
// and cost.
func (s *TaskStore) MarkCompleted(id, result string, costUSD float64) (*Task, error) {
	return s.finish(id, TaskCompleted, func(task *Task) {
		task.Result = result
		task.CostUSD = costUSD
	})
}

// MarkFailed transitions a processing task to failed with the error text.
func (s *TaskStore) MarkFailed(id, errText string) (*Task, error) {
	return s.finish(id, TaskFailed, func(task *Task) {
		task.Error = errText
	})
}

func (s *TaskStore) finish(id, status string, apply func(*Task)) (*Task, error) {
	doc := newTaskDoc()
	var out *Task
	err := s.file.WithLock(doc, func() error {
		task, ok := doc.Tasks[id]
		if !ok {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		if !canTransition(task.Status, status) {
			return fmt.Errorf("task %s is %s: %w", id, task.Status, ErrInvalidTransition)
		}
		now := s.now().UTC()
		task.Status = status
		task.CompletedAt = &now
		task.UpdatedAt = now
		if task.StartedAt != nil {
			task.DurationMS = now.Sub(*task.StartedAt).Milliseconds()
		}
		apply(task)
		out = cloneTask(task)
		return nil
	})
	return out, err
}

// Cancel transitions a pending or processing task to cancelled. Terminal
// tasks return ErrNotCancellable.
func (s *TaskStore) Cancel(id string) (*Task, error) {
	doc := newTaskDoc()
	var out *Task
	err := s.file.WithLock(doc, func() error {
		task, ok := doc.Tasks[id]
		if !ok {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		if !canTransition(task.Status, TaskCancelled) {
			return fmt.Errorf("task %s is %s: %w", id, task.Status, ErrNotCancellable)
		}
		now := s.now().UTC()
		task.Status = TaskCancelled
		task.CompletedAt = &now
		task.UpdatedAt = now
		out = cloneTask(task)
		return nil
	})
	return out, err
}

// ResetProcessing moves every processing task back to pending. Used by the
// queue on startup to recover tasks orphaned by a crash. started_at is left
// as informational history.
func (s *TaskStore) ResetProcessing() ([]string, error) {
	doc := newTaskDoc()
	var reset []string
	err := s.file.WithLock(doc, func() error {
		for id, task := range doc.Tasks {
			if task.Status == TaskProcessing {
				task.Status = TaskPending
				task.UpdatedAt = s.now().UTC()
				reset = append(reset, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reset, nil
}

// TaskStats counts tasks by status.
type TaskStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// GetStats returns task counts by status.
func (s *TaskStore) GetStats() (TaskStats, error) {
	doc := newTaskDoc()
	var stats TaskStats
	err := s.file.View(doc, func() error {
		for _, task := range doc.Tasks {
			stats.Total++
			switch task.Status {
			case TaskPending:
				stats.Pending++
			case TaskProcessing:
				stats.Processing++
			case TaskCompleted:
				stats.Completed++
			case TaskFailed:
				stats.Failed++
			case TaskCancelled:
				stats.Cancelled++
			}
		}
		return nil
	})
	return stats, err
}

// Cleanup removes terminal tasks whose completed_at is older than
// retentionDays. Non-terminal tasks are never auto-deleted.
func (s *TaskStore) Cleanup(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	removed := 0
	doc := newTaskDoc()
	err := s.file.WithLock(doc, func() error {
		for id, task := range doc.Tasks {
			if !Terminal(task.Status) {
				continue
			}
			if task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
				delete(doc.Tasks, id)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func cloneTask(task *Task) *Task {
	out := *task
	if task.StartedAt != nil {
		t := *task.StartedAt
		out.StartedAt = &t
	}
	if task.CompletedAt != nil {
		t := *task.CompletedAt
		out.CompletedAt = &t
	}
	if task.Metadata.MaxBudgetUSD != nil {
		b := *task.Metadata.MaxBudgetUSD
		out.Metadata.MaxBudgetUSD = &b
	}
	out.Metadata.AllowedTools = append([]string(nil), task.Metadata.AllowedTools...)
	out.Metadata.DisallowedTools = append([]string(nil), task.Metadata.DisallowedTools...)
	return &out
}
