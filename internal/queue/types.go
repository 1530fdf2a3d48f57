package queue

import (
	"context"
	"time"
)

// Priority orders tasks competing for dispatch slots.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// rank maps priorities to sortable weights; lower dispatches first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 2
}

func (p Priority) valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Status tracks a task through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// terminal reports whether a task in this status will never run again.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskDef is the caller-supplied description of a unit of work.
type TaskDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Priority    Priority       `json:"priority"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	ExecutorID  string         `json:"executor_id"`
	MaxAttempts int            `json:"max_attempts"`
}

// Task is the queue's record of a unit of work. Snapshots returned to
// callers are copies; only the coordinator mutates the live record.
type Task struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Priority    Priority       `json:"priority"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	ExecutorID  string         `json:"executor_id"`
	MaxAttempts int            `json:"max_attempts"`
	Attempts    int            `json:"attempts"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      any            `json:"result,omitempty"`
	LastError   string         `json:"last_error,omitempty"`

	seq         int       // insertion order, FIFO tie-break
	nextAttempt time.Time // earliest instant a retry may dispatch
}

// ExecutorFunc is the user-supplied execution callback. It must honor ctx
// cancellation; the coordinator enforces the executor's timeout through it.
type ExecutorFunc func(ctx context.Context, task *Task) (any, error)

// Executor is a registered execution target.
type Executor struct {
	ID      string
	Name    string
	Run     ExecutorFunc
	Timeout time.Duration // per-call cap; defaults to 30s
}

// Metrics aggregates one processing run. Callers always receive a
// well-formed Metrics even when individual tasks failed.
type Metrics struct {
	Total           int           `json:"total"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	Cancelled       int           `json:"cancelled"`
	Blocked         int           `json:"blocked"`
	SuccessRate     float64       `json:"success_rate"`
	AvgExecution    time.Duration `json:"avg_execution"`
	CircuitRejected int           `json:"circuit_rejected"`
}

// TransitionSink receives task status transitions for audit. Writes are
// best-effort: implementations must never block or fail the coordinator.
type TransitionSink interface {
	RecordTransition(taskID string, from, to Status, detail string)
}
