package event

import "time"

// Type names a lifecycle event emitted by the engine. Delivery is
// at-least-once; consumers must be idempotent.
type Type string

const (
	TaskAdded          Type = "task_added"
	TaskStarted        Type = "task_started"
	TaskCompleted      Type = "task_completed"
	TaskFailed         Type = "task_failed"
	TaskRetry          Type = "task_retry"
	TaskBlocked        Type = "task_blocked"
	TaskCancelled      Type = "task_cancelled"
	CircuitOpened      Type = "circuit_opened"
	CircuitClosed      Type = "circuit_closed"
	CircuitHalfOpen    Type = "circuit_half_open"
	QueueProcessed     Type = "queue_processed"
	MatchFound         Type = "match_found"
	MatchFailed        Type = "match_failed"
	PerformanceUpdated Type = "performance_updated"
	PlanStored         Type = "plan_stored"
)

// Event is a single lifecycle notification.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Subject   string            `json:"subject"` // task id, executor id, or agent id
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Publisher delivers events to interested consumers. Implementations must
// not block the caller on slow consumers.
type Publisher interface {
	Publish(ev Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
