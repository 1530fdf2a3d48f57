package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/taskforge/internal/breaker"
	"github.com/nidhogg/taskforge/internal/clock"
	"github.com/nidhogg/taskforge/internal/event"
)

// newTestQueue wires a queue with a fake clock, sequential ids and a
// recording event publisher. Sleeping advances the fake clock so retry
// and cooldown waits are instantaneous.
func newTestQueue(t *testing.T, cfg Config) (*Queue, *clock.Fake, *event.Recorder) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := event.NewRecorder()
	q := New(cfg, clk, clock.NewSeq("task"), rec, nil, zap.NewNop())
	q.backoff.rand = func() float64 { return 0 }
	q.sleep = func(d time.Duration) { clk.Advance(d) }
	return q, clk, rec
}

func succeedingExecutor(id string) Executor {
	return Executor{
		ID:   id,
		Name: id,
		Run: func(ctx context.Context, task *Task) (any, error) {
			return "ok", nil
		},
	}
}

func TestRegisterExecutorDuplicate(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	if err := q.RegisterExecutor(succeedingExecutor("worker")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := q.RegisterExecutor(succeedingExecutor("worker"))
	if !errors.Is(err, ErrDuplicateExecutor) {
		t.Fatalf("got %v, want ErrDuplicateExecutor", err)
	}
}

func TestAddTaskValidation(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	if err := q.RegisterExecutor(succeedingExecutor("worker")); err != nil {
		t.Fatal(err)
	}

	if _, err := q.AddTask(TaskDef{ExecutorID: "worker"}); !errors.Is(err, ErrValidation) {
		t.Errorf("missing name: got %v, want ErrValidation", err)
	}
	if _, err := q.AddTask(TaskDef{Name: "t", Priority: "urgent", ExecutorID: "worker"}); !errors.Is(err, ErrValidation) {
		t.Errorf("bad priority: got %v, want ErrValidation", err)
	}
	if _, err := q.AddTask(TaskDef{Name: "t", ExecutorID: "ghost"}); !errors.Is(err, ErrExecutorNotFound) {
		t.Errorf("unknown executor: got %v, want ErrExecutorNotFound", err)
	}
	if _, err := q.AddTask(TaskDef{Name: "t", ExecutorID: "worker", DependsOn: []string{"nope"}}); !errors.Is(err, ErrUnknownDependency) {
		t.Errorf("unknown dependency: got %v, want ErrUnknownDependency", err)
	}
	if len(q.AllTasks()) != 0 {
		t.Errorf("failed adds must leave the queue unchanged, found %d tasks", len(q.AllTasks()))
	}
}

func TestAddDependencyCycleRejected(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	if err := q.RegisterExecutor(succeedingExecutor("worker")); err != nil {
		t.Fatal(err)
	}

	a, err := q.AddTask(TaskDef{Name: "A", ExecutorID: "worker"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := q.AddTask(TaskDef{Name: "B", ExecutorID: "worker", DependsOn: []string{a}})
	if err != nil {
		t.Fatal(err)
	}

	err = q.AddDependency(a, b)
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("got %v, want ErrCycleDetected", err)
	}

	// Neither the task set nor the graph may have changed.
	taskA, _ := q.Task(a)
	if len(taskA.DependsOn) != 0 {
		t.Errorf("A's dependencies changed after rejected edge: %v", taskA.DependsOn)
	}
	taskB, _ := q.Task(b)
	if len(taskB.DependsOn) != 1 || taskB.DependsOn[0] != a {
		t.Errorf("B's dependencies changed: %v", taskB.DependsOn)
	}
}

func TestDependencyChainScenario(t *testing.T) {
	// T1 (no deps), T2 (deps T1), T3 (deps T1, T2), maxConcurrent 2.
	q, _, _ := newTestQueue(t, Config{MaxConcurrent: 2})

	var mu sync.Mutex
	var started []string
	err := q.RegisterExecutor(Executor{
		ID: "worker",
		Run: func(ctx context.Context, task *Task) (any, error) {
			mu.Lock()
			started = append(started, task.Name)
			mu.Unlock()
			return task.Name + " done", nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	t1, err := q.AddTask(TaskDef{Name: "T1", ExecutorID: "worker"})
	if err != nil {
		t.Fatal(err)
	}
	t2, err := q.AddTask(TaskDef{Name: "T2", ExecutorID: "worker", DependsOn: []string{t1}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.AddTask(TaskDef{Name: "T3", ExecutorID: "worker", DependsOn: []string{t1, t2}}); err != nil {
		t.Fatal(err)
	}

	m := q.ProcessQueue(context.Background())

	if m.Total != 3 || m.Completed != 3 || m.Failed != 0 {
		t.Fatalf("metrics = %+v, want 3 total, 3 completed, 0 failed", m)
	}
	if m.SuccessRate != 1.0 {
		t.Errorf("success rate = %f, want 1.0", m.SuccessRate)
	}

	want := []string{"T1", "T2", "T3"}
	if len(started) != 3 {
		t.Fatalf("started %v, want %v", started, want)
	}
	for i, name := range want {
		if started[i] != name {
			t.Fatalf("dispatch order %v, want %v", started, want)
		}
	}
}

func TestFlakyExecutorExhaustsRetries(t *testing.T) {
	q, _, rec := newTestQueue(t, Config{})

	var calls int
	var mu sync.Mutex
	err := q.RegisterExecutor(Executor{
		ID: "flaky",
		Run: func(ctx context.Context, task *Task) (any, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil, errors.New("boom")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	id, err := q.AddTask(TaskDef{Name: "X", ExecutorID: "flaky", MaxAttempts: 3})
	if err != nil {
		t.Fatal(err)
	}

	m := q.ProcessQueue(context.Background())

	if calls != 3 {
		t.Errorf("executor invoked %d times, want 3", calls)
	}
	task, _ := q.Task(id)
	if task.Status != StatusFailed {
		t.Errorf("status = %s, want %s", task.Status, StatusFailed)
	}
	if task.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", task.Attempts)
	}
	if m.Failed != 1 || m.Completed != 0 {
		t.Errorf("metrics = %+v, want 1 failed", m)
	}
	if got := q.Breakers().Failures("flaky"); got != 3 {
		t.Errorf("breaker failure count = %d, want 3", got)
	}

	// Two retries with non-decreasing delays.
	retries := rec.OfType(event.TaskRetry)
	if len(retries) != 2 {
		t.Fatalf("got %d retry events, want 2", len(retries))
	}
	var prev time.Duration
	for i, ev := range retries {
		d, err := time.ParseDuration(ev.Fields["delay"])
		if err != nil {
			t.Fatalf("retry %d: bad delay %q", i, ev.Fields["delay"])
		}
		if d < prev {
			t.Errorf("retry delay decreased: %s after %s", d, prev)
		}
		prev = d
	}
}

func TestRetryThenSucceed(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})

	var calls int
	var mu sync.Mutex
	err := q.RegisterExecutor(Executor{
		ID: "warmup",
		Run: func(ctx context.Context, task *Task) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 3 {
				return nil, errors.New("not yet")
			}
			return "finally", nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	id, err := q.AddTask(TaskDef{Name: "warm", ExecutorID: "warmup", MaxAttempts: 5})
	if err != nil {
		t.Fatal(err)
	}

	m := q.ProcessQueue(context.Background())
	if m.Completed != 1 {
		t.Fatalf("metrics = %+v, want 1 completed", m)
	}
	task, _ := q.Task(id)
	if task.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", task.Attempts)
	}
	if task.Result != "finally" {
		t.Errorf("result = %v, want %q", task.Result, "finally")
	}
}

func TestCircuitOpenDoesNotConsumeAttempts(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	if err := q.RegisterExecutor(succeedingExecutor("recovering")); err != nil {
		t.Fatal(err)
	}

	// Trip the breaker before the task ever dispatches.
	for i := 0; i < 5; i++ {
		q.Breakers().RecordFailure("recovering")
	}

	id, err := q.AddTask(TaskDef{Name: "patient", ExecutorID: "recovering", MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}

	m := q.ProcessQueue(context.Background())

	// The task waited out the cooldown, went through as the half-open
	// trial and completed with its single attempt intact.
	task, _ := q.Task(id)
	if task.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s (last error %q)", task.Status, StatusCompleted, task.LastError)
	}
	if task.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (rejections must not consume the budget)", task.Attempts)
	}
	if m.CircuitRejected == 0 {
		t.Errorf("circuit rejections not recorded in metrics")
	}
	if got := q.Breakers().StateOf("recovering"); got != breaker.StateClosed {
		t.Errorf("breaker state = %s, want closed after successful trial", got)
	}
}

func TestBlockedOnFailedDependency(t *testing.T) {
	q, _, rec := newTestQueue(t, Config{})

	err := q.RegisterExecutor(Executor{
		ID: "broken",
		Run: func(ctx context.Context, task *Task) (any, error) {
			return nil, errors.New("always fails")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.RegisterExecutor(succeedingExecutor("fine")); err != nil {
		t.Fatal(err)
	}

	parent, err := q.AddTask(TaskDef{Name: "parent", ExecutorID: "broken", MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	child, err := q.AddTask(TaskDef{Name: "child", ExecutorID: "fine", DependsOn: []string{parent}})
	if err != nil {
		t.Fatal(err)
	}
	grandchild, err := q.AddTask(TaskDef{Name: "grandchild", ExecutorID: "fine", DependsOn: []string{child}})
	if err != nil {
		t.Fatal(err)
	}

	m := q.ProcessQueue(context.Background())

	if m.Failed != 1 {
		t.Errorf("metrics = %+v, want 1 failed", m)
	}
	for _, id := range []string{child, grandchild} {
		task, _ := q.Task(id)
		if task.Status != StatusBlocked {
			t.Errorf("task %s status = %s, want %s", task.Name, task.Status, StatusBlocked)
		}
	}
	if len(rec.OfType(event.TaskBlocked)) == 0 {
		t.Error("no task_blocked events emitted")
	}

	// Blocked tasks stay cancellable.
	if err := q.CancelTask(child); err != nil {
		t.Errorf("cancel blocked task: %v", err)
	}
}

func TestCancelTask(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	if err := q.RegisterExecutor(succeedingExecutor("worker")); err != nil {
		t.Fatal(err)
	}

	id, err := q.AddTask(TaskDef{Name: "doomed", ExecutorID: "worker"})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.CancelTask(id); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	task, _ := q.Task(id)
	if task.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", task.Status, StatusCancelled)
	}

	// Terminal tasks cannot be cancelled again.
	if err := q.CancelTask(id); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("got %v, want ErrNotCancellable", err)
	}
	if err := q.CancelTask("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("got %v, want ErrTaskNotFound", err)
	}

	m := q.ProcessQueue(context.Background())
	if m.Cancelled != 1 || m.Completed != 0 {
		t.Errorf("metrics = %+v, want 1 cancelled, 0 completed", m)
	}
}

func TestPriorityOrderWithFIFOTieBreak(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{MaxConcurrent: 1})

	var mu sync.Mutex
	var order []string
	err := q.RegisterExecutor(Executor{
		ID: "worker",
		Run: func(ctx context.Context, task *Task) (any, error) {
			mu.Lock()
			order = append(order, task.Name)
			mu.Unlock()
			return nil, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, def := range []TaskDef{
		{Name: "low", Priority: PriorityLow, ExecutorID: "worker"},
		{Name: "med-1", Priority: PriorityMedium, ExecutorID: "worker"},
		{Name: "crit", Priority: PriorityCritical, ExecutorID: "worker"},
		{Name: "med-2", Priority: PriorityMedium, ExecutorID: "worker"},
		{Name: "high", Priority: PriorityHigh, ExecutorID: "worker"},
	} {
		if _, err := q.AddTask(def); err != nil {
			t.Fatal(err)
		}
	}

	q.ProcessQueue(context.Background())

	want := []string{"crit", "high", "med-1", "med-2", "low"}
	if len(order) != len(want) {
		t.Fatalf("executed %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", order, want)
		}
	}
}

func TestExecutionTimeout(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})

	err := q.RegisterExecutor(Executor{
		ID:      "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context, task *Task) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	id, err := q.AddTask(TaskDef{Name: "slowpoke", ExecutorID: "slow", MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}

	m := q.ProcessQueue(context.Background())
	if m.Failed != 1 {
		t.Fatalf("metrics = %+v, want 1 failed", m)
	}
	task, _ := q.Task(id)
	if !strings.Contains(task.LastError, "timed out") && !strings.Contains(task.LastError, "deadline") {
		t.Errorf("last error = %q, want a timeout error", task.LastError)
	}
	if got := q.Breakers().Failures("slow"); got != 1 {
		t.Errorf("timeout must feed the breaker; failure count = %d, want 1", got)
	}
}

func TestBindExecutorAfterAdd(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	if err := q.RegisterExecutor(succeedingExecutor("late")); err != nil {
		t.Fatal(err)
	}

	id, err := q.AddTask(TaskDef{Name: "unbound"})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.BindExecutor(id, "ghost"); !errors.Is(err, ErrExecutorNotFound) {
		t.Fatalf("got %v, want ErrExecutorNotFound", err)
	}
	if err := q.BindExecutor(id, "late"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	m := q.ProcessQueue(context.Background())
	if m.Completed != 1 {
		t.Errorf("metrics = %+v, want 1 completed", m)
	}
}

func TestUnboundTaskFailsAtDispatch(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})

	id, err := q.AddTask(TaskDef{Name: "orphan"})
	if err != nil {
		t.Fatal(err)
	}
	m := q.ProcessQueue(context.Background())
	if m.Failed != 1 {
		t.Fatalf("metrics = %+v, want 1 failed", m)
	}
	task, _ := q.Task(id)
	if task.Status != StatusFailed {
		t.Errorf("status = %s, want %s", task.Status, StatusFailed)
	}
}

func TestProcessQueueEmitsLifecycleEvents(t *testing.T) {
	q, _, rec := newTestQueue(t, Config{})
	if err := q.RegisterExecutor(succeedingExecutor("worker")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.AddTask(TaskDef{Name: "evt", ExecutorID: "worker"}); err != nil {
		t.Fatal(err)
	}

	q.ProcessQueue(context.Background())

	for _, want := range []event.Type{event.TaskAdded, event.TaskStarted, event.TaskCompleted, event.QueueProcessed} {
		if len(rec.OfType(want)) == 0 {
			t.Errorf("no %s event emitted", want)
		}
	}
}

func TestQueuedTasksSnapshot(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	if err := q.RegisterExecutor(succeedingExecutor("worker")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.AddTask(TaskDef{Name: "a", ExecutorID: "worker"}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.AddTask(TaskDef{Name: "b", ExecutorID: "worker"}); err != nil {
		t.Fatal(err)
	}

	queued := q.QueuedTasks()
	if len(queued) != 2 {
		t.Fatalf("got %d queued tasks, want 2", len(queued))
	}
	// Mutating the snapshot must not reach the live record.
	queued[0].Status = StatusFailed
	live, _ := q.Task(queued[0].ID)
	if live.Status != StatusPending {
		t.Errorf("snapshot mutation leaked into live record")
	}

	q.ProcessQueue(context.Background())
	if got := len(q.QueuedTasks()); got != 0 {
		t.Errorf("queued after processing = %d, want 0", got)
	}
	if got := len(q.AllTasks()); got != 2 {
		t.Errorf("all tasks = %d, want 2", got)
	}
}
