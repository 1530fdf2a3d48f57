package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/taskforge/internal/breaker"
	"github.com/nidhogg/taskforge/internal/clock"
	"github.com/nidhogg/taskforge/internal/event"
)

// Config tunes the queue coordinator. Zero values fall back to defaults.
type Config struct {
	MaxConcurrent   int
	Backoff         Backoff
	Breaker         breaker.Config
	DefaultAttempts int
	DefaultTimeout  time.Duration
}

// Queue is the single-process task coordinator: it owns the task table,
// the executor registry and the circuit breakers. Task records and
// breaker state are mutated only on AddTask/ProcessQueue/CancelTask
// paths; external readers get snapshots.
type Queue struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	order     []*Task // insertion order
	executors map[string]*Executor
	seq       int

	breakers *breaker.Registry
	events   event.Publisher
	sink     TransitionSink
	clk      clock.Clock
	ids      clock.IDGen
	logger   *zap.Logger

	backoff         Backoff
	maxConcurrent   int
	defaultAttempts int
	defaultTimeout  time.Duration

	circuitRejected int

	// sleep suspends between retry waves; tests swap it to advance a
	// fake clock instead of blocking.
	sleep func(time.Duration)
}

// New creates a Queue. Nil collaborators fall back to system clock, UUID
// ids, a discarding event publisher and a nop logger.
func New(cfg Config, clk clock.Clock, ids clock.IDGen, events event.Publisher, sink TransitionSink, logger *zap.Logger) *Queue {
	if clk == nil {
		clk = clock.System()
	}
	if ids == nil {
		ids = clock.UUID()
	}
	if events == nil {
		events = event.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.DefaultAttempts <= 0 {
		cfg.DefaultAttempts = 3
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}

	q := &Queue{
		tasks:           make(map[string]*Task),
		executors:       make(map[string]*Executor),
		breakers:        breaker.NewRegistry(cfg.Breaker, clk, logger),
		events:          events,
		sink:            sink,
		clk:             clk,
		ids:             ids,
		logger:          logger,
		backoff:         cfg.Backoff,
		maxConcurrent:   cfg.MaxConcurrent,
		defaultAttempts: cfg.DefaultAttempts,
		defaultTimeout:  cfg.DefaultTimeout,
		sleep:           time.Sleep,
	}
	q.breakers.OnStateChange(func(ch breaker.StateChange) {
		var t event.Type
		switch ch.To {
		case breaker.StateOpen:
			t = event.CircuitOpened
		case breaker.StateHalfOpen:
			t = event.CircuitHalfOpen
		case breaker.StateClosed:
			t = event.CircuitClosed
		}
		q.emit(t, ch.ExecutorID, nil)
	})
	return q
}

// Breakers exposes the circuit breaker registry for per-executor tuning
// and snapshot reads.
func (q *Queue) Breakers() *breaker.Registry {
	return q.breakers
}

// RegisterExecutor adds an execution target. Duplicate ids are rejected.
func (q *Queue) RegisterExecutor(ex Executor) error {
	if ex.ID == "" || ex.Run == nil {
		return fmt.Errorf("%w: executor needs id and callback", ErrValidation)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.executors[ex.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateExecutor, ex.ID)
	}
	if ex.Timeout <= 0 {
		ex.Timeout = q.defaultTimeout
	}
	q.executors[ex.ID] = &ex
	q.logger.Info("executor registered",
		zap.String("executor", ex.ID),
		zap.Duration("timeout", ex.Timeout))
	return nil
}

// AddTask validates the definition, verifies declared dependencies and
// re-runs cycle detection over the would-be graph. On any validation
// failure the queue is left unchanged.
func (q *Queue) AddTask(def TaskDef) (string, error) {
	if def.Name == "" {
		return "", fmt.Errorf("%w: name is required", ErrValidation)
	}
	if def.Priority == "" {
		def.Priority = PriorityMedium
	}
	if !def.Priority.valid() {
		return "", fmt.Errorf("%w: unknown priority %q", ErrValidation, def.Priority)
	}
	if def.MaxAttempts < 0 {
		return "", fmt.Errorf("%w: negative max attempts", ErrValidation)
	}
	if def.MaxAttempts == 0 {
		def.MaxAttempts = q.defaultAttempts
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if def.ExecutorID != "" {
		if _, ok := q.executors[def.ExecutorID]; !ok {
			return "", fmt.Errorf("%w: %s", ErrExecutorNotFound, def.ExecutorID)
		}
	}
	for _, dep := range def.DependsOn {
		if _, ok := q.tasks[dep]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
	}

	id := q.ids.NewID()
	if _, ok := q.tasks[id]; ok {
		return "", fmt.Errorf("%w: task id %s", ErrValidation, id)
	}

	adj := q.adjacency()
	adj[id] = append([]string(nil), def.DependsOn...)
	if path, cyclic := hasCycle(adj); cyclic {
		return "", fmt.Errorf("%w: %v", ErrCycleDetected, path)
	}

	q.seq++
	t := &Task{
		ID:          id,
		Name:        def.Name,
		Description: def.Description,
		Priority:    def.Priority,
		DependsOn:   append([]string(nil), def.DependsOn...),
		Payload:     def.Payload,
		ExecutorID:  def.ExecutorID,
		MaxAttempts: def.MaxAttempts,
		Status:      StatusPending,
		CreatedAt:   q.clk.Now(),
		seq:         q.seq,
	}
	q.tasks[id] = t
	q.order = append(q.order, t)

	q.record(id, "", StatusPending, "added")
	q.emit(event.TaskAdded, id, map[string]string{"name": t.Name, "priority": string(t.Priority)})
	q.logger.Info("task added",
		zap.String("task", id),
		zap.String("name", t.Name),
		zap.Int("deps", len(t.DependsOn)))
	return id, nil
}

// AddDependency adds an edge from taskID to dependsOn after both tasks
// exist. The edge is rolled back if it would introduce a cycle.
func (q *Queue) AddDependency(taskID, dependsOn string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if _, ok := q.tasks[dependsOn]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDependency, dependsOn)
	}
	if t.Status.terminal() || t.Status == StatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, taskID, t.Status)
	}
	for _, dep := range t.DependsOn {
		if dep == dependsOn {
			return nil
		}
	}

	adj := q.adjacency()
	adj[taskID] = append(adj[taskID], dependsOn)
	if path, cyclic := hasCycle(adj); cyclic {
		return fmt.Errorf("%w: %v", ErrCycleDetected, path)
	}

	t.DependsOn = append(t.DependsOn, dependsOn)
	return nil
}

// BindExecutor assigns an executor to a task that was added unbound,
// typically after the agent matcher picked one.
func (q *Queue) BindExecutor(taskID, executorID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if _, ok := q.executors[executorID]; !ok {
		return fmt.Errorf("%w: %s", ErrExecutorNotFound, executorID)
	}
	if t.Status.terminal() || t.Status == StatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, taskID, t.Status)
	}
	t.ExecutorID = executorID
	return nil
}

// CancelTask marks a pending or blocked task as cancelled. Tasks already
// dispatched run to completion and are not retried.
func (q *Queue) CancelTask(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != StatusPending && t.Status != StatusBlocked {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, t.Status)
	}
	q.setStatus(t, StatusCancelled, "cancelled by caller")
	q.emit(event.TaskCancelled, id, nil)
	return nil
}

// ProcessQueue drives scheduling until no runnable work remains: every
// task is completed, terminally failed, cancelled, or blocked on a failed
// dependency. Execution failures never propagate; the returned metrics
// describe the aggregate outcome.
func (q *Queue) ProcessQueue(ctx context.Context) Metrics {
	for {
		if ctx.Err() != nil {
			break
		}
		ready, wait, ok := q.nextWave()
		if !ok {
			break
		}
		if len(ready) == 0 {
			q.sleep(wait)
			continue
		}
		q.runWave(ctx, ready)
	}

	m := q.Metrics()
	q.emit(event.QueueProcessed, "", map[string]string{
		"total":     fmt.Sprintf("%d", m.Total),
		"completed": fmt.Sprintf("%d", m.Completed),
		"failed":    fmt.Sprintf("%d", m.Failed),
	})
	q.logger.Info("queue processed",
		zap.Int("total", m.Total),
		zap.Int("completed", m.Completed),
		zap.Int("failed", m.Failed),
		zap.Int("cancelled", m.Cancelled),
		zap.Float64("success_rate", m.SuccessRate))
	return m
}

// nextWave re-validates the graph, refreshes blocked markings and returns
// the next batch of dispatchable tasks ordered by priority then insertion.
// When nothing is dispatchable yet but retries are pending, it returns the
// wait until the earliest one. ok is false when the queue is quiescent.
func (q *Queue) nextWave() (ready []*Task, wait time.Duration, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := topoOrder(q.adjacency()); err != nil {
		// Cannot happen through the public API; AddTask and AddDependency
		// both reject cycles. Fail safe by refusing to dispatch.
		q.logger.Error("dependency graph invalid", zap.Error(err))
		return nil, 0, false
	}

	now := q.clk.Now()
	var earliest time.Time

	for _, t := range q.order {
		if t.Status.terminal() || t.Status == StatusRunning {
			continue
		}

		switch q.dependencyState(t) {
		case depFailed:
			// Fail-safe: blocked indefinitely unless explicitly cancelled.
			if t.Status != StatusBlocked {
				q.setStatus(t, StatusBlocked, "dependency failed")
				q.emit(event.TaskBlocked, t.ID, map[string]string{"reason": "dependency_failed"})
			}
			continue
		case depWaiting:
			if t.Status != StatusBlocked {
				q.setStatus(t, StatusBlocked, "waiting on dependencies")
				q.emit(event.TaskBlocked, t.ID, map[string]string{"reason": "dependency_pending"})
			}
			continue
		}

		if !t.nextAttempt.IsZero() && t.nextAttempt.After(now) {
			if earliest.IsZero() || t.nextAttempt.Before(earliest) {
				earliest = t.nextAttempt
			}
			continue
		}

		if t.Status == StatusBlocked {
			q.setStatus(t, StatusReady, "dependencies satisfied")
		} else if t.Status == StatusPending {
			q.setStatus(t, StatusReady, "ready")
		}
		ready = append(ready, t)
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority.rank() != ready[j].Priority.rank() {
			return ready[i].Priority.rank() < ready[j].Priority.rank()
		}
		return ready[i].seq < ready[j].seq
	})

	if len(ready) > 0 {
		return ready, 0, true
	}
	if !earliest.IsZero() {
		return nil, earliest.Sub(now), true
	}
	return nil, 0, false
}

type depState int

const (
	depSatisfied depState = iota
	depWaiting
	depFailed
)

// dependencyState classifies a task's dependencies. Caller must hold q.mu.
func (q *Queue) dependencyState(t *Task) depState {
	state := depSatisfied
	for _, dep := range t.DependsOn {
		d := q.tasks[dep]
		switch {
		case d.Status == StatusCompleted:
		case d.Status == StatusFailed || d.Status == StatusCancelled:
			return depFailed
		case d.Status == StatusBlocked && q.dependencyState(d) == depFailed:
			return depFailed
		default:
			state = depWaiting
		}
	}
	return state
}

// runWave dispatches ready tasks under the concurrency cap and waits for
// all of them to settle.
func (q *Queue) runWave(ctx context.Context, ready []*Task) {
	sem := make(chan struct{}, q.maxConcurrent)
	var wg sync.WaitGroup

	for _, t := range ready {
		q.mu.Lock()
		if t.ExecutorID == "" {
			q.setStatus(t, StatusFailed, ErrExecutorNotFound.Error())
			t.LastError = "no executor bound"
			q.mu.Unlock()
			q.emit(event.TaskFailed, t.ID, map[string]string{"error": "no executor bound"})
			continue
		}
		ex := q.executors[t.ExecutorID]
		q.mu.Unlock()

		if err := q.breakers.Allow(t.ExecutorID); err != nil {
			q.deferForCircuit(t)
			continue
		}

		// Acquire the slot before spawning so dispatch follows the
		// priority plus insertion ordering of the wave.
		sem <- struct{}{}
		q.markStarted(t)

		wg.Add(1)
		go func(t *Task, ex *Executor) {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := q.execute(ctx, ex, t)
			q.settle(t, result, err)
		}(t, ex)
	}

	wg.Wait()
}

// deferForCircuit records a circuit-open rejection. The attempt budget is
// untouched; the task retries after the breaker has had time to recover.
func (q *Queue) deferForCircuit(t *Task) {
	q.mu.Lock()
	t.LastError = breaker.ErrCircuitOpen.Error()
	t.nextAttempt = q.clk.Now().Add(q.backoff.Base)
	q.setStatus(t, StatusPending, "circuit open")
	q.circuitRejected++
	q.mu.Unlock()

	q.emit(event.TaskRetry, t.ID, map[string]string{"reason": "circuit_open", "executor": t.ExecutorID})
	q.logger.Warn("dispatch short-circuited",
		zap.String("task", t.ID),
		zap.String("executor", t.ExecutorID))
}

func (q *Queue) markStarted(t *Task) {
	q.mu.Lock()
	now := q.clk.Now()
	t.StartedAt = &now
	t.Attempts++
	t.nextAttempt = time.Time{}
	q.setStatus(t, StatusRunning, "dispatched")
	q.mu.Unlock()

	q.emit(event.TaskStarted, t.ID, map[string]string{
		"executor": t.ExecutorID,
		"attempt":  fmt.Sprintf("%d", t.Attempts),
	})
	q.logger.Info("task started",
		zap.String("task", t.ID),
		zap.String("executor", t.ExecutorID),
		zap.Int("attempt", t.Attempts))
}

type callOutcome struct {
	result any
	err    error
}

// execute invokes the callback under the executor's timeout. The callback
// is never forcibly interrupted; on timeout it keeps running in its own
// goroutine while the coordinator moves on and records a failure.
func (q *Queue) execute(ctx context.Context, ex *Executor, t *Task) (any, error) {
	cctx, cancel := context.WithTimeout(ctx, ex.Timeout)
	defer cancel()

	ch := make(chan callOutcome, 1)
	go func() {
		result, err := ex.Run(cctx, t)
		ch <- callOutcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-cctx.Done():
		return nil, fmt.Errorf("%w after %s", ErrExecutionTimeout, ex.Timeout)
	}
}

// settle records an execution outcome: success completes the task, failure
// feeds the breaker and either schedules a retry or goes terminal.
func (q *Queue) settle(t *Task, result any, err error) {
	if err == nil {
		q.breakers.RecordSuccess(t.ExecutorID)

		q.mu.Lock()
		now := q.clk.Now()
		t.CompletedAt = &now
		t.Result = result
		t.LastError = ""
		q.setStatus(t, StatusCompleted, "completed")
		q.mu.Unlock()

		q.emit(event.TaskCompleted, t.ID, map[string]string{"executor": t.ExecutorID})
		q.logger.Info("task completed", zap.String("task", t.ID))
		return
	}

	q.breakers.RecordFailure(t.ExecutorID)

	q.mu.Lock()
	t.LastError = err.Error()
	if t.Attempts < t.MaxAttempts {
		delay := q.backoff.Delay(t.Attempts - 1)
		t.nextAttempt = q.clk.Now().Add(delay)
		q.setStatus(t, StatusPending, "retry scheduled")
		q.mu.Unlock()

		q.emit(event.TaskRetry, t.ID, map[string]string{
			"error":   err.Error(),
			"attempt": fmt.Sprintf("%d", t.Attempts),
			"delay":   delay.String(),
		})
		q.logger.Warn("task failed, retrying",
			zap.String("task", t.ID),
			zap.Int("attempt", t.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		return
	}

	now := q.clk.Now()
	t.CompletedAt = &now
	q.setStatus(t, StatusFailed, ErrMaxAttempts.Error())
	q.mu.Unlock()

	q.emit(event.TaskFailed, t.ID, map[string]string{
		"error":    err.Error(),
		"attempts": fmt.Sprintf("%d", t.Attempts),
	})
	q.logger.Error("task failed terminally",
		zap.String("task", t.ID),
		zap.Int("attempts", t.Attempts),
		zap.Error(err))
}

// setStatus updates the live record and notifies the audit sink.
// Caller must hold q.mu.
func (q *Queue) setStatus(t *Task, to Status, detail string) {
	from := t.Status
	t.Status = to
	if q.sink != nil {
		q.sink.RecordTransition(t.ID, from, to, detail)
	}
}

// record notifies the audit sink without touching task state.
func (q *Queue) record(taskID string, from, to Status, detail string) {
	if q.sink != nil {
		q.sink.RecordTransition(taskID, from, to, detail)
	}
}

func (q *Queue) emit(t event.Type, subject string, fields map[string]string) {
	q.events.Publish(event.Event{
		ID:        q.ids.NewID(),
		Type:      t,
		Subject:   subject,
		Fields:    fields,
		Timestamp: q.clk.Now(),
	})
}

// adjacency builds the task id -> dependency ids map. Caller must hold q.mu.
func (q *Queue) adjacency() map[string][]string {
	adj := make(map[string][]string, len(q.tasks))
	for id, t := range q.tasks {
		adj[id] = append([]string(nil), t.DependsOn...)
	}
	return adj
}

// QueuedTasks returns copies of all non-terminal tasks in insertion order.
func (q *Queue) QueuedTasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Task
	for _, t := range q.order {
		if !t.Status.terminal() {
			out = append(out, *t)
		}
	}
	return out
}

// AllTasks returns copies of every task in insertion order.
func (q *Queue) AllTasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.order))
	for _, t := range q.order {
		out = append(out, *t)
	}
	return out
}

// Task returns a copy of a single task record.
func (q *Queue) Task(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Metrics aggregates the current state of the task table.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := Metrics{Total: len(q.order), CircuitRejected: q.circuitRejected}
	var execTime time.Duration
	var executed int
	for _, t := range q.order {
		switch t.Status {
		case StatusCompleted:
			m.Completed++
		case StatusFailed:
			m.Failed++
		case StatusCancelled:
			m.Cancelled++
		case StatusBlocked:
			m.Blocked++
		}
		if t.StartedAt != nil && t.CompletedAt != nil {
			execTime += t.CompletedAt.Sub(*t.StartedAt)
			executed++
		}
	}
	if done := m.Completed + m.Failed; done > 0 {
		m.SuccessRate = float64(m.Completed) / float64(done)
	}
	if executed > 0 {
		m.AvgExecution = execTime / time.Duration(executed)
	}
	return m
}
