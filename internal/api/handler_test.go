package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/taskforge/internal/breaker"
	"github.com/nidhogg/taskforge/internal/match"
	"github.com/nidhogg/taskforge/internal/queue"
)

// newTestHandler creates a Handler over an in-memory queue (no Postgres).
func newTestHandler(t *testing.T) (*queue.Queue, http.Handler) {
	t.Helper()
	q := queue.New(queue.Config{MaxConcurrent: 2}, nil, nil, nil, nil, zap.NewNop())
	h := NewHandler(q, nil, nil, nil, zap.NewNop())
	return q, h.Router()
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestListAndGetTasks(t *testing.T) {
	q, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	if err := q.RegisterExecutor(queue.Executor{
		ID:   "worker",
		Name: "worker",
		Run: func(ctx context.Context, task *queue.Task) (any, error) {
			return "done", nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	id, err := q.AddTask(queue.TaskDef{Name: "build", Priority: queue.PriorityHigh, ExecutorID: "worker"})
	if err != nil {
		t.Fatal(err)
	}

	resp := getJSON(t, ts, "/api/tasks")
	var tasks []queue.Task
	decodeJSON(t, resp, &tasks)
	if len(tasks) != 1 || tasks[0].ID != id {
		t.Fatalf("tasks = %+v, want one task %s", tasks, id)
	}

	resp = getJSON(t, ts, "/api/tasks/"+id)
	var task queue.Task
	decodeJSON(t, resp, &task)
	if task.Name != "build" || task.Status != queue.StatusPending {
		t.Errorf("task = %+v", task)
	}

	resp = getJSON(t, ts, "/api/tasks/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestQueuedFilterExcludesTerminal(t *testing.T) {
	q, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	q.RegisterExecutor(queue.Executor{
		ID:   "worker",
		Name: "worker",
		Run: func(ctx context.Context, task *queue.Task) (any, error) {
			return nil, nil
		},
	})
	q.AddTask(queue.TaskDef{Name: "done-task", Priority: queue.PriorityMedium, ExecutorID: "worker"})
	q.ProcessQueue(context.Background())
	q.AddTask(queue.TaskDef{Name: "waiting", Priority: queue.PriorityMedium, ExecutorID: "worker"})

	resp := getJSON(t, ts, "/api/tasks?state=queued")
	var tasks []queue.Task
	decodeJSON(t, resp, &tasks)
	if len(tasks) != 1 || tasks[0].Name != "waiting" {
		t.Errorf("queued = %+v, want only the pending task", tasks)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	q, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	q.RegisterExecutor(queue.Executor{
		ID:   "worker",
		Name: "worker",
		Run: func(ctx context.Context, task *queue.Task) (any, error) {
			return nil, errors.New("boom")
		},
	})
	q.AddTask(queue.TaskDef{Name: "doomed", Priority: queue.PriorityLow, ExecutorID: "worker", MaxAttempts: 1})
	q.ProcessQueue(context.Background())

	resp := getJSON(t, ts, "/api/metrics")
	var m queue.Metrics
	decodeJSON(t, resp, &m)
	if m.Total != 1 || m.Failed != 1 {
		t.Errorf("metrics = %+v, want 1 total / 1 failed", m)
	}
}

func TestBreakersEndpoint(t *testing.T) {
	q, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	q.Breakers().RecordFailure("worker")

	resp := getJSON(t, ts, "/api/breakers")
	var snaps []breaker.Snapshot
	decodeJSON(t, resp, &snaps)
	if len(snaps) != 1 || snaps[0].ExecutorID != "worker" {
		t.Fatalf("snapshots = %+v", snaps)
	}
	if snaps[0].State != breaker.StateClosed {
		t.Errorf("state = %s, want closed", snaps[0].State)
	}
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func TestAgentRegistryUpsert(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/agents", match.AgentProfile{ID: "a1", Name: "builder", Capabilities: []string{"go"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	// Same id again replaces, not appends.
	resp = postJSON(t, ts, "/api/agents", match.AgentProfile{ID: "a1", Name: "builder", Capabilities: []string{"go", "docker"}})
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/agents")
	var agents []match.AgentProfile
	decodeJSON(t, resp, &agents)
	if len(agents) != 1 || len(agents[0].Capabilities) != 2 {
		t.Errorf("agents = %+v, want single upserted profile", agents)
	}
}

func TestAgentValidation(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/agents", match.AgentProfile{Name: "no-id"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMatchWithoutMatcher(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/match", match.Requirements{ID: "r1", Name: "deploy"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/plans/detect", map[string]string{"objective": "deploy"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTransitionsWithoutHistory(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/tasks/whatever/transitions")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()
}
