package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/taskforge/internal/history"
	"github.com/nidhogg/taskforge/internal/match"
	"github.com/nidhogg/taskforge/internal/plan"
	"github.com/nidhogg/taskforge/internal/queue"
)

// Handler holds dependencies for HTTP handlers. Work enters the queue
// through the Go API; HTTP exposes observability plus advisory queries
// against the matcher and the plan detector.
type Handler struct {
	queue    *queue.Queue
	matcher  *match.Matcher  // nil when no embedding provider is configured
	detector *plan.Detector  // nil when no embedding provider is configured
	history  *history.Store  // nil when persistence is disabled
	logger   *zap.Logger

	agents  []match.AgentProfile
	agentMu sync.Mutex
}

// NewHandler creates a new API handler.
func NewHandler(q *queue.Queue, matcher *match.Matcher, detector *plan.Detector, hist *history.Store, logger *zap.Logger) *Handler {
	return &Handler{queue: q, matcher: matcher, detector: detector, history: hist, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/tasks", h.listTasks)
		r.Get("/tasks/{id}", h.getTask)
		r.Get("/tasks/{id}/transitions", h.taskTransitions)
		r.Get("/metrics", h.getMetrics)
		r.Get("/breakers", h.listBreakers)

		// Agent registry and advisory queries
		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.registerAgent)
		r.Post("/match", h.matchAgent)
		r.Post("/plans/detect", h.detectPlans)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "taskforge"})
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	var tasks []queue.Task
	if r.URL.Query().Get("state") == "queued" {
		tasks = h.queue.QueuedTasks()
	} else {
		tasks = h.queue.AllTasks()
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := h.queue.Task(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) taskTransitions(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history store not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	trail, err := h.history.TransitionsFor(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

func (h *Handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Metrics())
}

func (h *Handler) listBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Breakers().Snapshots())
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	h.agentMu.Lock()
	defer h.agentMu.Unlock()
	writeJSON(w, http.StatusOK, h.agents)
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var a match.AgentProfile
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if a.ID == "" || a.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id and name are required"})
		return
	}
	h.agentMu.Lock()
	// upsert by id
	found := false
	for i, existing := range h.agents {
		if existing.ID == a.ID {
			h.agents[i] = a
			found = true
			break
		}
	}
	if !found {
		h.agents = append(h.agents, a)
	}
	h.agentMu.Unlock()
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) matchAgent(w http.ResponseWriter, r *http.Request) {
	if h.matcher == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "matcher not configured"})
		return
	}
	var req match.Requirements
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.agentMu.Lock()
	pool := make([]match.AgentProfile, len(h.agents))
	copy(pool, h.agents)
	h.agentMu.Unlock()

	result, err := h.matcher.Match(r.Context(), req, pool)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if result == nil {
		writeJSON(w, http.StatusOK, map[string]any{"matched": false})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) detectPlans(w http.ResponseWriter, r *http.Request) {
	if h.detector == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "plan detector not configured"})
		return
	}
	var p plan.Description
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.detector.Detect(r.Context(), p))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
