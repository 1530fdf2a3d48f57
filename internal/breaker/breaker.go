package breaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/taskforge/internal/clock"
)

// ErrCircuitOpen is returned by Allow when calls to an executor are
// currently short-circuited.
var ErrCircuitOpen = errors.New("circuit open")

// State is the position of a breaker's state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes a single breaker. Zero values fall back to defaults.
type Config struct {
	FailureThreshold int           // failures within Window that trip the breaker
	Window           time.Duration // rolling window for failure counting
	Cooldown         time.Duration // open duration before half-open trials
	HalfOpenTrials   int           // calls allowed through while half-open
}

// DefaultConfig returns the standard breaker tuning: 5 failures in 60s
// trip the circuit, 30s cooldown, one half-open trial call.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		HalfOpenTrials:   1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenTrials <= 0 {
		c.HalfOpenTrials = d.HalfOpenTrials
	}
	return c
}

// Snapshot is a read-only view of one breaker's state.
type Snapshot struct {
	ExecutorID    string    `json:"executor_id"`
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
	TrialsInUse   int       `json:"trials_in_use"`
	TotalTripped  int       `json:"total_tripped"`
	TotalRejected int       `json:"total_rejected"`
}

// StateChange notifies the owner that a breaker moved between states.
type StateChange struct {
	ExecutorID string
	From       State
	To         State
}

type circuit struct {
	cfg      Config
	state    State
	failures []time.Time // failure timestamps inside the rolling window
	openedAt time.Time
	trials   int // trial calls admitted while half-open
	tripped  int
	rejected int
}

// Registry holds one breaker per executor id. It is mutated only by the
// queue coordinator; readers get snapshots.
type Registry struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	defaults Config
	clk      clock.Clock
	logger   *zap.Logger
	onChange func(StateChange)
}

// NewRegistry creates a breaker registry with the given default tuning.
func NewRegistry(defaults Config, clk clock.Clock, logger *zap.Logger) *Registry {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		circuits: make(map[string]*circuit),
		defaults: defaults.withDefaults(),
		clk:      clk,
		logger:   logger,
	}
}

// OnStateChange registers a callback invoked after every state transition.
// Must be set before the registry is used.
func (r *Registry) OnStateChange(fn func(StateChange)) {
	r.onChange = fn
}

// Configure overrides the tuning for a single executor id.
func (r *Registry) Configure(executorID string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.get(executorID)
	c.cfg = cfg.withDefaults()
}

// get returns the circuit for an executor, creating a closed one on demand.
// Caller must hold r.mu.
func (r *Registry) get(executorID string) *circuit {
	c, ok := r.circuits[executorID]
	if !ok {
		c = &circuit{cfg: r.defaults, state: StateClosed}
		r.circuits[executorID] = c
	}
	return c
}

// Allow reports whether a call to the executor may proceed. While open it
// returns ErrCircuitOpen until the cooldown elapses, then admits up to
// HalfOpenTrials calls in the half-open state.
func (r *Registry) Allow(executorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(executorID)
	now := r.clk.Now()

	switch c.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(c.openedAt) >= c.cfg.Cooldown {
			r.transition(executorID, c, StateHalfOpen)
			c.trials = 1
			return nil
		}
		c.rejected++
		return ErrCircuitOpen
	case StateHalfOpen:
		if c.trials < c.cfg.HalfOpenTrials {
			c.trials++
			return nil
		}
		c.rejected++
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess notes a successful call. A half-open breaker closes and
// its failure history is cleared.
func (r *Registry) RecordSuccess(executorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(executorID)
	if c.state == StateHalfOpen {
		c.failures = nil
		c.trials = 0
		r.transition(executorID, c, StateClosed)
	}
}

// RecordFailure notes a failed call. A closed breaker trips once the
// failure count inside the rolling window reaches the threshold; a
// half-open breaker reopens immediately and the cooldown restarts.
func (r *Registry) RecordFailure(executorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(executorID)
	now := r.clk.Now()

	switch c.state {
	case StateHalfOpen:
		c.trials = 0
		c.openedAt = now
		c.tripped++
		r.transition(executorID, c, StateOpen)
	case StateClosed:
		c.failures = append(c.failures, now)
		c.failures = pruneBefore(c.failures, now.Add(-c.cfg.Window))
		if len(c.failures) >= c.cfg.FailureThreshold {
			c.openedAt = now
			c.tripped++
			r.transition(executorID, c, StateOpen)
		}
	}
}

// transition flips the state and fires the change callback.
// Caller must hold r.mu.
func (r *Registry) transition(executorID string, c *circuit, to State) {
	from := c.state
	c.state = to
	r.logger.Info("circuit state change",
		zap.String("executor", executorID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if r.onChange != nil {
		r.onChange(StateChange{ExecutorID: executorID, From: from, To: to})
	}
}

// StateOf returns the current state for an executor without mutating it.
// Executors never seen report closed.
func (r *Registry) StateOf(executorID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[executorID]
	if !ok {
		return StateClosed
	}
	return c.state
}

// Snapshots returns read-only views of every tracked breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(r.circuits))
	for id, c := range r.circuits {
		snaps = append(snaps, Snapshot{
			ExecutorID:    id,
			State:         c.state,
			Failures:      len(c.failures),
			OpenedAt:      c.openedAt,
			TrialsInUse:   c.trials,
			TotalTripped:  c.tripped,
			TotalRejected: c.rejected,
		})
	}
	return snaps
}

// Failures returns the failure count inside the current window.
func (r *Registry) Failures(executorID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[executorID]
	if !ok {
		return 0
	}
	return len(c.failures)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
