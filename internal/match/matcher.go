package match

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/taskforge/internal/clock"
	"github.com/nidhogg/taskforge/internal/embedding"
	"github.com/nidhogg/taskforge/internal/event"
)

// OutcomeSink persists confirmed match outcomes for learning. Writes are
// best-effort; implementations must not block or fail the matcher.
type OutcomeSink interface {
	RecordMatch(requirements Requirements, agentID string, outcome Outcome)
}

// Config tunes the matcher. Zero values fall back to defaults.
type Config struct {
	SimilarityWeight  float64       // default 0.7
	PerformanceWeight float64       // default 0.3
	Threshold         float64       // minimum combined score, default 0.7
	CacheTTL          time.Duration // agent embedding TTL, default 5m
	FallbackEnabled   bool          // rule-based path when semantic fails
	EMAAlpha          float64       // performance update weight, default 0.3
}

func (c Config) withDefaults() Config {
	if c.SimilarityWeight <= 0 {
		c.SimilarityWeight = 0.7
	}
	if c.PerformanceWeight <= 0 {
		c.PerformanceWeight = 0.3
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.7
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.EMAAlpha <= 0 {
		c.EMAAlpha = 0.3
	}
	return c
}

// Matcher picks the best-fit agent for a task by semantic similarity
// weighted with historical performance.
type Matcher struct {
	cfg      Config
	provider embedding.Provider
	cache    *vectorCache
	sink     OutcomeSink
	events   event.Publisher
	clk      clock.Clock
	ids      clock.IDGen
	logger   *zap.Logger
}

// New creates a Matcher. sink may be nil; events and logger fall back to
// discard and nop.
func New(cfg Config, provider embedding.Provider, sink OutcomeSink, events event.Publisher, clk clock.Clock, ids clock.IDGen, logger *zap.Logger) *Matcher {
	cfg = cfg.withDefaults()
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
	return &Matcher{
		cfg:      cfg,
		provider: provider,
		cache:    newVectorCache(cfg.CacheTTL, clk),
		sink:     sink,
		events:   events,
		clk:      clk,
		ids:      ids,
		logger:   logger,
	}
}

// Match returns the best-fit agent, or (nil, nil) when no candidate
// clears the threshold: withholding a recommendation is preferred over
// guessing. Provider failures degrade to the rule-based path when
// fallback is enabled, otherwise they propagate.
func (m *Matcher) Match(ctx context.Context, req Requirements, candidates []AgentProfile) (*Result, error) {
	pool := make([]AgentProfile, 0, len(candidates))
	for _, a := range candidates {
		if a.Availability == Offline {
			continue
		}
		pool = append(pool, a)
	}
	if len(pool) == 0 {
		m.emitFailure(req, "no available candidates")
		return nil, nil
	}
	// Stable secondary sort by agent id makes equal-score ties deterministic.
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })

	result, err := m.semanticMatch(ctx, req, pool)
	if err != nil {
		if !m.cfg.FallbackEnabled {
			return nil, fmt.Errorf("match %s: %w", req.ID, err)
		}
		m.logger.Warn("semantic matching unavailable, using fallback",
			zap.String("requirements", req.ID),
			zap.Error(err))
		result = nil
	}

	if result == nil && m.cfg.FallbackEnabled {
		result = m.fallbackMatch(req, pool)
	}

	if result == nil {
		m.emitFailure(req, "no candidate above threshold")
		m.logger.Info("no match",
			zap.String("requirements", req.ID),
			zap.Int("candidates", len(pool)))
		return nil, nil
	}

	m.events.Publish(event.Event{
		ID:      m.ids.NewID(),
		Type:    event.MatchFound,
		Subject: result.AgentID,
		Fields: map[string]string{
			"requirements": req.ID,
			"method":       string(result.Method),
			"similarity":   fmt.Sprintf("%.3f", result.Similarity),
		},
		Timestamp: m.clk.Now(),
	})
	m.logger.Info("match found",
		zap.String("requirements", req.ID),
		zap.String("agent", result.AgentID),
		zap.String("method", string(result.Method)),
		zap.Float64("combined", result.Combined))
	return result, nil
}

// semanticMatch embeds the requirements in query mode and every candidate
// in document mode, then ranks by performance-weighted cosine similarity.
// Returns nil without error when the best score is below threshold.
func (m *Matcher) semanticMatch(ctx context.Context, req Requirements, pool []AgentProfile) (*Result, error) {
	queryVec, err := m.provider.EmbedQuery(ctx, req.queryText())
	if err != nil {
		return nil, err
	}

	vectors, err := m.agentVectors(ctx, pool)
	if err != nil {
		return nil, err
	}

	var best *Result
	var runnerUp float64
	for i, a := range pool {
		sim := embedding.Cosine(queryVec, vectors[i])
		if sim < 0 {
			sim = 0
		}
		combined := m.cfg.PerformanceWeight*a.Performance + m.cfg.SimilarityWeight*sim

		if best != nil && combined <= best.Combined {
			if combined > runnerUp {
				runnerUp = combined
			}
			continue
		}
		if best != nil {
			runnerUp = best.Combined
		}
		best = &Result{
			AgentID:    a.ID,
			AgentName:  a.Name,
			Similarity: sim,
			Combined:   combined,
			Method:     MethodSemantic,
			Reason: fmt.Sprintf("semantic similarity %.2f, performance %.2f",
				sim, a.Performance),
		}
	}

	if best == nil || best.Combined < m.cfg.Threshold {
		return nil, nil
	}

	// Confidence grows with the margin over the runner-up.
	margin := best.Combined - runnerUp
	best.Confidence = clamp01(best.Combined + 0.5*margin*(1-best.Combined))
	return best, nil
}

// fallbackMatch ranks by skill-tag overlap only. Returns nil when no
// candidate shares a single required skill.
func (m *Matcher) fallbackMatch(req Requirements, pool []AgentProfile) *Result {
	var best *Result
	for _, a := range pool {
		score := skillOverlap(req.RequiredSkills, a)
		if score <= 0 {
			continue
		}
		if best != nil && score <= best.Similarity {
			continue
		}
		best = &Result{
			AgentID:    a.ID,
			AgentName:  a.Name,
			Similarity: score,
			Combined:   score,
			Confidence: 0.5 * score, // rule-based matches are advisory
			Method:     MethodFallback,
			Reason:     fmt.Sprintf("skill overlap %.2f on %v", score, req.RequiredSkills),
		}
	}
	return best
}

// agentVectors returns a document embedding per candidate, consulting the
// TTL cache and batch-embedding only the misses.
func (m *Matcher) agentVectors(ctx context.Context, pool []AgentProfile) ([][]float32, error) {
	vectors := make([][]float32, len(pool))
	var missIdx []int
	var missTexts []string
	for i, a := range pool {
		if vec, ok := m.cache.get(a.ID); ok {
			vectors[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, a.documentText())
	}

	if len(missTexts) > 0 {
		fresh, err := m.provider.EmbedDocuments(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		if len(fresh) != len(missTexts) {
			return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(fresh), len(missTexts))
		}
		for j, i := range missIdx {
			vectors[i] = fresh[j]
			m.cache.put(pool[i].ID, fresh[j])
		}
	}
	return vectors, nil
}

// Confirm applies a caller-reported outcome to an agent's performance
// score via exponential moving average and persists the outcome for
// future bias. Returns the updated score. The profile itself is the
// caller's to store.
func (m *Matcher) Confirm(req Requirements, agent *AgentProfile, outcome Outcome) float64 {
	observed := observedScore(outcome)
	agent.Performance = clamp01((1-m.cfg.EMAAlpha)*agent.Performance + m.cfg.EMAAlpha*observed)

	if m.sink != nil {
		m.sink.RecordMatch(req, agent.ID, outcome)
	}
	m.events.Publish(event.Event{
		ID:      m.ids.NewID(),
		Type:    event.PerformanceUpdated,
		Subject: agent.ID,
		Fields: map[string]string{
			"performance": fmt.Sprintf("%.3f", agent.Performance),
			"success":     fmt.Sprintf("%t", outcome.Success),
		},
		Timestamp: m.clk.Now(),
	})
	m.logger.Info("performance updated",
		zap.String("agent", agent.ID),
		zap.Float64("performance", agent.Performance))
	return agent.Performance
}

// observedScore folds the outcome signals into a single [0,1] value.
func observedScore(o Outcome) float64 {
	success := 0.0
	if o.Success {
		success = 1.0
	}
	return clamp01(0.6*success + 0.25*clamp01(o.Quality) + 0.15*clamp01(o.Speed))
}

func (m *Matcher) emitFailure(req Requirements, reason string) {
	m.events.Publish(event.Event{
		ID:        m.ids.NewID(),
		Type:      event.MatchFailed,
		Subject:   req.ID,
		Fields:    map[string]string{"reason": reason},
		Timestamp: m.clk.Now(),
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
