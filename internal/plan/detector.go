package plan

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/taskforge/internal/clock"
	"github.com/nidhogg/taskforge/internal/embedding"
	"github.com/nidhogg/taskforge/internal/event"
	"github.com/nidhogg/taskforge/internal/vectorstore"
)

// HistoryStore is the external persistence collaborator. Reads feed
// detection; writes are append-only.
type HistoryStore interface {
	SuccessfulPlans(ctx context.Context, minQuality float64) ([]Execution, error)
	AppendPlanExecution(ctx context.Context, exec Execution) error
}

// Config tunes the detector. Zero values fall back to defaults.
type Config struct {
	SimilarityThreshold float64 // default 0.75
	MinSuccessQuality   float64 // default 0.8, filters what we learn from
	MaxResults          int     // default 10
}

func (c Config) withDefaults() Config {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.75
	}
	if c.MinSuccessQuality <= 0 {
		c.MinSuccessQuality = 0.8
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 10
	}
	return c
}

// Detector scores a proposed plan against previously executed plans and
// derives optimization suggestions. It is advisory: every failure path
// degrades to an empty Detection rather than blocking the caller.
type Detector struct {
	cfg      Config
	provider embedding.Provider
	store    HistoryStore       // optional
	vectors  *vectorstore.Client // optional ANN index
	events   event.Publisher
	clk      clock.Clock
	ids      clock.IDGen
	logger   *zap.Logger

	mu      sync.Mutex
	records []Execution          // in-memory history when no store is wired
	seen    map[string]bool      // dedupes repeated StorePlanExecution calls
	embs    map[string][]float32 // short-lived embedding cache per record
}

// New creates a Detector. store and vectors may be nil.
func New(cfg Config, provider embedding.Provider, store HistoryStore, vectors *vectorstore.Client, events event.Publisher, clk clock.Clock, ids clock.IDGen, logger *zap.Logger) *Detector {
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
	return &Detector{
		cfg:      cfg.withDefaults(),
		provider: provider,
		store:    store,
		vectors:  vectors,
		events:   events,
		clk:      clk,
		ids:      ids,
		logger:   logger,
		seen:     make(map[string]bool),
		embs:     make(map[string][]float32),
	}
}

// Detect compares the plan against sufficiently successful history and
// returns ranked similar plans plus optimization suggestions.
func (d *Detector) Detect(ctx context.Context, p Description) Detection {
	queryVec, err := d.provider.EmbedQuery(ctx, p.text())
	if err != nil {
		d.logger.Warn("plan embedding unavailable", zap.Error(err))
		return Detection{}
	}

	history, err := d.history(ctx)
	if err != nil {
		d.logger.Warn("plan history unavailable", zap.Error(err))
		return Detection{}
	}
	if len(history) == 0 {
		return Detection{}
	}

	similar, err := d.rank(ctx, queryVec, history)
	if err != nil {
		d.logger.Warn("plan ranking failed", zap.Error(err))
		return Detection{}
	}
	if len(similar) == 0 {
		return Detection{}
	}

	det := Detection{
		HasSimilarPlans: true,
		SimilarPlans:    similar,
		Suggestions:     suggest(similar),
		Confidence:      overallConfidence(similar),
	}
	d.logger.Info("similar plans detected",
		zap.String("plan", p.ID),
		zap.Int("matches", len(similar)),
		zap.Float64("confidence", det.Confidence))
	return det
}

// history returns learnable executions: successful and above the quality
// floor. Reads go to the external store when wired, else local memory.
func (d *Detector) history(ctx context.Context) ([]Execution, error) {
	if d.store != nil {
		return d.store.SuccessfulPlans(ctx, d.cfg.MinSuccessQuality)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Execution
	for _, e := range d.records {
		if e.Success && e.Quality >= d.cfg.MinSuccessQuality {
			out = append(out, e)
		}
	}
	return out, nil
}

// rank scores each historical execution against the query vector and
// keeps those above the threshold, best first.
func (d *Detector) rank(ctx context.Context, queryVec []float32, history []Execution) ([]SimilarPlan, error) {
	var similar []SimilarPlan
	for _, e := range history {
		vec, err := d.recordVector(ctx, e)
		if err != nil {
			return nil, err
		}
		sim := embedding.Cosine(queryVec, vec)
		if sim < d.cfg.SimilarityThreshold {
			continue
		}
		similar = append(similar, SimilarPlan{Execution: e, Similarity: sim})
	}

	sort.SliceStable(similar, func(i, j int) bool {
		return similar[i].Similarity > similar[j].Similarity
	})
	if len(similar) > d.cfg.MaxResults {
		similar = similar[:d.cfg.MaxResults]
	}
	return similar, nil
}

// recordVector returns the document embedding for a stored execution,
// consulting the short-lived cache first.
func (d *Detector) recordVector(ctx context.Context, e Execution) ([]float32, error) {
	d.mu.Lock()
	vec, ok := d.embs[e.ID]
	d.mu.Unlock()
	if ok {
		return vec, nil
	}

	vecs, err := d.provider.EmbedDocuments(ctx, []string{e.Plan.text()})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want 1", len(vecs))
	}

	d.mu.Lock()
	d.embs[e.ID] = vecs[0]
	d.mu.Unlock()
	return vecs[0], nil
}

// Store appends an execution record for learning. Records are
// append-only and deduplicated by id, so storing the same record twice
// never double-counts in later rankings. All persistence is best-effort.
func (d *Detector) Store(ctx context.Context, exec Execution) {
	if exec.ID == "" {
		exec.ID = d.ids.NewID()
	}
	if exec.Timestamp.IsZero() {
		exec.Timestamp = d.clk.Now()
	}

	d.mu.Lock()
	if d.seen[exec.ID] {
		d.mu.Unlock()
		return
	}
	d.seen[exec.ID] = true
	d.records = append(d.records, exec)
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.AppendPlanExecution(ctx, exec); err != nil {
			d.logger.Warn("plan execution not persisted",
				zap.String("plan", exec.ID),
				zap.Error(err))
		}
	}
	d.indexVector(ctx, exec)

	d.events.Publish(event.Event{
		ID:      d.ids.NewID(),
		Type:    event.PlanStored,
		Subject: exec.ID,
		Fields: map[string]string{
			"success": fmt.Sprintf("%t", exec.Success),
			"quality": fmt.Sprintf("%.2f", exec.Quality),
		},
		Timestamp: d.clk.Now(),
	})
}

// indexVector upserts the plan embedding into the vector store when one
// is wired, so large histories can be ANN-searched by other consumers.
func (d *Detector) indexVector(ctx context.Context, exec Execution) {
	if d.vectors == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	vec, err := d.recordVector(cctx, exec)
	if err != nil {
		d.logger.Warn("plan embedding not indexed", zap.Error(err))
		return
	}
	payload := map[string]string{
		"objective": exec.Plan.Objective,
		"success":   fmt.Sprintf("%t", exec.Success),
		"quality":   fmt.Sprintf("%.2f", exec.Quality),
	}
	if err := d.vectors.Upsert(cctx, vectorstore.PlanCollection, exec.ID, vec, payload); err != nil {
		d.logger.Warn("plan vector upsert failed",
			zap.String("plan", exec.ID),
			zap.Error(err))
	}
}

// suggest aggregates the optimizations applied across similar plans into
// ranked suggestions. Expected improvement and confidence grow with the
// quality, similarity and sample size behind each optimization.
func suggest(similar []SimilarPlan) []Suggestion {
	type agg struct {
		count   int
		simSum  float64
		qualSum float64
	}
	byOpt := make(map[string]*agg)
	for _, sp := range similar {
		for _, opt := range sp.Execution.Optimizations {
			a, ok := byOpt[opt]
			if !ok {
				a = &agg{}
				byOpt[opt] = a
			}
			a.count++
			a.simSum += sp.Similarity
			a.qualSum += sp.Execution.Quality
		}
	}

	suggestions := make([]Suggestion, 0, len(byOpt))
	for opt, a := range byOpt {
		avgSim := a.simSum / float64(a.count)
		avgQual := a.qualSum / float64(a.count)
		suggestions = append(suggestions, Suggestion{
			Optimization:        opt,
			ExpectedImprovement: 5 + 15*avgSim*avgQual,
			Confidence:          avgSim * float64(a.count) / float64(a.count+2),
			SampleSize:          a.count,
		})
	}

	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].Confidence != suggestions[j].Confidence {
			return suggestions[i].Confidence > suggestions[j].Confidence
		}
		return suggestions[i].Optimization < suggestions[j].Optimization
	})
	return suggestions
}

// overallConfidence blends the best similarity with sample size.
func overallConfidence(similar []SimilarPlan) float64 {
	top := similar[0].Similarity
	size := float64(len(similar))
	scale := size / (size + 1)
	c := top * scale
	if c > 1 {
		c = 1
	}
	return c
}
