package plan

import (
	"strings"
	"time"
)

// Description is a proposed multi-task plan before execution.
type Description struct {
	ID              string   `json:"id"`
	Objective       string   `json:"objective"`
	Description     string   `json:"description"`
	Context         []string `json:"context,omitempty"`
	RequiredSkills  []string `json:"required_skills,omitempty"`
	Constraints     []string `json:"constraints,omitempty"`
	ExpectedOutcome string   `json:"expected_outcome,omitempty"`
}

// text flattens the fields compared for similarity.
func (d Description) text() string {
	parts := []string{d.Objective, d.Description}
	parts = append(parts, d.Context...)
	parts = append(parts, d.RequiredSkills...)
	return strings.Join(parts, " ")
}

// Execution is an append-only record of a completed plan run.
type Execution struct {
	ID             string        `json:"id"`
	Plan           Description   `json:"plan"`
	Success        bool          `json:"success"`
	CompletionTime time.Duration `json:"completion_time"`
	TaskCount      int           `json:"task_count"`
	AgentsUsed     []string      `json:"agents_used,omitempty"`
	Optimizations  []string      `json:"optimizations,omitempty"`
	Quality        float64       `json:"quality"` // [0,1]
	Timestamp      time.Time     `json:"timestamp"`
}

// SimilarPlan pairs a historical execution with its similarity to the
// queried plan.
type SimilarPlan struct {
	Execution  Execution `json:"execution"`
	Similarity float64   `json:"similarity"`
}

// Suggestion proposes reusing an optimization observed in similar,
// successful plans.
type Suggestion struct {
	Optimization        string  `json:"optimization"`
	ExpectedImprovement float64 `json:"expected_improvement"` // percent
	Confidence          float64 `json:"confidence"`           // [0,1]
	SampleSize          int     `json:"sample_size"`
}

// Detection is the outcome of a similarity query. A zero Detection is
// the valid degraded result when any collaborator is unavailable.
type Detection struct {
	HasSimilarPlans bool          `json:"has_similar_plans"`
	SimilarPlans    []SimilarPlan `json:"similar_plans,omitempty"`
	Suggestions     []Suggestion  `json:"suggestions,omitempty"`
	Confidence      float64       `json:"confidence"`
}
