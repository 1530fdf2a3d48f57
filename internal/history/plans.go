package history

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/taskforge/internal/plan"
)

// AppendPlanExecution implements plan.HistoryStore's write path. Plan
// records are append-only: repeated ids are ignored, never updated.
func (s *Store) AppendPlanExecution(ctx context.Context, exec plan.Execution) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO plan_executions
			(id, objective, description, context, required_skills, constraints,
			 expected_outcome, success, completion_ms, task_count, agents_used,
			 optimizations, quality, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		exec.ID, exec.Plan.Objective, exec.Plan.Description,
		exec.Plan.Context, exec.Plan.RequiredSkills, exec.Plan.Constraints,
		exec.Plan.ExpectedOutcome, exec.Success,
		exec.CompletionTime.Milliseconds(), exec.TaskCount,
		exec.AgentsUsed, exec.Optimizations, exec.Quality, exec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append plan execution %s: %w", exec.ID, err)
	}
	return nil
}

// SuccessfulPlans implements plan.HistoryStore's read path: successful
// executions at or above the quality floor, newest first.
func (s *Store) SuccessfulPlans(ctx context.Context, minQuality float64) ([]plan.Execution, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, objective, description, context, required_skills, constraints,
		       expected_outcome, success, completion_ms, task_count, agents_used,
		       optimizations, quality, created_at
		FROM plan_executions
		WHERE success AND quality >= $1
		ORDER BY created_at DESC
		LIMIT 200`, minQuality)
	if err != nil {
		return nil, fmt.Errorf("successful plans: %w", err)
	}
	defer rows.Close()

	var out []plan.Execution
	for rows.Next() {
		var e plan.Execution
		var completionMS int64
		if err := rows.Scan(
			&e.ID, &e.Plan.Objective, &e.Plan.Description,
			&e.Plan.Context, &e.Plan.RequiredSkills, &e.Plan.Constraints,
			&e.Plan.ExpectedOutcome, &e.Success, &completionMS, &e.TaskCount,
			&e.AgentsUsed, &e.Optimizations, &e.Quality, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan plan execution: %w", err)
		}
		e.CompletionTime = time.Duration(completionMS) * time.Millisecond
		e.Plan.ID = e.ID
		out = append(out, e)
	}
	return out, rows.Err()
}
