package history

import (
	"context"
	"fmt"

	"github.com/nidhogg/taskforge/internal/match"
)

// RecordMatch implements match.OutcomeSink. The insert happens in the
// background writer; the call returns immediately.
func (s *Store) RecordMatch(req match.Requirements, agentID string, outcome match.Outcome) {
	s.enqueue(func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO match_outcomes
				(requirement_id, requirement_name, required_skills, agent_id, success, quality, speed, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
			req.ID, req.Name, req.RequiredSkills, agentID,
			outcome.Success, outcome.Quality, outcome.Speed,
		)
		if err != nil {
			return fmt.Errorf("record match %s->%s: %w", req.ID, agentID, err)
		}
		return nil
	})
}

// AgentSuccessRate returns the fraction of confirmed matches that
// succeeded for an agent, plus the sample size.
func (s *Store) AgentSuccessRate(ctx context.Context, agentID string) (float64, int, error) {
	var successes, total int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE success), COUNT(*)
		FROM match_outcomes
		WHERE agent_id = $1`, agentID).Scan(&successes, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("success rate for %s: %w", agentID, err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(successes) / float64(total), total, nil
}
