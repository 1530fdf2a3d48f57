package history

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/taskforge/internal/queue"
)

// Transition is one recorded task status change.
type Transition struct {
	TaskID    string       `json:"task_id"`
	From      queue.Status `json:"from"`
	To        queue.Status `json:"to"`
	Detail    string       `json:"detail"`
	CreatedAt time.Time    `json:"created_at"`
}

// RecordTransition implements queue.TransitionSink. The insert happens in
// the background writer; the call returns immediately.
func (s *Store) RecordTransition(taskID string, from, to queue.Status, detail string) {
	s.enqueue(func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO task_transitions (task_id, from_status, to_status, detail, created_at)
			VALUES ($1, $2, $3, $4, NOW())`,
			taskID, string(from), string(to), detail,
		)
		if err != nil {
			return fmt.Errorf("record transition %s: %w", taskID, err)
		}
		return nil
	})
}

// TransitionsFor returns the audit trail of a single task, oldest first.
func (s *Store) TransitionsFor(ctx context.Context, taskID string) ([]Transition, error) {
	rows, err := s.db.Query(ctx, `
		SELECT task_id, from_status, to_status, detail, created_at
		FROM task_transitions
		WHERE task_id = $1
		ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("transitions for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		if err := rows.Scan(&tr.TaskID, &tr.From, &tr.To, &tr.Detail, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
