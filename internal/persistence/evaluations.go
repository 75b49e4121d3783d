package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aristath/agentgrid/internal/evaluation"
)

const evaluationColumns = `id, subtask_id, scores, overall, band, issues, suggestions, source, needs_checkpoint, created_at`

// SaveEvaluation appends an evaluation record. Records are never updated.
func (s *SQLiteStore) SaveEvaluation(ctx context.Context, ev *evaluation.Evaluation) error {
	scores, err := json.Marshal(ev.Scores)
	if err != nil {
		return fmt.Errorf("failed to encode scores: %w", err)
	}
	issues, err := json.Marshal(ev.Issues)
	if err != nil {
		return fmt.Errorf("failed to encode issues: %w", err)
	}
	suggestions, err := json.Marshal(ev.Suggestions)
	if err != nil {
		return fmt.Errorf("failed to encode suggestions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evaluations (`+evaluationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.SubtaskID, string(scores), ev.Overall, ev.Band, string(issues), string(suggestions),
		ev.Source, ev.NeedsCheckpoint, toUnix(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}
	return nil
}

// GetLatestEvaluation returns the newest evaluation of a subtask.
func (s *SQLiteStore) GetLatestEvaluation(ctx context.Context, subtaskID string) (*evaluation.Evaluation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+evaluationColumns+`
		FROM evaluations
		WHERE subtask_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, subtaskID)
	ev, err := scanEvaluation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("evaluation for subtask %s: %w", subtaskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluation: %w", err)
	}
	return ev, nil
}

// ListEvaluations returns every evaluation of a subtask, oldest first.
func (s *SQLiteStore) ListEvaluations(ctx context.Context, subtaskID string) ([]*evaluation.Evaluation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+evaluationColumns+`
		FROM evaluations
		WHERE subtask_id = ?
		ORDER BY created_at, rowid
	`, subtaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations: %w", err)
	}
	defer rows.Close()

	evals := []*evaluation.Evaluation{}
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		evals = append(evals, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evaluations: %w", err)
	}
	return evals, nil
}

func scanEvaluation(row rowScanner) (*evaluation.Evaluation, error) {
	ev := &evaluation.Evaluation{}
	var (
		scores, issues, suggestions string
		created                     int64
	)
	err := row.Scan(&ev.ID, &ev.SubtaskID, &scores, &ev.Overall, &ev.Band, &issues, &suggestions,
		&ev.Source, &ev.NeedsCheckpoint, &created)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(scores), &ev.Scores); err != nil {
		return nil, fmt.Errorf("failed to decode scores: %w", err)
	}
	if err := json.Unmarshal([]byte(issues), &ev.Issues); err != nil {
		return nil, fmt.Errorf("failed to decode issues: %w", err)
	}
	if err := json.Unmarshal([]byte(suggestions), &ev.Suggestions); err != nil {
		return nil, fmt.Errorf("failed to decode suggestions: %w", err)
	}
	ev.CreatedAt = fromUnix(created)
	return ev, nil
}
