package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/agentgrid/internal/checkpoint"
	"github.com/aristath/agentgrid/internal/scheduler"
)

const checkpointColumns = `id, task_id, subtask_id, reason, snapshot, status, decision, feedback, created_at, updated_at, resolved_at`

// RaiseCheckpoint inserts a pending checkpoint and pauses its task in the same transaction.
func (s *SQLiteStore) RaiseCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	snapshot, err := json.Marshal(cp.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, cp.ID, cp.TaskID, cp.SubtaskID, cp.Reason, string(snapshot), cp.Status, cp.Decision, cp.Feedback,
		toUnix(cp.CreatedAt), toUnix(cp.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, scheduler.TaskPaused, toUnix(cp.CreatedAt), cp.TaskID,
		scheduler.TaskCompleted, scheduler.TaskFailed, scheduler.TaskCancelled)
	if err != nil {
		return fmt.Errorf("failed to pause task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetCheckpoint retrieves a checkpoint by ID.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	return cp, nil
}

// ResolveCheckpoint records a decision on a pending checkpoint. It fails with
// checkpoint.ErrAlreadyResolved when the checkpoint was decided before.
func (s *SQLiteStore) ResolveCheckpoint(ctx context.Context, id string, status checkpoint.Status, decision checkpoint.Decision, feedback string, at time.Time) (*checkpoint.Checkpoint, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE checkpoints
		SET status = ?, decision = ?, feedback = ?, updated_at = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, status, decision, feedback, toUnix(at), toUnix(at), id, checkpoint.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("checkpoint %s is %s: %w", id, cp.Status, checkpoint.ErrAlreadyResolved)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns every checkpoint of a task, oldest first.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, taskID string) ([]*checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+checkpointColumns+`
		FROM checkpoints
		WHERE task_id = ?
		ORDER BY created_at, rowid
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	cps := []*checkpoint.Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return cps, nil
}

func scanCheckpoint(row rowScanner) (*checkpoint.Checkpoint, error) {
	cp := &checkpoint.Checkpoint{}
	var (
		snapshot         string
		created, updated int64
		resolved         sql.NullInt64
	)
	err := row.Scan(&cp.ID, &cp.TaskID, &cp.SubtaskID, &cp.Reason, &snapshot, &cp.Status, &cp.Decision,
		&cp.Feedback, &created, &updated, &resolved)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(snapshot), &cp.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	cp.CreatedAt = fromUnix(created)
	cp.UpdatedAt = fromUnix(updated)
	if resolved.Valid {
		t := fromUnix(resolved.Int64)
		cp.ResolvedAt = &t
	}
	return cp, nil
}
