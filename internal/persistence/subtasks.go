package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aristath/agentgrid/internal/scheduler"
)

const subtaskColumns = `id, task_id, name, type, description, instructions, status, worker_id, tool,
	complexity, priority, result, error, score, review_cycle, target_id, producer_id, origin, version,
	created_at, updated_at`

// CreateSubtasks inserts subtasks and their ordered dependencies in one transaction.
// Dependencies may point at subtasks in the same batch or already stored ones.
func (s *SQLiteStore) CreateSubtasks(ctx context.Context, subtasks []*scheduler.Subtask) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, st := range subtasks {
		instructions, result, err := encodeSubtask(st)
		if err != nil {
			return err
		}
		if st.Version == 0 {
			st.Version = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO subtasks (`+subtaskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, st.ID, st.TaskID, st.Name, st.Type, st.Description, instructions, st.Status, st.WorkerID, st.Tool,
			st.Complexity, st.Priority, result, st.Error, st.Score, st.ReviewCycle, st.TargetID, st.ProducerID,
			st.Origin, st.Version, toUnix(st.CreatedAt), toUnix(st.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert subtask %s: %w", st.ID, err)
		}
	}

	// Second pass so forward references within the batch satisfy the foreign key
	for _, st := range subtasks {
		for pos, depID := range st.DependsOn {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO subtask_dependencies (subtask_id, depends_on_id, position)
				VALUES (?, ?, ?)
			`, st.ID, depID, pos)
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", st.ID, depID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetSubtask retrieves a subtask by ID, including its ordered dependencies.
func (s *SQLiteStore) GetSubtask(ctx context.Context, id string) (*scheduler.Subtask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id = ?`, id)
	st, err := scanSubtask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("subtask %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subtask: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM subtask_dependencies
		WHERE subtask_id = ?
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		st.DependsOn = append(st.DependsOn, depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return st, nil
}

// ListSubtasks returns every subtask of a task in creation order.
func (s *SQLiteStore) ListSubtasks(ctx context.Context, taskID string) ([]*scheduler.Subtask, error) {
	subtasks, err := s.querySubtasks(ctx, taskID)
	if err != nil {
		return nil, err
	}

	index := make(map[string]*scheduler.Subtask, len(subtasks))
	for _, st := range subtasks {
		index[st.ID] = st
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.subtask_id, d.depends_on_id
		FROM subtask_dependencies d
		JOIN subtasks s ON s.id = d.subtask_id
		WHERE s.task_id = ?
		ORDER BY d.subtask_id, d.position
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, depID string
		if err := rows.Scan(&id, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if st, ok := index[id]; ok {
			st.DependsOn = append(st.DependsOn, depID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return subtasks, nil
}

// querySubtasks loads the subtask rows and closes the cursor before returning.
func (s *SQLiteStore) querySubtasks(ctx context.Context, taskID string) ([]*scheduler.Subtask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE task_id = ? ORDER BY rowid`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subtasks: %w", err)
	}
	defer rows.Close()

	subtasks := []*scheduler.Subtask{}
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subtask: %w", err)
		}
		subtasks = append(subtasks, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subtasks: %w", err)
	}
	return subtasks, nil
}

// UpdateSubtask writes the mutable fields of st guarded by its version.
// Dependencies are immutable once created and are not rewritten.
func (s *SQLiteStore) UpdateSubtask(ctx context.Context, st *scheduler.Subtask) error {
	instructions, result, err := encodeSubtask(st)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE subtasks
		SET instructions = ?, status = ?, worker_id = ?, tool = ?, result = ?, error = ?, score = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, instructions, st.Status, st.WorkerID, st.Tool, result, st.Error, st.Score,
		toUnix(st.UpdatedAt), st.ID, st.Version)
	if err != nil {
		return fmt.Errorf("failed to update subtask: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM subtasks WHERE id = ?`, st.ID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("subtask %s: %w", st.ID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to check subtask existence: %w", err)
		}
		return fmt.Errorf("subtask %s at version %d: %w", st.ID, st.Version, ErrVersionConflict)
	}

	st.Version++
	return nil
}

func encodeSubtask(st *scheduler.Subtask) (string, sql.NullString, error) {
	instructions, err := json.Marshal(st.Instructions)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("failed to encode instructions: %w", err)
	}

	var result sql.NullString
	if st.Result != nil {
		data, err := json.Marshal(st.Result)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("failed to encode result: %w", err)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}
	return string(instructions), result, nil
}

func scanSubtask(row rowScanner) (*scheduler.Subtask, error) {
	st := &scheduler.Subtask{}
	var (
		instructions     string
		result           sql.NullString
		score            sql.NullFloat64
		created, updated int64
	)
	err := row.Scan(&st.ID, &st.TaskID, &st.Name, &st.Type, &st.Description, &instructions, &st.Status,
		&st.WorkerID, &st.Tool, &st.Complexity, &st.Priority, &result, &st.Error, &score, &st.ReviewCycle,
		&st.TargetID, &st.ProducerID, &st.Origin, &st.Version, &created, &updated)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(instructions), &st.Instructions); err != nil {
		return nil, fmt.Errorf("failed to decode instructions of %s: %w", st.ID, err)
	}
	if result.Valid {
		st.Result = &scheduler.Payload{}
		if err := json.Unmarshal([]byte(result.String), st.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result of %s: %w", st.ID, err)
		}
	}
	if score.Valid {
		v := score.Float64
		st.Score = &v
	}
	st.CreatedAt = fromUnix(created)
	st.UpdatedAt = fromUnix(updated)
	return st, nil
}
