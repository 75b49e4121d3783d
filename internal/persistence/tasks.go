package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/agentgrid/internal/scheduler"
)

const taskColumns = `id, description, type, status, checkpoint_frequency, privacy_level, progress, error, created_at, updated_at`

// CreateTask inserts a new task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *scheduler.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Description, task.Type, task.Status, task.CheckpointFrequency, task.PrivacyLevel,
		task.Progress, task.Error, toUnix(task.CreatedAt), toUnix(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return task, nil
}

// UpdateTask overwrites the mutable fields of a task.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *scheduler.Task) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, progress = ?, error = ?, updated_at = ?
		WHERE id = ?
	`, task.Status, task.Progress, task.Error, toUnix(task.UpdatedAt), task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	return nil
}

// ListTasks returns every task, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*scheduler.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var created, updated int64
	err := row.Scan(&task.ID, &task.Description, &task.Type, &task.Status, &task.CheckpointFrequency,
		&task.PrivacyLevel, &task.Progress, &task.Error, &created, &updated)
	if err != nil {
		return nil, err
	}
	task.CreatedAt = fromUnix(created)
	task.UpdatedAt = fromUnix(updated)
	return task, nil
}
