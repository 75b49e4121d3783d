package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are stored as Unix nanoseconds; structured fields as JSON text.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		checkpoint_frequency TEXT NOT NULL,
		privacy_level TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subtasks (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		description TEXT NOT NULL,
		instructions TEXT NOT NULL,
		status TEXT NOT NULL,
		worker_id TEXT NOT NULL DEFAULT '',
		tool TEXT NOT NULL DEFAULT '',
		complexity TEXT NOT NULL,
		priority INTEGER NOT NULL,
		result TEXT,
		error TEXT NOT NULL DEFAULT '',
		score REAL,
		review_cycle INTEGER NOT NULL DEFAULT 0,
		target_id TEXT NOT NULL DEFAULT '',
		producer_id TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_subtasks_task_id ON subtasks(task_id);

	CREATE TABLE IF NOT EXISTS subtask_dependencies (
		subtask_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (subtask_id, depends_on_id),
		FOREIGN KEY (subtask_id) REFERENCES subtasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES subtasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		id TEXT PRIMARY KEY,
		subtask_id TEXT NOT NULL,
		scores TEXT NOT NULL,
		overall REAL NOT NULL,
		band TEXT NOT NULL,
		issues TEXT NOT NULL,
		suggestions TEXT NOT NULL,
		source TEXT NOT NULL,
		needs_checkpoint INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (subtask_id) REFERENCES subtasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_evaluations_subtask ON evaluations(subtask_id, created_at);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		subtask_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL,
		snapshot TEXT NOT NULL,
		status TEXT NOT NULL,
		decision TEXT NOT NULL DEFAULT '',
		feedback TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		resolved_at INTEGER,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(task_id, created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
