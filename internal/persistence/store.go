package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/agentgrid/internal/checkpoint"
	"github.com/aristath/agentgrid/internal/evaluation"
	"github.com/aristath/agentgrid/internal/scheduler"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a subtask was modified since it was read.
	ErrVersionConflict = errors.New("version conflict")
)

// Store defines the persistence interface for tasks, subtasks, evaluations and checkpoints.
type Store interface {
	// Task operations
	CreateTask(ctx context.Context, task *scheduler.Task) error
	GetTask(ctx context.Context, id string) (*scheduler.Task, error)
	UpdateTask(ctx context.Context, task *scheduler.Task) error
	ListTasks(ctx context.Context) ([]*scheduler.Task, error)

	// Subtask DAG operations
	CreateSubtasks(ctx context.Context, subtasks []*scheduler.Subtask) error
	GetSubtask(ctx context.Context, id string) (*scheduler.Subtask, error)
	ListSubtasks(ctx context.Context, taskID string) ([]*scheduler.Subtask, error)
	// UpdateSubtask writes st if its Version still matches the stored one and
	// bumps st.Version on success.
	UpdateSubtask(ctx context.Context, st *scheduler.Subtask) error

	// Evaluations are append-only
	SaveEvaluation(ctx context.Context, ev *evaluation.Evaluation) error
	GetLatestEvaluation(ctx context.Context, subtaskID string) (*evaluation.Evaluation, error)
	ListEvaluations(ctx context.Context, subtaskID string) ([]*evaluation.Evaluation, error)

	checkpoint.Store

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Every call gets its own named database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: writes serialize and the PRAGMA below applies to every query.
	// Queries must therefore never nest; rows are closed before the next statement.
	db.SetMaxOpenConns(1)

	// Enable foreign keys via PRAGMA (required for modernc.org/sqlite)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) beginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
