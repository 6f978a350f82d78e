// Package store provides SQLite-backed persistence for the replay server.
// The schema mirrors the task table the real agent backend keeps, so
// clients cannot tell a replayed task from a live one.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/veskel/taskpulse/internal/api"
)

// ErrTaskNotFound indicates the task id has no row.
var ErrTaskNotFound = fmt.Errorf("task not found")

// Store provides access to the replay SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		steps TEXT NOT NULL DEFAULT '[]',
		result TEXT,
		error TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateTask inserts a new task in the running state.
func (s *Store) CreateTask(prompt string) (*api.Task, error) {
	task := &api.Task{
		ID:        uuid.New().String(),
		Prompt:    prompt,
		Status:    api.StatusRunning,
		CreatedAt: api.Timestamp{Time: time.Now().UTC()},
		Steps:     []api.Step{},
	}

	_, err := s.db.Exec(
		`INSERT INTO tasks (id, prompt, status, steps, created_at) VALUES (?, ?, ?, '[]', ?)`,
		task.ID, task.Prompt, task.Status, task.CreatedAt.Time,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// GetTask retrieves a task by ID. Missing tasks return (nil, nil).
func (s *Store) GetTask(id string) (*api.Task, error) {
	task := &api.Task{}
	var stepsJSON string
	var result, errMsg sql.NullString
	var createdAt time.Time

	err := s.db.QueryRow(
		`SELECT id, prompt, status, steps, result, error, created_at FROM tasks WHERE id = ?`,
		id,
	).Scan(&task.ID, &task.Prompt, &task.Status, &stepsJSON, &result, &errMsg, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}

	if err := json.Unmarshal([]byte(stepsJSON), &task.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	if result.Valid {
		task.Result = result.String
	}
	if errMsg.Valid {
		task.Error = errMsg.String
	}
	task.CreatedAt = api.Timestamp{Time: createdAt}
	return task, nil
}

// ListTasks returns all tasks, newest first. Step payloads are included;
// listings that only need the summary slice them off.
func (s *Store) ListTasks() ([]api.Task, error) {
	rows, err := s.db.Query(
		`SELECT id, prompt, status, steps, result, error, created_at FROM tasks ORDER BY created_at DESC, rowid DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []api.Task
	for rows.Next() {
		var task api.Task
		var stepsJSON string
		var result, errMsg sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&task.ID, &task.Prompt, &task.Status, &stepsJSON, &result, &errMsg, &createdAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal([]byte(stepsJSON), &task.Steps); err != nil {
			return nil, fmt.Errorf("decode steps: %w", err)
		}
		if result.Valid {
			task.Result = result.String
		}
		if errMsg.Valid {
			task.Error = errMsg.String
		}
		task.CreatedAt = api.Timestamp{Time: createdAt}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// SetStatus updates the status of a task.
func (s *Store) SetStatus(id string, status api.TaskStatus) error {
	_, err := s.db.Exec(`UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	return err
}

// SetResult records the final result and marks the task completed.
func (s *Store) SetResult(id, result string) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET status = ?, result = ? WHERE id = ?`,
		api.StatusCompleted, result, id,
	)
	return err
}

// Fail marks the task failed and records the reason.
func (s *Store) Fail(id, reason string) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET status = ?, error = ? WHERE id = ?`,
		api.StatusFailed, reason, id,
	)
	return err
}

// AppendStep appends one step to the task's step log and returns the
// sequence number it was assigned. The whole array is re-serialized on
// every append; step logs are short and the row is the source of truth
// for late subscribers.
func (s *Store) AppendStep(id string, step api.Step) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stepsJSON string
	err = tx.QueryRow(`SELECT steps FROM tasks WHERE id = ?`, id).Scan(&stepsJSON)
	if err == sql.ErrNoRows {
		return 0, ErrTaskNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query steps: %w", err)
	}

	var steps []api.Step
	if err := json.Unmarshal([]byte(stepsJSON), &steps); err != nil {
		return 0, fmt.Errorf("decode steps: %w", err)
	}

	step.Seq = len(steps)
	steps = append(steps, step)

	buf, err := json.Marshal(steps)
	if err != nil {
		return 0, fmt.Errorf("encode steps: %w", err)
	}
	if _, err := tx.Exec(`UPDATE tasks SET steps = ? WHERE id = ?`, string(buf), id); err != nil {
		return 0, fmt.Errorf("update steps: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return step.Seq, nil
}
