package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Task is a scheduled unit of agent work (spec §3 Task).
type Task struct {
	TaskID        string
	ChatJID       string
	Prompt        string
	ScheduleType  string // cron | interval | once
	ScheduleValue string
	ContextMode   string // chat | isolated
	NextRun       *time.Time
	LastRun       *time.Time
	Status        string // active | paused | completed | failed
	RetryCount    int
	CreatedAt     time.Time
}

// CanonicalContextMode maps the source's divergent naming ("group" seen in
// some callers) onto the two canonical values, per spec §9 Open Questions.
func CanonicalContextMode(mode string) string {
	if mode == "group" {
		return "chat"
	}
	return mode
}

// CreateTask inserts a new task, canonicalizing context_mode aliases.
func (s *Store) CreateTask(ctx context.Context, t Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, chat_jid, prompt, schedule_type, schedule_value, context_mode,
			next_run, last_run, status, retry_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.TaskID, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue, CanonicalContextMode(t.ContextMode),
		t.NextRun, t.LastRun, t.Status, t.RetryCount, t.CreatedAt)
	return err
}

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	err := row.Scan(&t.TaskID, &t.ChatJID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue, &t.ContextMode,
		&t.NextRun, &t.LastRun, &t.Status, &t.RetryCount, &t.CreatedAt)
	return t, err
}

const taskColumns = `task_id, chat_jid, prompt, schedule_type, schedule_value, context_mode,
	next_run, last_run, status, retry_count, created_at`

// GetTask reads a single task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

// ListTasks returns every task, newest first — used by the snapshot
// janitor to publish current_tasks.json (spec §6).
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DueTasks returns all active tasks whose next_run is at or before now,
// ordered by next_run so older misses fire first.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= $1
		ORDER BY next_run ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CompleteTaskRun updates last_run and next_run after a successful fire.
// A nil nextRun also sets status to completed (the `once` case).
func (s *Store) CompleteTaskRun(ctx context.Context, taskID string, lastRun time.Time, nextRun *time.Time) error {
	status := "active"
	if nextRun == nil {
		status = "completed"
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET last_run = $2, next_run = $3, status = $4, retry_count = 0 WHERE task_id = $1`,
		taskID, lastRun, nextRun, status)
	return err
}

// BumpTaskFailure increments the retry counter; if it has now reached
// maxAttempts the task is moved to the failed sentinel state and stops
// firing (next_run cleared), per spec §4.F item 5.
func (s *Store) BumpTaskFailure(ctx context.Context, taskID string, maxAttempts int) (failed bool, err error) {
	err = s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var retryCount int
		if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM tasks WHERE task_id = $1 FOR UPDATE`, taskID).Scan(&retryCount); err != nil {
			return err
		}
		retryCount++
		if retryCount >= maxAttempts {
			failed = true
			_, err := tx.ExecContext(ctx, `UPDATE tasks SET retry_count = $2, status = 'failed', next_run = NULL WHERE task_id = $1`, taskID, retryCount)
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE tasks SET retry_count = $2 WHERE task_id = $1`, taskID, retryCount)
		return err
	})
	return failed, err
}

// SetTaskStatus pauses/resumes/cancels a task explicitly (IPC task
// register/cancel operations).
func (s *Store) SetTaskStatus(ctx context.Context, taskID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = $2 WHERE task_id = $1`, taskID, status)
	return err
}
