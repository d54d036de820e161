package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GovTask is a governed work item moving through the INBOX..DONE state
// machine (spec §3 GovTask, §4.G).
type GovTask struct {
	ID            string
	Title         string
	Description   string
	TaskType      string
	State         string
	Priority      int
	ProductID     *string
	Scope         string // COMPANY | PRODUCT
	AssignedGroup *string
	Gate          string
	Version       int
	Metadata      json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const govTaskColumns = `id, title, description, task_type, state, priority, product_id, scope,
	assigned_group, gate, version, metadata, created_at, updated_at`

func scanGovTask(row interface{ Scan(...any) error }) (GovTask, error) {
	var t GovTask
	var metadata []byte
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.TaskType, &t.State, &t.Priority, &t.ProductID,
		&t.Scope, &t.AssignedGroup, &t.Gate, &t.Version, &metadata, &t.CreatedAt, &t.UpdatedAt)
	t.Metadata = metadata
	return t, err
}

// CreateGovTask upserts a GovTask by id. Per spec §8's round-trip law, a
// second create with the same id is a no-op that leaves version unchanged
// (it never resets state/version on an existing row).
func (s *Store) CreateGovTask(ctx context.Context, t GovTask) error {
	if t.Metadata == nil {
		t.Metadata = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gov_tasks (id, title, description, task_type, state, priority, product_id, scope,
			assigned_group, gate, version, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.Title, t.Description, t.TaskType, t.State, t.Priority, t.ProductID, t.Scope,
		t.AssignedGroup, t.Gate, t.Version, []byte(t.Metadata), t.CreatedAt, t.UpdatedAt)
	return err
}

// GetGovTask reads a single GovTask by id.
func (s *Store) GetGovTask(ctx context.Context, id string) (GovTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+govTaskColumns+` FROM gov_tasks WHERE id = $1`, id)
	t, err := scanGovTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return GovTask{}, ErrNotFound
	}
	return t, err
}

// ListGovTasksByState returns GovTasks in the given state, ordered by
// priority descending then created_at ascending (oldest-first tie-break).
func (s *Store) ListGovTasksByState(ctx context.Context, state string) ([]GovTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+govTaskColumns+` FROM gov_tasks WHERE state = $1
		ORDER BY priority DESC, created_at ASC`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GovTask
	for rows.Next() {
		t, err := scanGovTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountGovTasksByStateAndGroup is used for WIP-limit enforcement (spec
// §4.G): per-group concurrent DOING tasks are bounded.
func (s *Store) CountGovTasksByStateAndGroup(ctx context.Context, state, group string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM gov_tasks WHERE state = $1 AND assigned_group = $2`, state, group).Scan(&n)
	return n, err
}

// GovTaskFilter narrows ListGovTasks for the Ops API's /ops/tasks endpoint
// (spec §6: "/ops/tasks[?state|type|product_id]").
type GovTaskFilter struct {
	State     string
	TaskType  string
	ProductID string
}

// ListGovTasks returns GovTasks matching every non-empty filter field,
// newest first.
func (s *Store) ListGovTasks(ctx context.Context, f GovTaskFilter) ([]GovTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+govTaskColumns+` FROM gov_tasks
		WHERE ($1 = '' OR state = $1)
			AND ($2 = '' OR task_type = $2)
			AND ($3 = '' OR product_id = $3)
		ORDER BY created_at DESC`, f.State, f.TaskType, f.ProductID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GovTask
	for rows.Next() {
		t, err := scanGovTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountGovTasksByState is used by the Ops API's /ops/stats endpoint.
func (s *Store) CountGovTasksByState(ctx context.Context, state string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM gov_tasks WHERE state = $1`, state).Scan(&n)
	return n, err
}

// UpdateGovTaskCAS applies mutate to the task and writes it back only if the
// stored version still equals expectedVersion, incrementing version on
// success. Returns ErrVersionConflict on a stale write (spec §4.G: "All
// state writes use compare-and-swap on version").
func (s *Store) UpdateGovTaskCAS(ctx context.Context, id string, expectedVersion int, mutate func(*GovTask)) (GovTask, error) {
	var result GovTask
	err := s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+govTaskColumns+` FROM gov_tasks WHERE id = $1 FOR UPDATE`, id)
		t, err := scanGovTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if t.Version != expectedVersion {
			return ErrVersionConflict
		}

		mutate(&t)
		t.Version = expectedVersion + 1
		t.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx, `
			UPDATE gov_tasks SET title=$2, description=$3, task_type=$4, state=$5, priority=$6,
				product_id=$7, scope=$8, assigned_group=$9, gate=$10, version=$11, metadata=$12, updated_at=$13
			WHERE id = $1`,
			t.ID, t.Title, t.Description, t.TaskType, t.State, t.Priority, t.ProductID, t.Scope,
			t.AssignedGroup, t.Gate, t.Version, []byte(t.Metadata), t.UpdatedAt)
		if err != nil {
			return err
		}
		result = t
		return nil
	})
	return result, err
}

// AppendGovActivity writes an append-only audit entry for a GovTask.
func (s *Store) AppendGovActivity(ctx context.Context, taskID, action, fromState, toState, actor, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gov_activities (task_id, action, from_state, to_state, actor, reason)
		VALUES ($1,$2,$3,$4,$5,$6)`, taskID, action, fromState, toState, actor, reason)
	return err
}

// GovActivity mirrors the gov_activities row shape for read APIs.
type GovActivity struct {
	ID        int64
	TaskID    string
	Action    string
	FromState string
	ToState   string
	Actor     string
	Reason    string
	CreatedAt time.Time
}

// ListGovActivities returns the audit trail for a task, oldest first.
func (s *Store) ListGovActivities(ctx context.Context, taskID string, limit int) ([]GovActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, action, coalesce(from_state,''), coalesce(to_state,''), actor, reason, created_at
		FROM gov_activities WHERE task_id = $1 ORDER BY created_at ASC LIMIT $2`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GovActivity
	for rows.Next() {
		var a GovActivity
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Action, &a.FromState, &a.ToState, &a.Actor, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GovApproval records a gate approval, unique on (task_id, gate_type).
type GovApproval struct {
	TaskID     string
	GateType   string
	ApprovedBy string
	ApprovedAt time.Time
	Notes      string
}

// RecordGovApproval inserts an approval. A duplicate (task_id, gate_type) is
// reported as an error so callers can distinguish "already approved."
func (s *Store) RecordGovApproval(ctx context.Context, a GovApproval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gov_approvals (task_id, gate_type, approved_by, approved_at, notes)
		VALUES ($1,$2,$3,$4,$5)`, a.TaskID, a.GateType, a.ApprovedBy, a.ApprovedAt, a.Notes)
	return err
}

// GovApprovalFor returns the recorded approval for (taskID, gateType), if any.
func (s *Store) GovApprovalFor(ctx context.Context, taskID, gateType string) (GovApproval, error) {
	var a GovApproval
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, gate_type, approved_by, approved_at, notes
		FROM gov_approvals WHERE task_id = $1 AND gate_type = $2`, taskID, gateType).
		Scan(&a.TaskID, &a.GateType, &a.ApprovedBy, &a.ApprovedAt, &a.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return GovApproval{}, ErrNotFound
	}
	return a, err
}

// ListGovApprovals returns all approvals recorded for a task.
func (s *Store) ListGovApprovals(ctx context.Context, taskID string) ([]GovApproval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, gate_type, approved_by, approved_at, notes
		FROM gov_approvals WHERE task_id = $1 ORDER BY approved_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GovApproval
	for rows.Next() {
		var a GovApproval
		if err := rows.Scan(&a.TaskID, &a.GateType, &a.ApprovedBy, &a.ApprovedAt, &a.Notes); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GovDispatch is the idempotency record for a dispatch attempt (spec §3
// GovDispatch). dispatch_key = "{task_id}:{from}->{to}:v{version}".
type GovDispatch struct {
	ID          int64
	TaskID      string
	FromState   string
	ToState     string
	DispatchKey string
	GroupTarget string
	WorkerID    *string
	Status      string // ENQUEUED | SENT | COMPLETED | FAILED
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DispatchKey builds the deterministic idempotency key described in spec §4.G.
func DispatchKey(taskID, from, to string, version int) string {
	return fmt.Sprintf("%s:%s->%s:v%d", taskID, from, to, version)
}

// ClaimGovDispatch attempts to insert a GovDispatch row for dispatchKey.
// Returns claimed=false (no error) on a unique-constraint violation — the
// "someone already dispatched this version" case from spec §4.G and the
// testable property in §8 ("at most one GovDispatch row ... can exist").
func (s *Store) ClaimGovDispatch(ctx context.Context, d GovDispatch) (claimed bool, err error) {
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gov_dispatches (task_id, from_state, to_state, dispatch_key, group_target, worker_id, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		d.TaskID, d.FromState, d.ToState, d.DispatchKey, d.GroupTarget, d.WorkerID, d.Status)
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, err
}

// UpdateGovDispatchStatus transitions a claimed dispatch (SENT/COMPLETED/FAILED).
func (s *Store) UpdateGovDispatchStatus(ctx context.Context, dispatchKey, status string, workerID *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE gov_dispatches SET status = $2, worker_id = coalesce($3, worker_id), updated_at = now()
		WHERE dispatch_key = $1`, dispatchKey, status, workerID)
	return err
}

// GovDispatchFor returns the dispatch row for a key, if claimed.
func (s *Store) GovDispatchFor(ctx context.Context, dispatchKey string) (GovDispatch, error) {
	var d GovDispatch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, from_state, to_state, dispatch_key, group_target, worker_id, status, created_at, updated_at
		FROM gov_dispatches WHERE dispatch_key = $1`, dispatchKey).
		Scan(&d.ID, &d.TaskID, &d.FromState, &d.ToState, &d.DispatchKey, &d.GroupTarget, &d.WorkerID, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return GovDispatch{}, ErrNotFound
	}
	return d, err
}

// ListGovDispatchesForWorker returns dispatches assigned to a worker, most
// recent first (Ops API /ops/workers/:id/dispatches).
func (s *Store) ListGovDispatchesForWorker(ctx context.Context, workerID string) ([]GovDispatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, from_state, to_state, dispatch_key, group_target, worker_id, status, created_at, updated_at
		FROM gov_dispatches WHERE worker_id = $1 ORDER BY created_at DESC`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GovDispatch
	for rows.Next() {
		var d GovDispatch
		if err := rows.Scan(&d.ID, &d.TaskID, &d.FromState, &d.ToState, &d.DispatchKey, &d.GroupTarget, &d.WorkerID, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LatestSentDispatchForTask returns the most recently SENT dispatch row for
// taskID — the completion callback (POST /ops/worker/completion) carries
// only {taskId, groupFolder, status}, so the dispatch_key the dispatcher's
// pending map is keyed on must be recovered this way (spec §6).
func (s *Store) LatestSentDispatchForTask(ctx context.Context, taskID string) (GovDispatch, error) {
	var d GovDispatch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, from_state, to_state, dispatch_key, group_target, worker_id, status, created_at, updated_at
		FROM gov_dispatches WHERE task_id = $1 AND status = 'SENT' ORDER BY created_at DESC LIMIT 1`, taskID).
		Scan(&d.ID, &d.TaskID, &d.FromState, &d.ToState, &d.DispatchKey, &d.GroupTarget, &d.WorkerID, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return GovDispatch{}, ErrNotFound
	}
	return d, err
}
