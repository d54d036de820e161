package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// Worker is a remote execution node (spec §3 Worker).
type Worker struct {
	ID           string
	Host         string
	User         string
	SSHPort      int
	LocalPort    int
	RemotePort   int
	Status       string // online | offline
	MaxWIP       int
	CurrentWIP   int
	SharedSecret string
	GroupsServed []string
}

const workerColumns = `id, host, "user", ssh_port, local_port, remote_port, status, max_wip, current_wip, shared_secret, groups_served`

func scanWorker(row interface{ Scan(...any) error }) (Worker, error) {
	var w Worker
	var groups []byte
	err := row.Scan(&w.ID, &w.Host, &w.User, &w.SSHPort, &w.LocalPort, &w.RemotePort, &w.Status,
		&w.MaxWIP, &w.CurrentWIP, &w.SharedSecret, &groups)
	if err != nil {
		return w, err
	}
	_ = json.Unmarshal(groups, &w.GroupsServed)
	return w, nil
}

// UpsertWorker creates or replaces a worker's registration.
func (s *Store) UpsertWorker(ctx context.Context, w Worker) error {
	groups, err := json.Marshal(w.GroupsServed)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workers (id, host, "user", ssh_port, local_port, remote_port, status, max_wip, current_wip, shared_secret, groups_served, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now())
		ON CONFLICT (id) DO UPDATE SET host=$2, "user"=$3, ssh_port=$4, local_port=$5, remote_port=$6,
			status=$7, max_wip=$8, shared_secret=$10, groups_served=$11, updated_at=now()`,
		w.ID, w.Host, w.User, w.SSHPort, w.LocalPort, w.RemotePort, w.Status, w.MaxWIP, w.CurrentWIP, w.SharedSecret, groups)
	return err
}

// GetWorker reads a single worker by id.
func (s *Store) GetWorker(ctx context.Context, id string) (Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Worker{}, ErrNotFound
	}
	return w, err
}

// ListWorkers returns every registered worker, ordered by id for a stable
// round-robin cursor in pkg/dispatcher.
func (s *Store) ListWorkers(ctx context.Context) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SetWorkerStatus flips a worker online/offline (tunnel health loop).
func (s *Store) SetWorkerStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return err
}

// IncrementWorkerWIP atomically increments current_wip if it remains below
// max_wip, returning ok=false if the worker is already saturated. Used by
// the dispatcher immediately after a successful dispatch POST.
func (s *Store) IncrementWorkerWIP(ctx context.Context, id string) (ok bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET current_wip = current_wip + 1, updated_at = now()
		WHERE id = $1 AND current_wip < max_wip`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DecrementWorkerWIP atomically decrements current_wip, floored at zero.
// Called from the worker completion callback.
func (s *Store) DecrementWorkerWIP(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers SET current_wip = GREATEST(current_wip - 1, 0), updated_at = now() WHERE id = $1`, id)
	return err
}
