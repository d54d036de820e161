// Package dispatcher implements the Worker Fleet Dispatcher (spec §4.E):
// selects an eligible online worker, posts the task over the worker's
// loopback SSH tunnel, tracks work-in-progress, and reconciles completion
// callbacks. The pending-map-plus-result-channel-plus-cleanup-ticker shape
// is grounded directly on wandealves-AIOX's internal/worker/dispatcher.go;
// worker bookkeeping (WIP counters, online/offline) is grounded on the
// teacher's pkg/queue/pool.go.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/store"
)

// Errors returned by Dispatch, per spec §4.E.
var (
	ErrTunnelDown  = fmt.Errorf("tunnel_down")
	ErrNoCapacity  = fmt.Errorf("no_capacity")
	ErrHTTPFailed  = fmt.Errorf("http_error")
)

// DispatchPayload is the body posted to POST /worker/dispatch.
type DispatchPayload struct {
	TaskID      string          `json:"taskId"`
	GroupFolder string          `json:"groupFolder"`
	Payload     json.RawMessage `json:"payload"`
}

// pendingTask tracks one in-flight dispatch awaiting a completion callback.
type pendingTask struct {
	taskID    string
	workerID  string
	deadline  time.Time
}

// CompletionEvent is delivered when a worker POSTs /ops/worker/completion.
type CompletionEvent struct {
	TaskID      string
	GroupFolder string
	Status      string
}

// Dispatcher selects workers and tracks in-flight dispatches.
type Dispatcher struct {
	store      *store.Store
	httpClient *http.Client
	taskTimeout time.Duration

	mu      sync.Mutex
	cursor  int // round-robin position across the last-listed worker set
	pending map[string]*pendingTask

	resultCh chan CompletionEvent
}

// New constructs a Dispatcher. taskTimeout bounds how long a dispatch may
// remain SENT before cleanupTimeouts expires it.
func New(s *store.Store, httpClient *http.Client, taskTimeout time.Duration) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Dispatcher{
		store:       s,
		httpClient:  httpClient,
		taskTimeout: taskTimeout,
		pending:     make(map[string]*pendingTask),
		resultCh:    make(chan CompletionEvent, 64),
	}
}

// Results exposes completion events for the Governance Loop to consume.
func (d *Dispatcher) Results() <-chan CompletionEvent {
	return d.resultCh
}

// selectWorker returns the next eligible online worker for group using a
// round-robin cursor, deny-by-default when groups_served does not list
// group (spec §4.E).
func (d *Dispatcher) selectWorker(ctx context.Context, group string) (store.Worker, bool, error) {
	workers, err := d.store.ListWorkers(ctx)
	if err != nil {
		return store.Worker{}, false, err
	}

	var eligible []store.Worker
	for _, w := range workers {
		if w.Status != "online" || w.CurrentWIP >= w.MaxWIP {
			continue
		}
		if !servesGroup(w, group) {
			continue
		}
		eligible = append(eligible, w)
	}
	if len(eligible) == 0 {
		return store.Worker{}, false, nil
	}

	d.mu.Lock()
	idx := d.cursor % len(eligible)
	d.cursor++
	d.mu.Unlock()

	return eligible[idx], true, nil
}

func servesGroup(w store.Worker, group string) bool {
	if len(w.GroupsServed) == 0 {
		return false
	}
	for _, g := range w.GroupsServed {
		if g == group {
			return true
		}
	}
	return false
}

// Dispatch selects a worker and posts the task to it over its tunnel
// (modeled as an HTTP base URL at http://127.0.0.1:<local_port>). On
// success the worker's WIP counter is incremented and dispatchKey is
// tracked pending a completion callback.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID, group, dispatchKey string, payload json.RawMessage) (workerID string, err error) {
	worker, ok, err := d.selectWorker(ctx, group)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNoCapacity
	}

	body, err := json.Marshal(DispatchPayload{TaskID: taskID, GroupFolder: group, Payload: payload})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/worker/dispatch", worker.LocalPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTunnelDown, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrHTTPFailed, resp.StatusCode)
	}

	ok, err = d.store.IncrementWorkerWIP(ctx, worker.ID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNoCapacity
	}

	d.mu.Lock()
	d.pending[dispatchKey] = &pendingTask{taskID: taskID, workerID: worker.ID, deadline: time.Now().Add(d.taskTimeout)}
	d.mu.Unlock()

	return worker.ID, nil
}

// HandleCompletion is invoked by the POST /ops/worker/completion handler.
// It decrements the worker's WIP counter and forwards the event.
func (d *Dispatcher) HandleCompletion(ctx context.Context, dispatchKey string, ev CompletionEvent) error {
	d.mu.Lock()
	pt, ok := d.pending[dispatchKey]
	if ok {
		delete(d.pending, dispatchKey)
	}
	d.mu.Unlock()

	if ok {
		if err := d.store.DecrementWorkerWIP(ctx, pt.workerID); err != nil {
			return err
		}
	}

	select {
	case d.resultCh <- ev:
	default:
	}
	return nil
}

// CleanupTimeouts expires dispatches that have exceeded taskTimeout without
// a completion callback, decrementing WIP and emitting a synthetic failed
// completion — grounded on wandealves-AIOX's cleanupTimeouts/expireStale.
func (d *Dispatcher) CleanupTimeouts(ctx context.Context, now time.Time) {
	d.mu.Lock()
	var expired []struct {
		key string
		pt  *pendingTask
	}
	for key, pt := range d.pending {
		if now.After(pt.deadline) {
			expired = append(expired, struct {
				key string
				pt  *pendingTask
			}{key, pt})
			delete(d.pending, key)
		}
	}
	d.mu.Unlock()

	for _, e := range expired {
		_ = d.store.DecrementWorkerWIP(ctx, e.pt.workerID)
		select {
		case d.resultCh <- CompletionEvent{TaskID: e.pt.taskID, Status: "FAILED"}:
		default:
		}
	}
}

// Run starts the cleanup ticker loop until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.CleanupTimeouts(ctx, now)
		}
	}
}
