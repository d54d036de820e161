// Package governance implements the Governance Dispatch Loop (spec §4.G):
// the INBOX→READY→DOING→REVIEW→APPROVAL→DONE state machine over GovTasks,
// idempotent worker dispatch, per-group WIP limiting, and product-scope
// gating. The claim-via-version idiom (CAS here, FOR UPDATE SKIP LOCKED in
// the teacher) and the dispatch/result lifecycle are grounded on
// pkg/queue/worker.go and wandealves-AIOX/internal/worker/dispatcher.go
// respectively, per SPEC_FULL.md §4.G.
package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/dispatcher"
	"github.com/nanoclaw/nanoclaw/pkg/memory"
	"github.com/nanoclaw/nanoclaw/pkg/store"
)

const defaultPollInterval = 2 * time.Second

// unboundedWIP is used when neither a per-group nor a default WIP limit is
// configured; in that case the loop does not throttle dispatch.
const unboundedWIP = 1 << 30

// Config holds the Loop's dependencies and tunables.
type Config struct {
	Store        *store.Store
	Dispatcher   *dispatcher.Dispatcher
	MemoryBroker *memory.Broker     // optional; nil disables context-pack memory recall
	AccessLogger memory.AccessLogger // optional

	// MainGroups names the groups treated as "main" for L3 memory
	// visibility in context packs (spec §4.I).
	MainGroups map[string]bool

	MaxWIPPerGroup map[string]int
	DefaultMaxWIP  int

	// Events, if set, receives every activity this loop appends — the
	// publish side of the Ops API's SSE /ops/events endpoint.
	Events EventPublisher

	PollInterval time.Duration
	Logger       *slog.Logger
}

// Event mirrors a single GovActivity append, published to Events for live
// observers (spec §6 SSE /ops/events).
type Event struct {
	TaskID    string
	Action    string
	FromState string
	ToState   string
	Actor     string
	Reason    string
}

// EventPublisher receives governance activity events as they occur.
// Implementations must not block the governance loop.
type EventPublisher interface {
	Publish(Event)
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Loop evaluates GovTasks against the state machine on each tick.
type Loop struct {
	cfg Config
}

// New constructs a Loop. cfg.Store and cfg.Dispatcher must be non-nil.
func New(cfg Config) *Loop {
	return &Loop{cfg: cfg.withDefaults()}
}

// Run loops Tick at PollInterval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Tick(ctx); err != nil {
				l.cfg.Logger.Error("governance: tick failed", "error", err)
			}
		}
	}
}

// appendActivity records an audit entry and, if an EventPublisher is wired,
// forwards it to live observers.
func (l *Loop) appendActivity(ctx context.Context, taskID, action, fromState, toState, actor, reason string) error {
	if err := l.cfg.Store.AppendGovActivity(ctx, taskID, action, fromState, toState, actor, reason); err != nil {
		return err
	}
	if l.cfg.Events != nil {
		l.cfg.Events.Publish(Event{
			TaskID: taskID, Action: action, FromState: fromState, ToState: toState, Actor: actor, Reason: reason,
		})
	}
	return nil
}

// Tick evaluates every stage of the state machine once and returns the
// total number of GovTasks advanced.
func (l *Loop) Tick(ctx context.Context) (int, error) {
	total := 0

	n, err := l.processReady(ctx)
	if err != nil {
		return total, fmt.Errorf("governance: process ready: %w", err)
	}
	total += n

	n = l.processCompletions(ctx)
	total += n

	n, err = l.processReview(ctx)
	if err != nil {
		return total, fmt.Errorf("governance: process review: %w", err)
	}
	total += n

	n, err = l.processApproval(ctx)
	if err != nil {
		return total, fmt.Errorf("governance: process approval: %w", err)
	}
	total += n

	return total, nil
}

func (l *Loop) isMainGroup(group string) bool {
	return l.cfg.MainGroups[group]
}

func (l *Loop) wipLimit(group string) int {
	if limit, ok := l.cfg.MaxWIPPerGroup[group]; ok {
		return limit
	}
	if l.cfg.DefaultMaxWIP > 0 {
		return l.cfg.DefaultMaxWIP
	}
	return unboundedWIP
}

// processReady attempts to dispatch every READY task, subject to WIP limits
// and product gating.
func (l *Loop) processReady(ctx context.Context) (int, error) {
	tasks, err := l.cfg.Store.ListGovTasksByState(ctx, "READY")
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, t := range tasks {
		ran, err := l.dispatchReady(ctx, t)
		if err != nil {
			l.cfg.Logger.Error("governance: dispatch ready failed", "task_id", t.ID, "error", err)
			continue
		}
		if ran {
			dispatched++
		}
	}
	return dispatched, nil
}

// dispatchReady attempts the READY→DOING transition for a single task:
// product gating, WIP limiting, idempotent dispatch claim, and the actual
// worker dispatch. It returns ran=true only when a worker dispatch was
// actually issued and the task advanced to DOING.
func (l *Loop) dispatchReady(ctx context.Context, t store.GovTask) (bool, error) {
	if t.AssignedGroup == nil || *t.AssignedGroup == "" {
		return false, nil
	}
	group := *t.AssignedGroup

	if t.Scope == "PRODUCT" {
		if t.ProductID == nil {
			return false, fmt.Errorf("task %s is PRODUCT-scope with no product_id", t.ID)
		}
		product, err := l.cfg.Store.GetProduct(ctx, *t.ProductID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
		if errors.Is(err, store.ErrNotFound) || product.Status != "active" {
			_ = l.appendActivity(ctx, t.ID, "dispatch_deferred", t.State, t.State, "governance", "product not active")
			return false, nil
		}
	}

	wip, err := l.cfg.Store.CountGovTasksByStateAndGroup(ctx, "DOING", group)
	if err != nil {
		return false, err
	}
	if wip >= l.wipLimit(group) {
		_ = l.appendActivity(ctx, t.ID, "dispatch_deferred", t.State, t.State, "governance", "wip limit reached")
		return false, nil
	}

	dispatchKey := store.DispatchKey(t.ID, "READY", "DOING", t.Version)
	pack, err := l.buildContextPack(ctx, t)
	if err != nil {
		return false, fmt.Errorf("build context pack: %w", err)
	}
	payload, err := json.Marshal(pack)
	if err != nil {
		return false, err
	}

	claimed, err := l.cfg.Store.ClaimGovDispatch(ctx, store.GovDispatch{
		TaskID: t.ID, FromState: "READY", ToState: "DOING",
		DispatchKey: dispatchKey, GroupTarget: group, Status: "ENQUEUED",
	})
	if err != nil {
		return false, err
	}
	if !claimed {
		// Another tick already claimed this version's transition (spec §8
		// scenario 4: "the losing tick observes a unique-constraint denial
		// and proceeds").
		return false, nil
	}

	workerID, err := l.cfg.Dispatcher.Dispatch(ctx, t.ID, group, dispatchKey, payload)
	if err != nil {
		_ = l.cfg.Store.UpdateGovDispatchStatus(ctx, dispatchKey, "FAILED", nil)
		_ = l.appendActivity(ctx, t.ID, "dispatch_failed", t.State, t.State, "governance", err.Error())
		return false, nil
	}
	_ = l.cfg.Store.UpdateGovDispatchStatus(ctx, dispatchKey, "SENT", &workerID)

	if _, err := l.cfg.Store.UpdateGovTaskCAS(ctx, t.ID, t.Version, func(task *store.GovTask) {
		task.State = "DOING"
	}); err != nil {
		return true, fmt.Errorf("advance READY->DOING: %w", err)
	}
	_ = l.appendActivity(ctx, t.ID, "dispatch", "READY", "DOING", "governance", "worker="+workerID)
	return true, nil
}

// processCompletions drains every completion event currently buffered on
// the dispatcher's result channel without blocking, advancing each
// matching task DOING→REVIEW.
func (l *Loop) processCompletions(ctx context.Context) int {
	n := 0
	for {
		select {
		case ev := <-l.cfg.Dispatcher.Results():
			if err := l.handleCompletion(ctx, ev); err != nil {
				l.cfg.Logger.Error("governance: handle completion failed", "task_id", ev.TaskID, "error", err)
				continue
			}
			n++
		default:
			return n
		}
	}
}

// handleCompletion advances a single task DOING→REVIEW on a worker
// completion callback and records the execution summary (spec §4.G).
func (l *Loop) handleCompletion(ctx context.Context, ev dispatcher.CompletionEvent) error {
	task, err := l.cfg.Store.GetGovTask(ctx, ev.TaskID)
	if err != nil {
		return err
	}
	if task.State != "DOING" {
		// Stale or duplicate callback; nothing to do.
		return nil
	}

	_, err = l.cfg.Store.UpdateGovTaskCAS(ctx, task.ID, task.Version, func(t *store.GovTask) {
		t.State = "REVIEW"
	})
	if errors.Is(err, store.ErrVersionConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	return l.appendActivity(ctx, task.ID, "execution_summary", "DOING", "REVIEW", "worker", ev.Status)
}

// processReview auto-transitions every REVIEW task: straight to DONE when
// no gate is required, otherwise to APPROVAL to await a matching approval.
func (l *Loop) processReview(ctx context.Context) (int, error) {
	tasks, err := l.cfg.Store.ListGovTasksByState(ctx, "REVIEW")
	if err != nil {
		return 0, err
	}

	n := 0
	for _, t := range tasks {
		to := "APPROVAL"
		if t.Gate == "" || t.Gate == "None" {
			to = "DONE"
		}
		if _, err := l.cfg.Store.UpdateGovTaskCAS(ctx, t.ID, t.Version, func(task *store.GovTask) {
			task.State = to
		}); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			l.cfg.Logger.Error("governance: review transition failed", "task_id", t.ID, "error", err)
			continue
		}
		_ = l.appendActivity(ctx, t.ID, "auto_transition", "REVIEW", to, "governance", "")
		n++
	}
	return n, nil
}

// processApproval advances APPROVAL tasks to DONE once a matching gate
// approval has been recorded.
func (l *Loop) processApproval(ctx context.Context) (int, error) {
	tasks, err := l.cfg.Store.ListGovTasksByState(ctx, "APPROVAL")
	if err != nil {
		return 0, err
	}

	n := 0
	for _, t := range tasks {
		approval, err := l.cfg.Store.GovApprovalFor(ctx, t.ID, t.Gate)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			l.cfg.Logger.Error("governance: load approval failed", "task_id", t.ID, "error", err)
			continue
		}

		if _, err := l.cfg.Store.UpdateGovTaskCAS(ctx, t.ID, t.Version, func(task *store.GovTask) {
			task.State = "DONE"
		}); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			l.cfg.Logger.Error("governance: approval transition failed", "task_id", t.ID, "error", err)
			continue
		}
		_ = l.appendActivity(ctx, t.ID, "approve", "APPROVAL", "DONE", approval.ApprovedBy, approval.Notes)
		n++
	}
	return n, nil
}

// Promote performs the human/API-driven INBOX→READY transition, assigning
// the task to a group (spec §4.G: "requires assigned_group").
func (l *Loop) Promote(ctx context.Context, taskID string, expectedVersion int, assignedGroup, actor string) (store.GovTask, error) {
	if assignedGroup == "" {
		return store.GovTask{}, fmt.Errorf("governance: assigned_group is required to promote")
	}
	current, err := l.cfg.Store.GetGovTask(ctx, taskID)
	if err != nil {
		return store.GovTask{}, err
	}
	if current.State != "INBOX" {
		return store.GovTask{}, fmt.Errorf("governance: promote only valid from INBOX, task is %s", current.State)
	}

	t, err := l.cfg.Store.UpdateGovTaskCAS(ctx, taskID, expectedVersion, func(task *store.GovTask) {
		task.State = "READY"
		task.AssignedGroup = &assignedGroup
	})
	if err != nil {
		return store.GovTask{}, err
	}
	_ = l.appendActivity(ctx, taskID, "promote", "INBOX", "READY", actor, "")
	return t, nil
}

// Override performs a founder override, forcing REVIEW or APPROVAL
// straight to DONE and recording override metadata plus an
// action=override activity (spec §4.G).
func (l *Loop) Override(ctx context.Context, taskID string, expectedVersion int, actor, reason string) (store.GovTask, error) {
	current, err := l.cfg.Store.GetGovTask(ctx, taskID)
	if err != nil {
		return store.GovTask{}, err
	}
	if current.State != "REVIEW" && current.State != "APPROVAL" {
		return store.GovTask{}, fmt.Errorf("governance: override only valid from REVIEW or APPROVAL, task is %s", current.State)
	}
	from := current.State

	t, err := l.cfg.Store.UpdateGovTaskCAS(ctx, taskID, expectedVersion, func(task *store.GovTask) {
		task.State = "DONE"
		task.Metadata = withOverrideMetadata(task.Metadata, actor, reason)
	})
	if err != nil {
		return store.GovTask{}, err
	}
	_ = l.appendActivity(ctx, taskID, "override", from, "DONE", actor, reason)
	return t, nil
}

// withOverrideMetadata merges an "override" key into the task's JSON
// metadata blob without disturbing any other keys already present.
func withOverrideMetadata(raw json.RawMessage, actor, reason string) json.RawMessage {
	m := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	m["override"] = map[string]string{"actor": actor, "reason": reason}
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}
