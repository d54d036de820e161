package governance_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nanoclaw/nanoclaw/pkg/database"
	"github.com/nanoclaw/nanoclaw/pkg/dispatcher"
	"github.com/nanoclaw/nanoclaw/pkg/governance"
	"github.com/nanoclaw/nanoclaw/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping testcontainers-backed test in short mode")
	}
	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("nanoclaw_test"),
		postgres.WithUsername("nanoclaw"),
		postgres.WithPassword("nanoclaw"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		Host: host, Port: port.Int(), User: "nanoclaw", Password: "nanoclaw", Database: "nanoclaw_test",
		SSLMode: "disable", MaxOpenConns: 5, MaxIdleConns: 2, ConnMaxLifetime: time.Hour, ConnMaxIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return store.New(client.DB)
}

// registerWorker stands up an httptest worker that always accepts dispatch
// and registers it with group "dev" at max_wip capacity.
func registerWorker(t *testing.T, s *store.Store, maxWIP int) (*httptest.Server, int) {
	t.Helper()
	ctx := context.Background()
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	require.NoError(t, s.UpsertWorker(ctx, store.Worker{
		ID: "worker-1", Host: "127.0.0.1", LocalPort: port, Status: "online",
		MaxWIP: maxWIP, GroupsServed: []string{"dev"},
	}))
	return srv, port
}

func newGovTask(id, state, scope string, assignedGroup *string) store.GovTask {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	return store.GovTask{
		ID: id, Title: "t", Description: "d", TaskType: "review", State: state, Priority: 0,
		Scope: scope, AssignedGroup: assignedGroup, Gate: "None", Version: 1,
		CreatedAt: now, UpdatedAt: now,
	}
}

func strPtr(s string) *string { return &s }

// Scenario from spec §8: a READY task with an eligible online worker is
// dispatched, a GovDispatch row is claimed, and the task advances to DOING.
func TestReadyTaskDispatchesAndAdvancesToDoing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _ = registerWorker(t, s, 5)

	taskID := uuid.NewString()
	require.NoError(t, s.CreateGovTask(ctx, newGovTask(taskID, "READY", "COMPANY", strPtr("dev"))))

	d := dispatcher.New(s, nil, time.Minute)
	loop := governance.New(governance.Config{Store: s, Dispatcher: d})

	n, err := loop.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	task, err := s.GetGovTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "DOING", task.State)
	require.Equal(t, 2, task.Version)

	dispatchKey := store.DispatchKey(taskID, "READY", "DOING", 1)
	gd, err := s.GovDispatchFor(ctx, dispatchKey)
	require.NoError(t, err)
	require.Equal(t, "SENT", gd.Status)
}

// Scenario 4 from spec §8: for a given GovTask version, at most one
// GovDispatch row for a transition can ever be claimed — a second claim on
// the same dispatch_key (as a losing concurrent tick would attempt) fails
// without error, and the task itself only advances once.
func TestConcurrentReadyDispatchIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _ = registerWorker(t, s, 5)

	taskID := uuid.NewString()
	require.NoError(t, s.CreateGovTask(ctx, newGovTask(taskID, "READY", "COMPANY", strPtr("dev"))))

	d := dispatcher.New(s, nil, time.Minute)
	loop := governance.New(governance.Config{Store: s, Dispatcher: d})

	n, err := loop.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	dispatchKey := store.DispatchKey(taskID, "READY", "DOING", 1)
	claimed, err := s.ClaimGovDispatch(ctx, store.GovDispatch{
		TaskID: taskID, FromState: "READY", ToState: "DOING",
		DispatchKey: dispatchKey, GroupTarget: "dev", Status: "ENQUEUED",
	})
	require.NoError(t, err)
	require.False(t, claimed, "a second claim on the same dispatch_key must lose")

	// A second tick observes the task already advanced past READY, so it
	// has nothing left to dispatch.
	n, err = loop.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

// A PRODUCT-scope task whose product is not active is deferred, not
// dispatched, and an activity records the deferral (spec §4.G).
func TestProductGatingDefersDispatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _ = registerWorker(t, s, 5)

	require.NoError(t, s.CreateProduct(ctx, store.Product{ID: "p1", Name: "Product One", Status: "paused"}))

	taskID := uuid.NewString()
	task := newGovTask(taskID, "READY", "PRODUCT", strPtr("dev"))
	task.ProductID = strPtr("p1")
	require.NoError(t, s.CreateGovTask(ctx, task))

	d := dispatcher.New(s, nil, time.Minute)
	loop := governance.New(governance.Config{Store: s, Dispatcher: d})

	n, err := loop.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	got, err := s.GetGovTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "READY", got.State)

	activities, err := s.ListGovActivities(ctx, taskID, 10)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	require.Equal(t, "dispatch_deferred", activities[0].Action)
}

// WIP limit enforcement: a READY task is deferred while the group already
// has as many DOING tasks as its configured limit.
func TestWIPLimitDefersDispatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _ = registerWorker(t, s, 5)

	busyID := uuid.NewString()
	require.NoError(t, s.CreateGovTask(ctx, newGovTask(busyID, "DOING", "COMPANY", strPtr("dev"))))

	readyID := uuid.NewString()
	require.NoError(t, s.CreateGovTask(ctx, newGovTask(readyID, "READY", "COMPANY", strPtr("dev"))))

	d := dispatcher.New(s, nil, time.Minute)
	loop := governance.New(governance.Config{
		Store: s, Dispatcher: d,
		MaxWIPPerGroup: map[string]int{"dev": 1},
	})

	n, err := loop.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	got, err := s.GetGovTask(ctx, readyID)
	require.NoError(t, err)
	require.Equal(t, "READY", got.State)
}

// A worker completion callback advances DOING to REVIEW.
func TestCompletionAdvancesDoingToReview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	taskID := uuid.NewString()
	require.NoError(t, s.CreateGovTask(ctx, newGovTask(taskID, "DOING", "COMPANY", strPtr("dev"))))

	d := dispatcher.New(s, nil, time.Minute)
	require.NoError(t, d.HandleCompletion(ctx, "any-key", dispatcher.CompletionEvent{TaskID: taskID, Status: "COMPLETED"}))

	loop := governance.New(governance.Config{Store: s, Dispatcher: d})
	n, err := loop.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	task, err := s.GetGovTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "REVIEW", task.State)

	activities, err := s.ListGovActivities(ctx, taskID, 10)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	require.Equal(t, "execution_summary", activities[0].Action)
}

// REVIEW auto-transitions straight to DONE when gate=None, or to APPROVAL
// when a gate is configured.
func TestReviewAutoTransitionsByGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	noneID := uuid.NewString()
	gated := newGovTask(noneID, "REVIEW", "COMPANY", strPtr("dev"))
	require.NoError(t, s.CreateGovTask(ctx, gated))

	securityID := uuid.NewString()
	withGate := newGovTask(securityID, "REVIEW", "COMPANY", strPtr("dev"))
	withGate.Gate = "Security"
	require.NoError(t, s.CreateGovTask(ctx, withGate))

	d := dispatcher.New(s, nil, time.Minute)
	loop := governance.New(governance.Config{Store: s, Dispatcher: d})

	n, err := loop.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	t1, err := s.GetGovTask(ctx, noneID)
	require.NoError(t, err)
	require.Equal(t, "DONE", t1.State)

	t2, err := s.GetGovTask(ctx, securityID)
	require.NoError(t, err)
	require.Equal(t, "APPROVAL", t2.State)
}

// APPROVAL advances to DONE once a matching gate approval is recorded.
func TestApprovalAdvancesOnMatchingApproval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	taskID := uuid.NewString()
	task := newGovTask(taskID, "APPROVAL", "COMPANY", strPtr("dev"))
	task.Gate = "Security"
	require.NoError(t, s.CreateGovTask(ctx, task))

	d := dispatcher.New(s, nil, time.Minute)
	loop := governance.New(governance.Config{Store: s, Dispatcher: d})

	// No approval recorded yet: nothing advances.
	n, err := loop.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, s.RecordGovApproval(ctx, store.GovApproval{
		TaskID: taskID, GateType: "Security", ApprovedBy: "alice", ApprovedAt: time.Now().UTC(),
	}))

	n, err = loop.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.GetGovTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "DONE", got.State)
}

// Promote performs the human-driven INBOX→READY transition.
func TestPromoteInboxToReady(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	taskID := uuid.NewString()
	require.NoError(t, s.CreateGovTask(ctx, newGovTask(taskID, "INBOX", "COMPANY", nil)))

	d := dispatcher.New(s, nil, time.Minute)
	loop := governance.New(governance.Config{Store: s, Dispatcher: d})

	task, err := loop.Promote(ctx, taskID, 1, "dev", "alice")
	require.NoError(t, err)
	require.Equal(t, "READY", task.State)
	require.Equal(t, "dev", *task.AssignedGroup)
}

// Override forces REVIEW (or APPROVAL) straight to DONE and records
// override metadata plus an action=override activity.
func TestFounderOverride(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	taskID := uuid.NewString()
	task := newGovTask(taskID, "APPROVAL", "COMPANY", strPtr("dev"))
	task.Gate = "Security"
	require.NoError(t, s.CreateGovTask(ctx, task))

	d := dispatcher.New(s, nil, time.Minute)
	loop := governance.New(governance.Config{Store: s, Dispatcher: d})

	got, err := loop.Override(ctx, taskID, 1, "founder", "urgent release")
	require.NoError(t, err)
	require.Equal(t, "DONE", got.State)

	activities, err := s.ListGovActivities(ctx, taskID, 10)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	require.Equal(t, "override", activities[0].Action)
	require.Equal(t, "founder", activities[0].Actor)
}
