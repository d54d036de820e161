package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/pkg/agent"
	"github.com/nanoclaw/nanoclaw/pkg/agentlock"
	"github.com/nanoclaw/nanoclaw/pkg/channel"
	"github.com/nanoclaw/nanoclaw/pkg/database"
	"github.com/nanoclaw/nanoclaw/pkg/scheduler"
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

// Scenario 3 from spec §8: a daily cron task ("0 9 * * *", Asia/Kolkata)
// that missed its fire while the host was down fires exactly once on the
// next tick, and its next_run advances to the following day's occurrence
// rather than coalescing the backlog.
func TestCronCatchUpFiresOnceAndDoesNotCoalesce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	missed := time.Date(2026, 2, 2, 3, 30, 0, 0, time.UTC) // 09:00 IST on Feb 2
	taskID := uuid.NewString()
	require.NoError(t, s.CreateTask(ctx, store.Task{
		TaskID: taskID, ChatJID: "chat-cron", Prompt: "daily digest",
		ScheduleType: "cron", ScheduleValue: "0 9 * * *", ContextMode: "isolated",
		NextRun: &missed, Status: "active", CreatedAt: missed.Add(-48 * time.Hour),
	}))

	exec := &agent.StubExecutor{Reply: "digest sent"}
	sched := scheduler.New(scheduler.Config{
		Store: s, Lock: agentlock.New(), Executor: exec, Channel: channel.NewFake(),
		Timezone: "Asia/Kolkata",
	})

	// The host comes back up a day later, at 08:59 IST on Feb 3.
	now := time.Date(2026, 2, 3, 3, 29, 0, 0, time.UTC)
	n, err := sched.Tick(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, n, "the missed Feb 2 fire runs exactly once")

	task, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "active", task.Status)
	require.NotNil(t, task.NextRun)

	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	nextIST := task.NextRun.In(ist)
	require.Equal(t, 2026, nextIST.Year())
	require.Equal(t, time.Month(2), nextIST.Month())
	require.Equal(t, 3, nextIST.Day(), "next_run advances to Feb 3's occurrence, not a coalesced backlog")
	require.Equal(t, 9, nextIST.Hour())

	// A second tick before Feb 3 09:00 IST does not refire.
	n, err = sched.Tick(ctx, now.Add(30*time.Second))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

// An interval task fires and advances next_run by its millisecond value,
// staying active.
func TestIntervalTaskReschedules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	taskID := uuid.NewString()
	require.NoError(t, s.CreateTask(ctx, store.Task{
		TaskID: taskID, ChatJID: "chat-interval", Prompt: "poll",
		ScheduleType: "interval", ScheduleValue: "60000", ContextMode: "isolated",
		NextRun: &start, Status: "active", CreatedAt: start,
	}))

	sched := scheduler.New(scheduler.Config{
		Store: s, Lock: agentlock.New(), Executor: &agent.StubExecutor{}, Channel: channel.NewFake(),
	})

	n, err := sched.Tick(ctx, start)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	task, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, task.NextRun)
	require.True(t, task.NextRun.Equal(start.Add(60*time.Second)))
	require.Equal(t, "active", task.Status)
}

// A once task completes after firing and is never due again.
func TestOnceTaskCompletesAfterFiring(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	taskID := uuid.NewString()
	require.NoError(t, s.CreateTask(ctx, store.Task{
		TaskID: taskID, ChatJID: "chat-once", Prompt: "send reminder",
		ScheduleType: "once", ScheduleValue: "", ContextMode: "isolated",
		NextRun: &now, Status: "active", CreatedAt: now,
	}))

	sched := scheduler.New(scheduler.Config{
		Store: s, Lock: agentlock.New(), Executor: &agent.StubExecutor{}, Channel: channel.NewFake(),
	})

	n, err := sched.Tick(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	task, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "completed", task.Status)
	require.Nil(t, task.NextRun)

	n, err = sched.Tick(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

// A failing task's retry_count increments without clearing next_run, so it
// remains due and is retried on the very next tick; once max_attempts is
// reached it moves to the failed state and stops firing.
func TestFailingTaskRetriesThenFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	taskID := uuid.NewString()
	require.NoError(t, s.CreateTask(ctx, store.Task{
		TaskID: taskID, ChatJID: "chat-fail", Prompt: "flaky",
		ScheduleType: "interval", ScheduleValue: "60000", ContextMode: "isolated",
		NextRun: &now, Status: "active", CreatedAt: now,
	}))

	exec := &agent.StubExecutor{FailNext: true}
	sched := scheduler.New(scheduler.Config{
		Store: s, Lock: agentlock.New(), Executor: exec, Channel: channel.NewFake(), MaxAttempts: 2,
	})

	n, err := sched.Tick(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	task, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "active", task.Status)
	require.Equal(t, 1, task.RetryCount)
	require.NotNil(t, task.NextRun, "next_run stays put so the task is retried next tick")

	exec.FailNext = true
	n, err = sched.Tick(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	task, err = s.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "failed", task.Status)
	require.Nil(t, task.NextRun)
}

// When the agent lock is already held, a due task is deferred rather than
// queued, matching the router's lock-contention semantics.
func TestLockHeldDefersTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	taskID := uuid.NewString()
	require.NoError(t, s.CreateTask(ctx, store.Task{
		TaskID: taskID, ChatJID: "chat-lock", Prompt: "hi",
		ScheduleType: "once", ScheduleValue: "", ContextMode: "isolated",
		NextRun: &now, Status: "active", CreatedAt: now,
	}))

	lock := agentlock.New()
	require.True(t, lock.Acquire())

	sched := scheduler.New(scheduler.Config{
		Store: s, Lock: lock, Executor: &agent.StubExecutor{}, Channel: channel.NewFake(),
	})

	n, err := sched.Tick(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	task, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "active", task.Status)
}
