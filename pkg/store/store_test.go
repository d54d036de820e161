package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nanoclaw/nanoclaw/pkg/database"
	"github.com/nanoclaw/nanoclaw/pkg/store"
)

// newTestStore spins up a disposable Postgres container (grounded on the
// teacher's test/database integration style) and runs migrations through
// pkg/database, matching production startup exactly.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping testcontainers-backed test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("nanoclaw_test"),
		postgres.WithUsername("nanoclaw"),
		postgres.WithPassword("nanoclaw"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := database.Config{
		Host:            host,
		Port:            port.Int(),
		User:            "nanoclaw",
		Password:        "nanoclaw",
		Database:        "nanoclaw_test",
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 15 * time.Minute,
	}
	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return store.New(client.DB)
}

func TestGovTaskCreateIsUpsertLeavingVersionUnchanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := store.GovTask{ID: "T1", Title: "first", State: "INBOX", Scope: "COMPANY", Version: 1, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateGovTask(ctx, task))

	task.Title = "second attempt"
	require.NoError(t, s.CreateGovTask(ctx, task))

	got, err := s.GetGovTask(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, "first", got.Title)
	require.Equal(t, 1, got.Version)

	_, err = s.UpdateGovTaskCAS(ctx, "T1", got.Version, func(g *store.GovTask) { g.State = "READY" })
	require.NoError(t, err)

	_, err = s.UpdateGovTaskCAS(ctx, "T1", got.Version, func(g *store.GovTask) { g.State = "DOING" })
	require.ErrorIs(t, err, store.ErrVersionConflict)
}

func TestClaimGovDispatchIsExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := store.GovTask{ID: "T2", Title: "x", State: "READY", Scope: "COMPANY", Version: 4, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateGovTask(ctx, task))

	key := store.DispatchKey("T2", "READY", "DOING", 4)
	d := store.GovDispatch{TaskID: "T2", FromState: "READY", ToState: "DOING", DispatchKey: key, GroupTarget: "developer", Status: "ENQUEUED"}

	claimed1, err := s.ClaimGovDispatch(ctx, d)
	require.NoError(t, err)
	require.True(t, claimed1)

	claimed2, err := s.ClaimGovDispatch(ctx, d)
	require.NoError(t, err)
	require.False(t, claimed2, "second concurrent claim on the same version must lose")
}

func TestRateCounterConcurrentIncrementsNeverLost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.IncrementRateCounter(ctx, "cockpit_write", "global", "2026-02-01T10:00")
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	count, err := s.IncrementRateCounter(ctx, "cockpit_write", "global", "2026-02-01T10:00")
	require.NoError(t, err)
	require.Equal(t, n+1, count)
}

func TestRouterCursorRollbackDiscipline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prev := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetLastAgentTimestamp(ctx, "chat-1", prev))

	advanced := prev.Add(time.Second)
	require.NoError(t, s.SetLastAgentTimestamp(ctx, "chat-1", advanced))

	// Simulate an agent error: roll the cursor back to prev.
	require.NoError(t, s.SetLastAgentTimestamp(ctx, "chat-1", prev))

	got, err := s.LastAgentTimestamp(ctx, "chat-1")
	require.NoError(t, err)
	require.True(t, got.Equal(prev))
}

func TestMemoryRecallWithholdsL3FromNonMain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertMemory(ctx, store.Memory{ID: "m1", Content: "top secret roadmap", ContentHash: "h1", Level: "L3", Scope: "COMPANY", GroupFolder: "main"})
	require.NoError(t, err)

	visible, err := s.RecallMemories(ctx, store.MemoryRecallFilter{Query: "roadmap", CallerIsMain: false, Limit: 10})
	require.NoError(t, err)
	require.Empty(t, visible)

	visibleToMain, err := s.RecallMemories(ctx, store.MemoryRecallFilter{Query: "roadmap", CallerIsMain: true, Limit: 10})
	require.NoError(t, err)
	require.Len(t, visibleToMain, 1)
}
