package router_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nanoclaw/nanoclaw/pkg/agent"
	"github.com/nanoclaw/nanoclaw/pkg/agentlock"
	"github.com/nanoclaw/nanoclaw/pkg/channel"
	"github.com/nanoclaw/nanoclaw/pkg/database"
	"github.com/nanoclaw/nanoclaw/pkg/router"
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

// Scenario 1 from spec §8: a trigger-bearing batch is dispatched, the
// cursor advances to the last message's timestamp, and an outbound
// "Andy: <reply>" is sent.
func TestTriggerRoutingDispatchesAndAdvancesCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const chatJID = "chat-1"

	t1 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)
	require.NoError(t, s.InsertMessage(ctx, store.Message{MessageID: "m1", ChatJID: chatJID, Sender: "u1", Content: "@Andy hi", Timestamp: t1}))
	require.NoError(t, s.InsertMessage(ctx, store.Message{MessageID: "m2", ChatJID: chatJID, Sender: "u1", Content: "how are you", Timestamp: t2}))

	ch := channel.NewFake()
	r := router.New(router.Config{
		Store:       s,
		Lock:        agentlock.New(),
		Executor:    &agent.StubExecutor{Reply: "Hi!"},
		Channel:     ch,
		TriggerName: "Andy",
	})

	n, err := r.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Len(t, ch.Sent, 1)
	require.Equal(t, "Andy: Hi!", ch.Sent[0].Text)

	cursor, err := s.LastAgentTimestamp(ctx, chatJID)
	require.NoError(t, err)
	require.True(t, cursor.Equal(t2))

	sessionID, err := s.SessionFor(ctx, chatJID)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
}

// Scenario 2 from spec §8: an agent error rolls the cursor back to its
// pre-run value so the next tick re-invokes the agent with the same batch.
func TestAgentErrorRollsBackCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const chatJID = "chat-2"

	t1 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)
	require.NoError(t, s.InsertMessage(ctx, store.Message{MessageID: "m1", ChatJID: chatJID, Sender: "u1", Content: "@Andy hi", Timestamp: t1}))
	require.NoError(t, s.InsertMessage(ctx, store.Message{MessageID: "m2", ChatJID: chatJID, Sender: "u1", Content: "how are you", Timestamp: t2}))

	exec := &agent.StubExecutor{FailNext: true}
	r := router.New(router.Config{
		Store:       s,
		Lock:        agentlock.New(),
		Executor:    exec,
		Channel:     channel.NewFake(),
		TriggerName: "Andy",
	})

	n, err := r.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	cursor, err := s.LastAgentTimestamp(ctx, chatJID)
	require.NoError(t, err)
	require.True(t, cursor.IsZero(), "cursor should roll back to the pre-run (zero) value")

	// Next tick re-invokes the agent with the same batch and succeeds.
	n, err = r.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	cursor, err = s.LastAgentTimestamp(ctx, chatJID)
	require.NoError(t, err)
	require.True(t, cursor.Equal(t2))
}

// A batch with no trigger-bearing message is never dispatched and leaves
// the cursor untouched (spec §4.H).
func TestNonTriggerBatchNotDispatched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const chatJID = "chat-3"

	require.NoError(t, s.InsertMessage(ctx, store.Message{
		MessageID: "m1", ChatJID: chatJID, Sender: "u1", Content: "no mention here",
		Timestamp: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}))

	r := router.New(router.Config{
		Store:       s,
		Lock:        agentlock.New(),
		Executor:    &agent.StubExecutor{},
		Channel:     channel.NewFake(),
		TriggerName: "Andy",
	})

	n, err := r.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	cursor, err := s.LastAgentTimestamp(ctx, chatJID)
	require.NoError(t, err)
	require.True(t, cursor.IsZero())
}

// When the agent lock is already held, the router defers rather than
// queuing (spec §4.H).
func TestLockHeldDefersChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const chatJID = "chat-4"

	require.NoError(t, s.InsertMessage(ctx, store.Message{
		MessageID: "m1", ChatJID: chatJID, Sender: "u1", Content: "@Andy hi",
		Timestamp: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}))

	lock := agentlock.New()
	require.True(t, lock.Acquire())

	r := router.New(router.Config{
		Store:       s,
		Lock:        lock,
		Executor:    &agent.StubExecutor{},
		Channel:     channel.NewFake(),
		TriggerName: "Andy",
	})

	n, err := r.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	cursor, err := s.LastAgentTimestamp(ctx, chatJID)
	require.NoError(t, err)
	require.True(t, cursor.IsZero())
}
