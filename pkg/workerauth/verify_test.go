package workerauth_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nanoclaw/nanoclaw/pkg/database"
	"github.com/nanoclaw/nanoclaw/pkg/store"
	"github.com/nanoclaw/nanoclaw/pkg/workerauth"
)

func newTestVerifier(t *testing.T) *workerauth.Verifier {
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

	return workerauth.NewVerifier(store.New(client.DB), 60*time.Second)
}

func TestVerifyAcceptsFreshCorrectlySignedRequest(t *testing.T) {
	v := newTestVerifier(t)
	now := time.Now().UTC()
	ts := strconvMillis(now)
	body := []byte(`{"task":"x"}`)
	sig := workerauth.Sign("shared-secret", ts, "req-1", body)

	err := v.Verify(context.Background(), "shared-secret", sig, ts, "req-1", body, now)
	require.NoError(t, err)
}

func TestVerifyRejectsClockSkewBeyondTTL(t *testing.T) {
	v := newTestVerifier(t)
	now := time.Now().UTC()
	stale := now.Add(-2 * time.Minute)
	ts := strconvMillis(stale)
	body := []byte(`{}`)
	sig := workerauth.Sign("secret", ts, "req-2", body)

	err := v.Verify(context.Background(), "secret", sig, ts, "req-2", body, now)
	require.ErrorIs(t, err, workerauth.ErrTTLExpired)
}

func TestVerifyRejectsReplayedRequestID(t *testing.T) {
	v := newTestVerifier(t)
	now := time.Now().UTC()
	ts := strconvMillis(now)
	body := []byte(`{}`)
	sig := workerauth.Sign("secret", ts, "req-3", body)

	require.NoError(t, v.Verify(context.Background(), "secret", sig, ts, "req-3", body, now))

	err := v.Verify(context.Background(), "secret", sig, ts, "req-3", body, now.Add(time.Second))
	require.ErrorIs(t, err, workerauth.ErrReplayDetected)
}

func TestVerifyAllowsRetryAfterBadSignatureWithSameRequestID(t *testing.T) {
	v := newTestVerifier(t)
	now := time.Now().UTC()
	ts := strconvMillis(now)
	body := []byte(`{}`)

	badSig := workerauth.Sign("wrong-secret", ts, "req-4", body)
	err := v.Verify(context.Background(), "secret", badSig, ts, "req-4", body, now)
	require.ErrorIs(t, err, workerauth.ErrHMACInvalid)

	goodSig := workerauth.Sign("secret", ts, "req-4", body)
	err = v.Verify(context.Background(), "secret", goodSig, ts, "req-4", body, now.Add(time.Second))
	require.NoError(t, err, "a bad signature must not burn the requestId for a legitimate retry")
}

func strconvMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
