package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// IncrementRateCounter atomically increments and returns the new count for
// (op, scopeKey, windowKey). Concurrent callers never lose an increment:
// the upsert is a single atomic statement (spec §8: "N concurrent
// increments equals N").
func (s *Store) IncrementRateCounter(ctx context.Context, op, scopeKey, windowKey string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_counters (op, scope_key, window_key, count) VALUES ($1,$2,$3,1)
		ON CONFLICT (op, scope_key, window_key) DO UPDATE SET count = rate_counters.count + 1
		RETURNING count`, op, scopeKey, windowKey).Scan(&count)
	return count, err
}

// PruneRateCounters opportunistically deletes rate counter windows older
// than the retention horizon (spec §4.B: "values beyond 5 minutes are
// purged opportunistically"). windowKeys are lexically ordered ISO-minute
// strings so a string comparison against the cutoff key is sufficient.
func (s *Store) PruneRateCounters(ctx context.Context, cutoffWindowKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_counters WHERE window_key < $1`, cutoffWindowKey)
	return err
}

// QuotaDaily mirrors the quota_daily row shape.
type QuotaDaily struct {
	Op        string
	ScopeKey  string
	DayKey    string
	Used      int
	SoftLimit int
	HardLimit int
}

// IncrementQuota atomically increments `used` for (op, scopeKey, dayKey),
// seeding soft/hard limits on first insert, and returns the row after the
// increment. Configured limits never shrink an existing row's bounds to 0:
// seedSoft/seedHard are ignored on conflict, since a quota's hard/soft
// bounds come from config, not from the caller of enforce().
func (s *Store) IncrementQuota(ctx context.Context, op, scopeKey, dayKey string, seedSoft, seedHard int) (QuotaDaily, error) {
	var q QuotaDaily
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO quota_daily (op, scope_key, day_key, used, soft_limit, hard_limit) VALUES ($1,$2,$3,1,$4,$5)
		ON CONFLICT (op, scope_key, day_key) DO UPDATE SET used = quota_daily.used + 1
		RETURNING op, scope_key, day_key, used, soft_limit, hard_limit`,
		op, scopeKey, dayKey, seedSoft, seedHard).
		Scan(&q.Op, &q.ScopeKey, &q.DayKey, &q.Used, &q.SoftLimit, &q.HardLimit)
	return q, err
}

// Breaker mirrors the breakers row shape (spec §3 Breaker, §4.B state machine).
type Breaker struct {
	Provider    string
	State       string // CLOSED | OPEN | HALF_OPEN
	FailCount   int
	LastFailAt  *time.Time
	OpenedAt    *time.Time
	LastProbeAt *time.Time
}

// GetOrCreateBreaker returns the breaker row for provider, creating a fresh
// CLOSED one if none exists.
func (s *Store) GetOrCreateBreaker(ctx context.Context, provider string) (Breaker, error) {
	var b Breaker
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO breakers (provider, state) VALUES ($1, 'CLOSED')
		ON CONFLICT (provider) DO NOTHING`, provider)
	_ = err // insert-or-skip; the following SELECT is authoritative
	row := s.db.QueryRowContext(ctx, `
		SELECT provider, state, fail_count, last_fail_at, opened_at, last_probe_at
		FROM breakers WHERE provider = $1`, provider)
	err = row.Scan(&b.Provider, &b.State, &b.FailCount, &b.LastFailAt, &b.OpenedAt, &b.LastProbeAt)
	return b, err
}

// UpdateBreakerCAS applies mutate and writes the breaker back only if its
// state still equals expectedState — spec §5: "no two concurrent
// transitions across the same row; compare-and-swap on the breaker row."
func (s *Store) UpdateBreakerCAS(ctx context.Context, provider, expectedState string, mutate func(*Breaker)) (Breaker, error) {
	var result Breaker
	err := s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var b Breaker
		row := tx.QueryRowContext(ctx, `
			SELECT provider, state, fail_count, last_fail_at, opened_at, last_probe_at
			FROM breakers WHERE provider = $1 FOR UPDATE`, provider)
		if err := row.Scan(&b.Provider, &b.State, &b.FailCount, &b.LastFailAt, &b.OpenedAt, &b.LastProbeAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if b.State != expectedState {
			return ErrVersionConflict
		}
		mutate(&b)
		_, err := tx.ExecContext(ctx, `
			UPDATE breakers SET state=$2, fail_count=$3, last_fail_at=$4, opened_at=$5, last_probe_at=$6
			WHERE provider = $1`, b.Provider, b.State, b.FailCount, b.LastFailAt, b.OpenedAt, b.LastProbeAt)
		if err != nil {
			return err
		}
		result = b
		return nil
	})
	return result, err
}

// AppendLimitDenial logs a denial for observability (spec §4.B: "every
// denial is logged to LimitDenial").
func (s *Store) AppendLimitDenial(ctx context.Context, op, scopeKey, code string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO limit_denials (op, scope_key, code) VALUES ($1,$2,$3)`, op, scopeKey, code)
	return err
}

// CountLimitDenialsSince returns the denial count since cutoff, used by
// /ops/stats.limits.denials_24h.
func (s *Store) CountLimitDenialsSince(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM limit_denials WHERE created_at >= $1`, cutoff).Scan(&n)
	return n, err
}
