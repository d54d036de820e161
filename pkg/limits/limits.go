// Package limits implements the Limits Engine (spec §4.B): a single
// enforce() entry point that checks a kill switch, a per-provider circuit
// breaker, a per-minute rate counter, and a daily quota, in that order,
// short-circuiting on the first deny. The registry-of-named-rules shape is
// grounded on the teacher's pkg/masking/service.go (a registry of compiled
// rules consulted in a fixed order); the gating order mirrors the
// dispatcher-side governance checks in wandealves-AIOX's
// internal/worker/dispatcher.go (blocked/allowed checks performed before
// dispatch proceeds).
package limits

import (
	"context"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/store"
)

// Code enumerates the uniform deny codes spec §4.B requires.
type Code string

const (
	CodeNone                Code = ""
	CodeRateLimitExceeded    Code = "RATE_LIMIT_EXCEEDED"
	CodeDailyQuotaExceeded   Code = "DAILY_QUOTA_EXCEEDED"
	CodeDailyQuotaSoftWarn   Code = "DAILY_QUOTA_SOFT_WARN"
	CodeProviderBreakerOpen  Code = "PROVIDER_BREAKER_OPEN"
	CodeLimitsDisabled       Code = "LIMITS_DISABLED"
	CodeNotAuthorized        Code = "NOT_AUTHORIZED"
	CodeFeatureDisabled      Code = "FEATURE_DISABLED"
)

// extCallOps and embeddingOps are the Op families gated by the
// EXT_CALLS_ENABLED/EMBEDDINGS_ENABLED feature flags (spec §6 environment
// variables), independent of the kill switch and of whether a rate/quota
// limit is configured for the op.
var extCallOps = map[string]bool{"external_call": true, "trello": true, "slack": true}
var embeddingOps = map[string]bool{"embeddings": true}

// Context carries the per-call parameters enforce() needs.
type Context struct {
	Op        string // operation family, e.g. "cockpit_write", "agent_run"
	ScopeKey  string // rate/quota partition key, e.g. a group name
	Provider  string // breaker target; empty skips the breaker check
	Now       time.Time
	RateLimit int // configured per-minute limit for Op; 0 = not authorized
	SoftLimit int
	HardLimit int
}

// Decision is enforce()'s result.
type Decision struct {
	Allowed  bool
	Code     Code
	SoftWarn bool
	Detail   string
}

// Engine enforces limits against pkg/store-backed counters.
type Engine struct {
	store             *store.Store
	breaker           *BreakerConfig
	enabled           bool
	extCallsEnabled   bool
	embeddingsEnabled bool
}

// BreakerConfig configures the circuit breaker state machine (spec §4.B).
type BreakerConfig struct {
	OpenAfterFails int
	FailWindowSec  int
	CooldownSec    int
}

// FeatureFlags gates whole Op families independently of the kill switch,
// per spec §6's EXT_CALLS_ENABLED/EMBEDDINGS_ENABLED environment variables.
type FeatureFlags struct {
	ExtCallsEnabled   bool
	EmbeddingsEnabled bool
}

// New constructs an Engine. enabled mirrors LIMITS_ENABLED; when false,
// enforce always returns allowed=true with CodeLimitsDisabled noted for
// observability but never used to deny.
func New(s *store.Store, breaker BreakerConfig, enabled bool, features FeatureFlags) *Engine {
	return &Engine{
		store: s, breaker: &breaker, enabled: enabled,
		extCallsEnabled: features.ExtCallsEnabled, embeddingsEnabled: features.EmbeddingsEnabled,
	}
}

// Enforce implements the check order of spec §4.B: kill switch, feature
// flags, breaker, rate counter, daily quota.
func (e *Engine) Enforce(ctx context.Context, c Context) (Decision, error) {
	if !e.enabled {
		return Decision{Allowed: true, Code: CodeLimitsDisabled}, nil
	}

	if extCallOps[c.Op] && !e.extCallsEnabled {
		return e.deny(ctx, c, CodeFeatureDisabled, "external calls are disabled (EXT_CALLS_ENABLED=false)")
	}
	if embeddingOps[c.Op] && !e.embeddingsEnabled {
		return e.deny(ctx, c, CodeFeatureDisabled, "embeddings are disabled (EMBEDDINGS_ENABLED=false)")
	}

	if c.Provider != "" {
		open, err := e.breakerOpen(ctx, c.Provider, c.Now)
		if err != nil {
			return Decision{}, err
		}
		if open {
			return e.deny(ctx, c, CodeProviderBreakerOpen, "circuit breaker open for provider "+c.Provider)
		}
	}

	if c.RateLimit <= 0 {
		return e.deny(ctx, c, CodeNotAuthorized, "no rate limit configured for op "+c.Op)
	}
	windowKey := c.Now.UTC().Format("2006-01-02T15:04")
	count, err := e.store.IncrementRateCounter(ctx, c.Op, c.ScopeKey, windowKey)
	if err != nil {
		return Decision{}, err
	}
	if count > c.RateLimit {
		return e.deny(ctx, c, CodeRateLimitExceeded, "rate limit exceeded")
	}

	if c.HardLimit <= 0 {
		return e.deny(ctx, c, CodeNotAuthorized, "no daily quota configured for op "+c.Op)
	}
	dayKey := c.Now.UTC().Format("2006-01-02")
	q, err := e.store.IncrementQuota(ctx, c.Op, c.ScopeKey, dayKey, c.SoftLimit, c.HardLimit)
	if err != nil {
		return Decision{}, err
	}
	if q.Used > q.HardLimit {
		return e.deny(ctx, c, CodeDailyQuotaExceeded, "daily quota exceeded")
	}
	if q.SoftLimit > 0 && q.Used > q.SoftLimit {
		return Decision{Allowed: true, Code: CodeDailyQuotaSoftWarn, SoftWarn: true}, nil
	}

	return Decision{Allowed: true}, nil
}

func (e *Engine) deny(ctx context.Context, c Context, code Code, detail string) (Decision, error) {
	if err := e.store.AppendLimitDenial(ctx, c.Op, c.ScopeKey, string(code)); err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: false, Code: code, Detail: detail}, nil
}

// PurgeRateCounters opportunistically purges windows older than 5 minutes
// (spec §4.B), intended to be called by a periodic janitor.
func (e *Engine) PurgeRateCounters(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-5 * time.Minute).UTC().Format("2006-01-02T15:04")
	return e.store.PruneRateCounters(ctx, cutoff)
}
