package limits

import (
	"context"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/store"
)

// breakerOpen reports whether provider is currently denying calls,
// performing the OPEN→HALF_OPEN transition inline when cooldown has
// elapsed (spec §4.B breaker state machine).
func (e *Engine) breakerOpen(ctx context.Context, provider string, now time.Time) (bool, error) {
	b, err := e.store.GetOrCreateBreaker(ctx, provider)
	if err != nil {
		return false, err
	}

	switch b.State {
	case "CLOSED":
		return false, nil
	case "HALF_OPEN":
		cooldown := time.Duration(e.breaker.CooldownSec) * time.Second
		if b.LastProbeAt != nil && now.Sub(*b.LastProbeAt) < cooldown {
			// A probe already went out this cooldown window; deny further
			// calls until RecordSuccess/RecordFailure resolves it or the
			// next window opens.
			return true, nil
		}
		// Claim this window's single probe slot. A CAS loss means another
		// caller claimed it first; treat this call as denied rather than
		// letting two probes through concurrently.
		_, err := e.store.UpdateBreakerCAS(ctx, provider, "HALF_OPEN", func(br *store.Breaker) {
			br.LastProbeAt = &now
		})
		if err == store.ErrVersionConflict {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return false, nil
	case "OPEN":
		if b.OpenedAt == nil {
			return true, nil
		}
		cooldown := time.Duration(e.breaker.CooldownSec) * time.Second
		if now.Sub(*b.OpenedAt) < cooldown {
			return true, nil
		}
		_, err := e.store.UpdateBreakerCAS(ctx, provider, "OPEN", func(br *store.Breaker) {
			br.State = "HALF_OPEN"
			br.LastProbeAt = &now
		})
		if err != nil && err != store.ErrVersionConflict {
			return false, err
		}
		return false, nil
	default:
		return false, nil
	}
}

// RecordSuccess transitions CLOSED stays CLOSED; HALF_OPEN→CLOSED with
// counters reset (spec §4.B: "on success, transition to CLOSED and reset
// counters").
func (e *Engine) RecordSuccess(ctx context.Context, provider string, now time.Time) error {
	b, err := e.store.GetOrCreateBreaker(ctx, provider)
	if err != nil {
		return err
	}
	if b.State == "CLOSED" {
		return nil
	}
	_, err = e.store.UpdateBreakerCAS(ctx, provider, b.State, func(br *store.Breaker) {
		br.State = "CLOSED"
		br.FailCount = 0
		br.OpenedAt = nil
	})
	if err == store.ErrVersionConflict {
		return nil // another caller already advanced the breaker; not an error
	}
	return err
}

// RecordFailure increments the failure count; CLOSED transitions to OPEN
// once failures reach OpenAfterFails within FailWindowSec; HALF_OPEN
// re-enters OPEN immediately on any probe failure.
func (e *Engine) RecordFailure(ctx context.Context, provider string, now time.Time) error {
	b, err := e.store.GetOrCreateBreaker(ctx, provider)
	if err != nil {
		return err
	}

	if b.State == "HALF_OPEN" {
		_, err := e.store.UpdateBreakerCAS(ctx, provider, "HALF_OPEN", func(br *store.Breaker) {
			br.State = "OPEN"
			br.FailCount++
			br.LastFailAt = &now
			br.OpenedAt = &now
		})
		if err == store.ErrVersionConflict {
			return nil
		}
		return err
	}

	window := time.Duration(e.breaker.FailWindowSec) * time.Second
	_, err = e.store.UpdateBreakerCAS(ctx, provider, b.State, func(br *store.Breaker) {
		if br.LastFailAt == nil || now.Sub(*br.LastFailAt) > window {
			br.FailCount = 0
		}
		br.FailCount++
		br.LastFailAt = &now
		if br.FailCount >= e.breaker.OpenAfterFails {
			br.State = "OPEN"
			br.OpenedAt = &now
		}
	})
	if err == store.ErrVersionConflict {
		return nil
	}
	return err
}
