// Package agentlock implements the single process-wide agent lock (spec
// §4.H, §5): only one agent invocation — whether originated by the
// Router, the Scheduler, or the Governance Loop — may run at a time in
// the host process. Encapsulated as a lifetimed component per spec §9
// ("never rely on process-wide singletons implicitly initialized at
// import time"), rather than a package-level mutable flag.
package agentlock

import "sync/atomic"

// Lock guards agent execution. Acquire returns true exactly once until the
// matching Release is called; a second concurrent Acquire attempt returns
// false so the caller can defer its batch to the next tick instead of
// queuing (spec §4.H: "an inbound batch attempting to run while the lock
// is held is deferred ... the router continues — no queue").
type Lock struct {
	held atomic.Bool
}

// New returns a released Lock.
func New() *Lock {
	return &Lock{}
}

// Acquire attempts to take the lock. It returns true exactly once per
// acquire/release cycle; concurrent callers all but one receive false.
func (l *Lock) Acquire() bool {
	return l.held.CompareAndSwap(false, true)
}

// Release frees the lock for the next acquirer.
func (l *Lock) Release() {
	l.held.Store(false)
}

// Held reports whether the lock is currently taken, for observability
// (e.g. /ops/stats).
func (l *Lock) Held() bool {
	return l.held.Load()
}
