package memory

import "context"

// storeAccessLogger is the store-backed AccessLogger used in production;
// tests substitute a fake to assert on calls without a database.
type storeAccessLogger struct {
	store interface {
		AppendMemoryAccess(ctx context.Context, memoryID, callerGroup string, allowed bool) error
	}
}

// NewStoreAccessLogger wraps pkg/store's append-only memory access log.
func NewStoreAccessLogger(s interface {
	AppendMemoryAccess(ctx context.Context, memoryID, callerGroup string, allowed bool) error
}) AccessLogger {
	return &storeAccessLogger{store: s}
}

func (l *storeAccessLogger) LogAccess(ctx context.Context, caller Caller, memoryID string, allowed bool) {
	_ = l.store.AppendMemoryAccess(ctx, memoryID, caller.Group, allowed)
}
