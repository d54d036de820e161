package store

import "context"

// AppendMemoryAccess logs a single mem_recall visibility decision, per spec
// §4.I: "an access log is appended for each returned and each denied memory."
func (s *Store) AppendMemoryAccess(ctx context.Context, memoryID, callerGroup string, allowed bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_access_log (memory_id, caller_group, allowed) VALUES ($1,$2,$3)`,
		memoryID, callerGroup, allowed)
	return err
}
