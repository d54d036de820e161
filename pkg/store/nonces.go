package store

import (
	"context"
	"time"
)

// NonceExists reports whether requestID has already been recorded, without
// claiming it — the check-only replay test of spec §4.D step 4. Callers
// that go on to accept the request must still call ClaimNonce once every
// later step (the HMAC check, step 5) has passed, since a peek here leaves
// a race window a concurrent duplicate request could still slip through;
// ClaimNonce's unique-insert closes that race for the caller that wins it.
func (s *Store) NonceExists(ctx context.Context, requestID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM nonces WHERE request_id = $1)`, requestID).Scan(&exists)
	return exists, err
}

// ClaimNonce attempts to record requestID as seen. Returns claimed=false
// (no error) if the id already exists — used at spec §4.D step 6 to
// persist the nonce once a request has been fully verified.
func (s *Store) ClaimNonce(ctx context.Context, requestID string, receivedAt time.Time) (claimed bool, err error) {
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nonces (request_id, received_at) VALUES ($1, $2)`, requestID, receivedAt)
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, err
}

// PruneNonces deletes nonces older than olderThan and, if the remaining
// count still exceeds cap, deletes the oldest excess rows — implementing
// spec §4.D step 6 (TTL cleanup plus NONCE_CAP).
func (s *Store) PruneNonces(ctx context.Context, olderThan time.Time, capRows int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM nonces WHERE received_at < $1`, olderThan); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM nonces WHERE request_id IN (
			SELECT request_id FROM nonces ORDER BY received_at DESC OFFSET $1
		)`, capRows)
	return err
}
