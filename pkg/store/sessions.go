package store

import (
	"context"
	"database/sql"
	"errors"
)

// SessionFor returns the session id mapped to chatJID, or ErrNotFound if no
// session has been created yet.
func (s *Store) SessionFor(ctx context.Context, chatJID string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM sessions WHERE chat_jid = $1`, chatJID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return sessionID, err
}

// SetSession replaces (or creates) the session mapping for chatJID. Any
// session id streamed back by the agent replaces the prior mapping.
func (s *Store) SetSession(ctx context.Context, chatJID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (chat_jid, session_id, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (chat_jid) DO UPDATE SET session_id = EXCLUDED.session_id, updated_at = now()`,
		chatJID, sessionID)
	return err
}

// DeleteSession removes the session mapping for chatJID.
func (s *Store) DeleteSession(ctx context.Context, chatJID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE chat_jid = $1`, chatJID)
	return err
}
