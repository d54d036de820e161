package store

import (
	"context"
	"database/sql"
	"time"
)

// LastTimestamp returns the router's process-wide cursor: the timestamp of
// the last message the router has observed (not necessarily processed).
func (s *Store) LastTimestamp(ctx context.Context) (time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT last_timestamp FROM router_state WHERE id = 'global'`).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

// SetLastTimestamp persists the router's observed-message cursor.
func (s *Store) SetLastTimestamp(ctx context.Context, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO router_state (id, last_timestamp) VALUES ('global', $1)
		ON CONFLICT (id) DO UPDATE SET last_timestamp = EXCLUDED.last_timestamp`, ts)
	return err
}

// LastAgentTimestamp returns the per-chat processed-message cursor, or the
// zero time if the chat has never been processed.
func (s *Store) LastAgentTimestamp(ctx context.Context, chatJID string) (time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT last_agent_timestamp FROM router_chat_cursors WHERE chat_jid = $1`, chatJID).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

// SetLastAgentTimestamp persists the per-chat processed-message cursor. This
// is the write used by both the cursor advance and the error rollback of
// the router's cursor discipline.
func (s *Store) SetLastAgentTimestamp(ctx context.Context, chatJID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO router_chat_cursors (chat_jid, last_agent_timestamp) VALUES ($1, $2)
		ON CONFLICT (chat_jid) DO UPDATE SET last_agent_timestamp = EXCLUDED.last_agent_timestamp`,
		chatJID, ts)
	return err
}

// PendingChats returns the distinct chat_jids that have at least one message
// strictly after their persisted last_agent_timestamp cursor (or any
// message at all, for a chat never processed). The router's per-tick
// aggregation window (spec §4.H) is built from this set.
func (s *Store) PendingChats(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT m.chat_jid
		FROM messages m
		LEFT JOIN router_chat_cursors c ON c.chat_jid = m.chat_jid
		WHERE m."timestamp" > coalesce(c.last_agent_timestamp, '-infinity'::timestamptz)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var chatJID string
		if err := rows.Scan(&chatJID); err != nil {
			return nil, err
		}
		out = append(out, chatJID)
	}
	return out, rows.Err()
}
