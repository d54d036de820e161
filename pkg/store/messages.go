package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Message is a single inbound/outbound chat entry. (chat_jid, timestamp,
// message_id) totally orders messages within a chat.
type Message struct {
	MessageID  string
	ChatJID    string
	Sender     string
	SenderName string
	Content    string
	Timestamp  time.Time
	FromSelf   bool
}

// InsertMessage stores a message, ignoring duplicate message_id (channel
// drivers may redeliver).
func (s *Store) InsertMessage(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, chat_jid, sender, sender_name, content, "timestamp", from_self)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (message_id) DO NOTHING`,
		m.MessageID, m.ChatJID, m.Sender, m.SenderName, m.Content, m.Timestamp, m.FromSelf)
	return err
}

// MessagesAfter returns messages for chatJID strictly after afterTS (or all,
// if afterTS is the zero time), ordered timestamp-ascending with message_id
// as a tiebreaker to satisfy the total-order invariant.
func (s *Store) MessagesAfter(ctx context.Context, chatJID string, afterTS time.Time) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, chat_jid, sender, sender_name, content, "timestamp", from_self
		FROM messages
		WHERE chat_jid = $1 AND "timestamp" > $2
		ORDER BY "timestamp" ASC, message_id ASC`,
		chatJID, afterTS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.ChatJID, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp, &m.FromSelf); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LatestTimestamp returns the timestamp of the most recently stored message
// across all chats, or the zero time if none exist.
func (s *Store) LatestTimestamp(ctx context.Context) (time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT MAX("timestamp") FROM messages`).Scan(&ts)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}
