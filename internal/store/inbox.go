package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/donna/internal/channels"
	"github.com/haasonsaas/donna/pkg/models"
)

// InboxStore implements channels.Inbox on SQLite.
type InboxStore struct {
	db *sql.DB
}

func (s *InboxStore) Enqueue(ctx context.Context, msg *models.InboundMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	// Transports may redeliver after reconnects; the primary key makes the
	// enqueue idempotent per message id.
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbox
		 (id, channel, chat_id, sender_id, text, is_group, from_self, sent_at, processed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, string(msg.Channel), msg.ChatID, msg.SenderID, msg.Text,
		msg.IsGroup, msg.FromSelf, encodeTime(msg.SentAt), msg.Processed)
	if err != nil {
		return fmt.Errorf("insert inbound message: %w", err)
	}
	return nil
}

func (s *InboxStore) Unprocessed(ctx context.Context, channel models.Source) ([]*models.InboundMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, chat_id, sender_id, text, is_group, from_self, sent_at, processed
		 FROM inbox WHERE channel = ? AND processed = 0 ORDER BY sent_at`,
		string(channel))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.InboundMessage
	for rows.Next() {
		var (
			msg    models.InboundMessage
			ch     string
			sentAt sql.NullString
		)
		if err := rows.Scan(&msg.ID, &ch, &msg.ChatID, &msg.SenderID, &msg.Text,
			&msg.IsGroup, &msg.FromSelf, &sentAt, &msg.Processed); err != nil {
			return nil, err
		}
		msg.Channel = models.Source(ch)
		msg.SentAt = decodeTime(sentAt)
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (s *InboxStore) MarkProcessed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE inbox SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return channels.ErrInboxRowNotFound
	}
	return nil
}
