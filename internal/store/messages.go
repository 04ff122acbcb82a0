package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) InsertMessage(ctx context.Context, m Message) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, channel_id, sender_id, sender_name, type, content, encrypted,
			timestamp, delivered_to, read_by, reply_to, thread_id, file_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ChannelID, m.SenderID, m.SenderName, m.Type, m.Content, boolInt(m.Encrypted),
		m.Timestamp, marshalSet(m.DeliveredTo), marshalSet(m.ReadBy), m.ReplyTo, m.ThreadID, m.FileMetadata)
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := s.scanMessage(s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, sender_id, sender_name, type, content, encrypted,
			timestamp, delivered_to, read_by, reply_to, thread_id, file_metadata
		FROM messages WHERE id = ?
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// MessageHistory returns up to limit messages for the channel, newest first.
func (s *Store) MessageHistory(ctx context.Context, channelID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, sender_id, sender_name, type, content, encrypted,
			timestamp, delivered_to, read_by, reply_to, thread_id, file_metadata
		FROM messages WHERE channel_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var deliveredTo, readBy string
		var encrypted int
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.SenderName, &m.Type, &m.Content,
			&encrypted, &m.Timestamp, &deliveredTo, &readBy, &m.ReplyTo, &m.ThreadID, &m.FileMetadata); err != nil {
			return nil, err
		}
		m.Encrypted = encrypted == 1
		m.DeliveredTo = unmarshalSet(deliveredTo)
		m.ReadBy = unmarshalSet(readBy)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AppendDeliveredTo adds peerID to the message's delivery set. The
// read-modify-write runs in a transaction so the set only ever grows.
func (s *Store) AppendDeliveredTo(ctx context.Context, messageID, peerID string) error {
	return s.appendToSet(ctx, "delivered_to", messageID, peerID)
}

// AppendReadBy adds peerID to the message's read set.
func (s *Store) AppendReadBy(ctx context.Context, messageID, peerID string) error {
	return s.appendToSet(ctx, "read_by", messageID, peerID)
}

func (s *Store) appendToSet(ctx context.Context, column, messageID, peerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM messages WHERE id = ?`, column), messageID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %s not found", messageID)
		}
		return err
	}

	set, changed := appendUnique(unmarshalSet(raw), peerID)
	if !changed {
		return tx.Commit()
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE messages SET %s = ? WHERE id = ?`, column), marshalSet(set), messageID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) scanMessage(row *sql.Row) (*Message, error) {
	m := &Message{}
	var deliveredTo, readBy string
	var encrypted int
	err := row.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.SenderName, &m.Type, &m.Content,
		&encrypted, &m.Timestamp, &deliveredTo, &readBy, &m.ReplyTo, &m.ThreadID, &m.FileMetadata)
	if err != nil {
		return nil, err
	}
	m.Encrypted = encrypted == 1
	m.DeliveredTo = unmarshalSet(deliveredTo)
	m.ReadBy = unmarshalSet(readBy)
	return m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
