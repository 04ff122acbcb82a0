package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) CreateChannel(ctx context.Context, ch Channel) error {
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, name, type, description, topic, created_by, members, admins, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ch.ID, ch.Name, ch.Type, ch.Description, ch.Topic, ch.CreatedBy,
		marshalSet(ch.Members), marshalSet(ch.Admins), ch.CreatedAt)
	return err
}

func (s *Store) GetChannel(ctx context.Context, id string) (*Channel, error) {
	ch := &Channel{}
	var members, admins string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, description, topic, created_by, members, admins, created_at
		FROM channels WHERE id = ?
	`, id).Scan(&ch.ID, &ch.Name, &ch.Type, &ch.Description, &ch.Topic, &ch.CreatedBy, &members, &admins, &ch.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	ch.Members = unmarshalSet(members)
	ch.Admins = unmarshalSet(admins)
	return ch, nil
}

func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, description, topic, created_by, members, admins, created_at
		FROM channels ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var ch Channel
		var members, admins string
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Type, &ch.Description, &ch.Topic, &ch.CreatedBy, &members, &admins, &ch.CreatedAt); err != nil {
			return nil, err
		}
		ch.Members = unmarshalSet(members)
		ch.Admins = unmarshalSet(admins)
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// UpdateChannelMembership replaces the member and admin sets in one write.
// Callers validate the mutation; the store only persists it.
func (s *Store) UpdateChannelMembership(ctx context.Context, id string, members, admins []string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE channels SET members = ?, admins = ? WHERE id = ?
	`, marshalSet(members), marshalSet(admins), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("channel %s not found", id)
	}
	return nil
}

func (s *Store) SetChannelTopic(ctx context.Context, id, topic string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channels SET topic = ? WHERE id = ?`, topic, id)
	return err
}
