package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTransferTerminal is returned for writes against a completed, failed,
// or cancelled transfer. Terminal states are final.
var ErrTransferTerminal = errors.New("transfer in terminal state")

func (s *Store) CreateTransfer(ctx context.Context, t FileTransfer) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if t.Status == "" {
		t.Status = TransferPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transfers (id, file_name, file_size, file_hash, mime_type, sender_id,
			recipient_ids, channel_id, chunks_total, chunks_received, received_bitmap,
			progress_percent, status, direction, local_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.FileName, t.FileSize, t.FileHash, t.MimeType, t.SenderID,
		marshalSet(t.RecipientIDs), t.ChannelID, t.ChunksTotal, t.ChunksReceived, t.ReceivedBitmap,
		t.Progress, t.Status, t.Direction, t.LocalPath, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *Store) GetTransfer(ctx context.Context, id string) (*FileTransfer, error) {
	t := &FileTransfer{}
	var recipients string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, file_name, file_size, file_hash, mime_type, sender_id, recipient_ids,
			channel_id, chunks_total, chunks_received, received_bitmap, progress_percent,
			status, direction, local_path, created_at, updated_at
		FROM transfers WHERE id = ?
	`, id).Scan(&t.ID, &t.FileName, &t.FileSize, &t.FileHash, &t.MimeType, &t.SenderID, &recipients,
		&t.ChannelID, &t.ChunksTotal, &t.ChunksReceived, &t.ReceivedBitmap, &t.Progress,
		&t.Status, &t.Direction, &t.LocalPath, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.RecipientIDs = unmarshalSet(recipients)
	return t, nil
}

func (s *Store) ListTransfers(ctx context.Context) ([]FileTransfer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_name, file_size, file_hash, mime_type, sender_id, recipient_ids,
			channel_id, chunks_total, chunks_received, received_bitmap, progress_percent,
			status, direction, local_path, created_at, updated_at
		FROM transfers ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []FileTransfer
	for rows.Next() {
		var t FileTransfer
		var recipients string
		if err := rows.Scan(&t.ID, &t.FileName, &t.FileSize, &t.FileHash, &t.MimeType, &t.SenderID,
			&recipients, &t.ChannelID, &t.ChunksTotal, &t.ChunksReceived, &t.ReceivedBitmap,
			&t.Progress, &t.Status, &t.Direction, &t.LocalPath, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.RecipientIDs = unmarshalSet(recipients)
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// UpdateTransferProgress persists chunk bookkeeping. Writes against a
// terminal transfer are rejected so a late chunk cannot resurrect a
// cancelled transfer.
func (s *Store) UpdateTransferProgress(ctx context.Context, id string, chunksReceived int, bitmap []byte, progress float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transfers
		SET chunks_received = ?, received_bitmap = ?, progress_percent = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, chunksReceived, bitmap, progress, time.Now().UTC(), id,
		TransferCompleted, TransferFailed, TransferCancelled)
	if err != nil {
		return err
	}
	return s.checkTransferWrite(ctx, res, id)
}

// SetTransferStatus moves the transfer through its lifecycle. Transitions
// out of a terminal state are rejected.
func (s *Store) SetTransferStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transfers SET status = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?, ?)
	`, status, time.Now().UTC(), id, TransferCompleted, TransferFailed, TransferCancelled)
	if err != nil {
		return err
	}
	return s.checkTransferWrite(ctx, res, id)
}

func (s *Store) SetTransferLocalPath(ctx context.Context, id, path string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transfers SET local_path = ?, updated_at = ? WHERE id = ?
	`, path, time.Now().UTC(), id)
	return err
}

func (s *Store) checkTransferWrite(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM transfers WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("transfer %s not found", id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrTransferTerminal, id, status)
}
