package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveDeviceKey stores this device's key record. Re-saving an existing
// device id is a no-op, which keeps first-run init idempotent.
func (s *Store) SaveDeviceKey(ctx context.Context, rec DeviceKeyRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_keys (device_id, public_key, fingerprint, verify_key, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO NOTHING
	`, rec.DeviceID, rec.PublicKey, rec.Fingerprint, rec.VerifyKey, rec.CreatedAt)
	return err
}

func (s *Store) GetDeviceKey(ctx context.Context, deviceID string) (*DeviceKeyRecord, error) {
	rec := &DeviceKeyRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, public_key, fingerprint, verify_key, created_at
		FROM device_keys WHERE device_id = ?
	`, deviceID).Scan(&rec.DeviceID, &rec.PublicKey, &rec.Fingerprint, &rec.VerifyKey, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// UpsertPeerKey writes a peer key record. Key rotations must go through
// RecordPeerKeyChange instead so the change log stays complete; this path
// is for first sightings and non-key field refreshes.
func (s *Store) UpsertPeerKey(ctx context.Context, rec PeerKeyRecord) error {
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peer_keys (peer_device_id, public_key, fingerprint, verify_key, verified, safety_number, first_seen, last_key_change)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(peer_device_id) DO UPDATE SET
			public_key = excluded.public_key,
			fingerprint = excluded.fingerprint,
			verify_key = excluded.verify_key,
			verified = excluded.verified,
			safety_number = excluded.safety_number
	`, rec.PeerDeviceID, rec.PublicKey, rec.Fingerprint, rec.VerifyKey, boolInt(rec.Verified), rec.SafetyNumber, rec.FirstSeen)
	return err
}

func (s *Store) GetPeerKey(ctx context.Context, peerDeviceID string) (*PeerKeyRecord, error) {
	rec, err := s.scanPeerKey(s.db.QueryRowContext(ctx, `
		SELECT peer_device_id, public_key, fingerprint, verify_key, verified, safety_number, first_seen, last_key_change
		FROM peer_keys WHERE peer_device_id = ?
	`, peerDeviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (s *Store) ListPeerKeys(ctx context.Context) ([]PeerKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT peer_device_id, public_key, fingerprint, verify_key, verified, safety_number, first_seen, last_key_change
		FROM peer_keys ORDER BY first_seen, peer_device_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []PeerKeyRecord
	for rows.Next() {
		var rec PeerKeyRecord
		var verified int
		var lastChange sql.NullTime
		if err := rows.Scan(&rec.PeerDeviceID, &rec.PublicKey, &rec.Fingerprint, &rec.VerifyKey,
			&verified, &rec.SafetyNumber, &rec.FirstSeen, &lastChange); err != nil {
			return nil, err
		}
		rec.Verified = verified == 1
		if lastChange.Valid {
			rec.LastKeyChange = lastChange.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) SetPeerVerified(ctx context.Context, peerDeviceID string, verified bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE peer_keys SET verified = ? WHERE peer_device_id = ?
	`, boolInt(verified), peerDeviceID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("peer key %s not found", peerDeviceID)
	}
	return nil
}

// RecordPeerKeyChange logs a key rotation and overwrites the peer key record
// in one transaction. The change row is inserted first; if anything fails
// the old key survives untouched. The rewritten record always drops back to
// unverified.
func (s *Store) RecordPeerKeyChange(ctx context.Context, change SafetyNumberChange, updated PeerKeyRecord) error {
	if change.ID == "" {
		change.ID = uuid.New().String()
	}
	if change.ChangedAt.IsZero() {
		change.ChangedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO safety_number_changes (id, peer_device_id, old_safety_number, new_safety_number, changed_at, acknowledged)
		VALUES (?, ?, ?, ?, ?, 0)
	`, change.ID, change.PeerDeviceID, change.OldSafetyNumber, change.NewSafetyNumber, change.ChangedAt); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE peer_keys
		SET public_key = ?, fingerprint = ?, verify_key = ?, verified = 0, safety_number = ?, last_key_change = ?
		WHERE peer_device_id = ?
	`, updated.PublicKey, updated.Fingerprint, updated.VerifyKey, updated.SafetyNumber, change.ChangedAt, change.PeerDeviceID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("peer key %s not found", change.PeerDeviceID)
	}
	return tx.Commit()
}

func (s *Store) ListUnacknowledgedChanges(ctx context.Context) ([]SafetyNumberChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, peer_device_id, old_safety_number, new_safety_number, changed_at, acknowledged
		FROM safety_number_changes WHERE acknowledged = 0
		ORDER BY changed_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []SafetyNumberChange
	for rows.Next() {
		var c SafetyNumberChange
		var acked int
		if err := rows.Scan(&c.ID, &c.PeerDeviceID, &c.OldSafetyNumber, &c.NewSafetyNumber, &c.ChangedAt, &acked); err != nil {
			return nil, err
		}
		c.Acknowledged = acked == 1
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func (s *Store) AcknowledgeChange(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE safety_number_changes SET acknowledged = 1 WHERE id = ?
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("safety change %s not found", id)
	}
	return nil
}

func (s *Store) scanPeerKey(row *sql.Row) (*PeerKeyRecord, error) {
	rec := &PeerKeyRecord{}
	var verified int
	var lastChange sql.NullTime
	err := row.Scan(&rec.PeerDeviceID, &rec.PublicKey, &rec.Fingerprint, &rec.VerifyKey,
		&verified, &rec.SafetyNumber, &rec.FirstSeen, &lastChange)
	if err != nil {
		return nil, err
	}
	rec.Verified = verified == 1
	if lastChange.Valid {
		rec.LastKeyChange = lastChange.Time
	}
	return rec, nil
}
