package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertPeer inserts the peer or refreshes its identity fields and
// last_seen. Status is only promoted here; going offline is MarkStalePeers'
// or SetPeerStatus's job.
func (s *Store) UpsertPeer(ctx context.Context, p Peer) error {
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = PeerOnline
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (id, display_name, device_name, public_key, address, status, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			device_name = excluded.device_name,
			public_key = excluded.public_key,
			address = excluded.address,
			status = excluded.status,
			last_seen = excluded.last_seen
	`, p.ID, p.DisplayName, p.DeviceName, p.PublicKey, p.Address, p.Status, p.LastSeen)
	return err
}

func (s *Store) GetPeer(ctx context.Context, id string) (*Peer, error) {
	p := &Peer{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, device_name, public_key, address, status, last_seen
		FROM peers WHERE id = ?
	`, id).Scan(&p.ID, &p.DisplayName, &p.DeviceName, &p.PublicKey, &p.Address, &p.Status, &p.LastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) ListPeers(ctx context.Context) ([]Peer, error) {
	return s.listPeers(ctx, `
		SELECT id, display_name, device_name, public_key, address, status, last_seen
		FROM peers ORDER BY display_name, id
	`)
}

func (s *Store) ListPeersByStatus(ctx context.Context, status string) ([]Peer, error) {
	return s.listPeers(ctx, `
		SELECT id, display_name, device_name, public_key, address, status, last_seen
		FROM peers WHERE status = ? ORDER BY display_name, id
	`, status)
}

func (s *Store) listPeers(ctx context.Context, query string, args ...any) ([]Peer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		var p Peer
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.DeviceName, &p.PublicKey, &p.Address, &p.Status, &p.LastSeen); err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

func (s *Store) SetPeerStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE peers SET status = ? WHERE id = ?`, status, id)
	return err
}

// TouchPeer refreshes last_seen and forces the peer online. Called on every
// heartbeat and discovery sighting.
func (s *Store) TouchPeer(ctx context.Context, id string, seen time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE peers SET status = ?, last_seen = ? WHERE id = ?
	`, PeerOnline, seen.UTC(), id)
	return err
}

// MarkStalePeers flips online peers not seen since the cutoff to offline and
// returns their ids so callers can emit events.
func (s *Store) MarkStalePeers(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM peers WHERE status = ? AND last_seen < ?
	`, PeerOnline, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(stale) == 0 {
		return nil, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE peers SET status = ? WHERE status = ? AND last_seen < ?
	`, PeerOffline, PeerOnline, cutoff.UTC()); err != nil {
		return nil, err
	}
	return stale, tx.Commit()
}
