// Package store persists mesh state in an embedded SQLite database: peers,
// channels, messages, file transfers, and key material. It makes no policy
// decisions; managers own the semantics, the store owns durability.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the database at path and runs migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "create store dir")
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init schema")
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS peers (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		device_name TEXT NOT NULL DEFAULT '',
		public_key TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'offline',
		last_seen DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'group',
		description TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		members TEXT NOT NULL DEFAULT '[]',
		admins TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL REFERENCES channels(id),
		sender_id TEXT NOT NULL,
		sender_name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'text',
		content TEXT NOT NULL DEFAULT '',
		encrypted INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME NOT NULL,
		delivered_to TEXT NOT NULL DEFAULT '[]',
		read_by TEXT NOT NULL DEFAULT '[]',
		reply_to TEXT NOT NULL DEFAULT '',
		thread_id TEXT NOT NULL DEFAULT '',
		file_metadata TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		file_hash TEXT NOT NULL DEFAULT '',
		mime_type TEXT NOT NULL DEFAULT '',
		sender_id TEXT NOT NULL,
		recipient_ids TEXT NOT NULL DEFAULT '[]',
		channel_id TEXT NOT NULL DEFAULT '',
		chunks_total INTEGER NOT NULL,
		chunks_received INTEGER NOT NULL DEFAULT 0,
		received_bitmap BLOB,
		progress_percent REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		direction TEXT NOT NULL,
		local_path TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS device_keys (
		device_id TEXT PRIMARY KEY,
		public_key TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		verify_key TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS peer_keys (
		peer_device_id TEXT PRIMARY KEY,
		public_key TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		verify_key TEXT NOT NULL DEFAULT '',
		verified INTEGER NOT NULL DEFAULT 0,
		safety_number TEXT NOT NULL DEFAULT '',
		first_seen DATETIME NOT NULL,
		last_key_change DATETIME
	);

	CREATE TABLE IF NOT EXISTS safety_number_changes (
		id TEXT PRIMARY KEY,
		peer_device_id TEXT NOT NULL REFERENCES peer_keys(peer_device_id),
		old_safety_number TEXT NOT NULL DEFAULT '',
		new_safety_number TEXT NOT NULL DEFAULT '',
		changed_at DATETIME NOT NULL,
		acknowledged INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_peers_status ON peers(status);
	CREATE INDEX IF NOT EXISTS idx_messages_channel_time ON messages(channel_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status);
	CREATE INDEX IF NOT EXISTS idx_safety_changes_peer ON safety_number_changes(peer_device_id, acknowledged);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// marshalSet encodes an ordered string set for a JSON text column. A nil
// slice round-trips as the empty set.
func marshalSet(set []string) string {
	if len(set) == 0 {
		return "[]"
	}
	data, err := json.Marshal(set)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalSet(data string) []string {
	if data == "" {
		return nil
	}
	var set []string
	if err := json.Unmarshal([]byte(data), &set); err != nil {
		return nil
	}
	return set
}

// appendUnique grows an ordered set by one member, preserving order and
// rejecting duplicates.
func appendUnique(set []string, member string) ([]string, bool) {
	for _, m := range set {
		if m == member {
			return set, false
		}
	}
	return append(set, member), true
}
