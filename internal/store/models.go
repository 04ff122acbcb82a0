package store

import (
	"time"
)

const (
	PeerOnline  = "online"
	PeerOffline = "offline"
)

// Peer is a remote device as last seen on the mesh. Rows are never
// hard-deleted; a vanished peer goes offline and keeps its history.
type Peer struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	DeviceName  string    `json:"device_name"`
	PublicKey   string    `json:"public_key"`
	Address     string    `json:"address"`
	Status      string    `json:"status"`
	LastSeen    time.Time `json:"last_seen"`
}

const (
	ChannelGroup = "group"
	ChannelDM    = "dm"
)

// Channel groups messages. Members and Admins keep insertion order.
type Channel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Topic       string    `json:"topic,omitempty"`
	CreatedBy   string    `json:"created_by"`
	Members     []string  `json:"members"`
	Admins      []string  `json:"admins"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	MessageText = "text"
	MessageFile = "file"
)

// Message is one chat message. Content holds hex ciphertext when Encrypted
// is set. DeliveredTo and ReadBy only ever grow.
type Message struct {
	ID           string    `json:"id"`
	ChannelID    string    `json:"channel_id"`
	SenderID     string    `json:"sender_id"`
	SenderName   string    `json:"sender_name"`
	Type         string    `json:"type"`
	Content      string    `json:"content"`
	Encrypted    bool      `json:"encrypted"`
	Timestamp    time.Time `json:"timestamp"`
	DeliveredTo  []string  `json:"delivered_to"`
	ReadBy       []string  `json:"read_by"`
	ReplyTo      string    `json:"reply_to,omitempty"`
	ThreadID     string    `json:"thread_id,omitempty"`
	FileMetadata string    `json:"file_metadata,omitempty"`
}

const (
	TransferPending   = "pending"
	TransferActive    = "active"
	TransferCompleted = "completed"
	TransferFailed    = "failed"
	TransferCancelled = "cancelled"

	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// TransferTerminal reports whether a transfer status is final.
func TransferTerminal(status string) bool {
	switch status {
	case TransferCompleted, TransferFailed, TransferCancelled:
		return true
	}
	return false
}

// FileTransfer tracks one side of a chunked file transfer. ReceivedBitmap
// marks which chunk indexes have landed, so resume survives gaps.
type FileTransfer struct {
	ID             string    `json:"id"`
	FileName       string    `json:"file_name"`
	FileSize       int64     `json:"file_size"`
	FileHash       string    `json:"file_hash"`
	MimeType       string    `json:"mime_type"`
	SenderID       string    `json:"sender_id"`
	RecipientIDs   []string  `json:"recipient_ids"`
	ChannelID      string    `json:"channel_id,omitempty"`
	ChunksTotal    int       `json:"chunks_total"`
	ChunksReceived int       `json:"chunks_received"`
	ReceivedBitmap []byte    `json:"-"`
	Progress       float64   `json:"progress_percent"`
	Status         string    `json:"status"`
	Direction      string    `json:"direction"`
	LocalPath      string    `json:"local_path,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DeviceKeyRecord is this device's long-lived identity key material.
type DeviceKeyRecord struct {
	DeviceID    string    `json:"device_id"`
	PublicKey   string    `json:"public_key"`
	Fingerprint string    `json:"fingerprint"`
	VerifyKey   string    `json:"verify_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// PeerKeyRecord is trust-on-first-use key material for a remote device.
type PeerKeyRecord struct {
	PeerDeviceID  string    `json:"peer_device_id"`
	PublicKey     string    `json:"public_key"`
	Fingerprint   string    `json:"fingerprint"`
	VerifyKey     string    `json:"verify_key,omitempty"`
	Verified      bool      `json:"verified"`
	SafetyNumber  string    `json:"safety_number"`
	FirstSeen     time.Time `json:"first_seen"`
	LastKeyChange time.Time `json:"last_key_change,omitempty"`
}

// SafetyNumberChange records a detected peer key rotation. The row is
// written before the key record is overwritten, in the same transaction.
type SafetyNumberChange struct {
	ID              string    `json:"id"`
	PeerDeviceID    string    `json:"peer_device_id"`
	OldSafetyNumber string    `json:"old_safety_number"`
	NewSafetyNumber string    `json:"new_safety_number"`
	ChangedAt       time.Time `json:"changed_at"`
	Acknowledged    bool      `json:"acknowledged"`
}
