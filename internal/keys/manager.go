// Package keys manages device and peer key material on top of the store:
// trust-on-first-use peer keys, safety numbers, and the key-change log.
package keys

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"meshtalk/internal/crypto"
	"meshtalk/internal/metrics"
	"meshtalk/internal/store"
)

type Manager struct {
	store  *store.Store
	met    *metrics.Metrics
	log    zerolog.Logger
	keyDir string

	mu       sync.RWMutex
	ident    *crypto.Identity
	deviceID string
}

func NewManager(s *store.Store, keyDir string, met *metrics.Metrics, log zerolog.Logger) *Manager {
	if met == nil {
		met = metrics.New(nil)
	}
	return &Manager{
		store:  s,
		met:    met,
		log:    log.With().Str("component", "keys").Logger(),
		keyDir: keyDir,
	}
}

// InitDeviceKeys loads the device identity from the key dir, generating and
// saving one on first run, and persists the device key record. The device
// id is derived from the public key, so repeated calls are idempotent.
func (m *Manager) InitDeviceKeys(ctx context.Context) error {
	ident, err := crypto.LoadIdentity(m.keyDir)
	if os.IsNotExist(err) {
		ident, err = crypto.GenerateIdentity()
		if err != nil {
			return errors.Wrap(err, "generate device identity")
		}
		if err := os.MkdirAll(m.keyDir, 0o700); err != nil {
			return errors.Wrap(err, "create key dir")
		}
		if err := crypto.SaveIdentity(m.keyDir, ident); err != nil {
			return errors.Wrap(err, "save device identity")
		}
	} else if err != nil {
		return errors.Wrap(err, "load device identity")
	}

	deviceID := crypto.DeriveDeviceID(ident.Pub)
	rec := store.DeviceKeyRecord{
		DeviceID:    deviceID,
		PublicKey:   hex.EncodeToString(ident.Pub),
		Fingerprint: crypto.Fingerprint(ident.Pub),
		VerifyKey:   hex.EncodeToString(ident.Verify),
	}
	if err := m.store.SaveDeviceKey(ctx, rec); err != nil {
		return errors.Wrap(err, "save device key")
	}

	m.mu.Lock()
	m.ident = &ident
	m.deviceID = deviceID
	m.mu.Unlock()

	m.log.Info().
		Str("device_id", deviceID).
		Str("fingerprint", rec.Fingerprint).
		Msg("device keys ready")
	return nil
}

func (m *Manager) DeviceID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deviceID
}

func (m *Manager) Identity() *crypto.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ident
}

// PublicKeyHex returns the device's Curve25519 public key for discovery
// announcements and info exchanges.
func (m *Manager) PublicKeyHex() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ident == nil {
		return ""
	}
	return hex.EncodeToString(m.ident.Pub)
}

// VerifyKeyHex returns the device's Ed25519 verification key.
func (m *Manager) VerifyKeyHex() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ident == nil {
		return ""
	}
	return hex.EncodeToString(m.ident.Verify)
}

func (m *Manager) Fingerprint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ident == nil {
		return ""
	}
	return crypto.Fingerprint(m.ident.Pub)
}

// StorePeerKey records a peer's public key. First sight trusts the key.
// A changed key logs a SafetyNumberChange and overwrites the record in one
// transaction, dropping the verified flag. An unchanged key refreshes
// auxiliary fields only.
func (m *Manager) StorePeerKey(ctx context.Context, peerDeviceID, pubHex, verifyHex string) error {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != crypto.KeySize {
		return fmt.Errorf("bad peer public key for %s", peerDeviceID)
	}

	m.mu.RLock()
	ident := m.ident
	m.mu.RUnlock()
	if ident == nil {
		return fmt.Errorf("device keys not initialized")
	}

	fingerprint := crypto.Fingerprint(pub)
	safety := crypto.SafetyNumber(ident.Pub, pub)

	existing, err := m.store.GetPeerKey(ctx, peerDeviceID)
	if err != nil {
		return errors.Wrap(err, "get peer key")
	}

	switch {
	case existing == nil:
		err = m.store.UpsertPeerKey(ctx, store.PeerKeyRecord{
			PeerDeviceID: peerDeviceID,
			PublicKey:    pubHex,
			Fingerprint:  fingerprint,
			VerifyKey:    verifyHex,
			SafetyNumber: safety,
		})
		if err != nil {
			return errors.Wrap(err, "store first peer key")
		}
		m.log.Info().
			Str("peer", peerDeviceID).
			Str("fingerprint", fingerprint).
			Msg("peer key recorded on first sight")

	case existing.PublicKey == pubHex:
		rec := *existing
		rec.VerifyKey = verifyHex
		rec.SafetyNumber = safety
		if err := m.store.UpsertPeerKey(ctx, rec); err != nil {
			return errors.Wrap(err, "refresh peer key")
		}

	default:
		err = m.store.RecordPeerKeyChange(ctx,
			store.SafetyNumberChange{
				PeerDeviceID:    peerDeviceID,
				OldSafetyNumber: existing.SafetyNumber,
				NewSafetyNumber: safety,
			},
			store.PeerKeyRecord{
				PeerDeviceID: peerDeviceID,
				PublicKey:    pubHex,
				Fingerprint:  fingerprint,
				VerifyKey:    verifyHex,
				SafetyNumber: safety,
			})
		if err != nil {
			return errors.Wrap(err, "record peer key change")
		}
		m.met.PeerKeyChanges.Inc()
		m.log.Warn().
			Str("peer", peerDeviceID).
			Str("old_fingerprint", existing.Fingerprint).
			Str("new_fingerprint", fingerprint).
			Msg("peer key changed, safety number updated")
	}
	return nil
}

// VerifyPeerFingerprint marks the peer key verified after an out-of-band
// fingerprint comparison.
func (m *Manager) VerifyPeerFingerprint(ctx context.Context, peerDeviceID string) error {
	return m.store.SetPeerVerified(ctx, peerDeviceID, true)
}

func (m *Manager) PeerKey(ctx context.Context, peerDeviceID string) (*store.PeerKeyRecord, error) {
	return m.store.GetPeerKey(ctx, peerDeviceID)
}

func (m *Manager) ListPeerKeys(ctx context.Context) ([]store.PeerKeyRecord, error) {
	return m.store.ListPeerKeys(ctx)
}

// SafetyNumberWith returns the stored safety number for the peer, for
// display or QR rendering.
func (m *Manager) SafetyNumberWith(ctx context.Context, peerDeviceID string) (string, error) {
	rec, err := m.store.GetPeerKey(ctx, peerDeviceID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("no key on record for %s", peerDeviceID)
	}
	return rec.SafetyNumber, nil
}

func (m *Manager) UnacknowledgedSafetyChanges(ctx context.Context) ([]store.SafetyNumberChange, error) {
	return m.store.ListUnacknowledgedChanges(ctx)
}

func (m *Manager) AcknowledgeSafetyChange(ctx context.Context, id string) error {
	return m.store.AcknowledgeChange(ctx, id)
}

// EncryptFor seals plaintext for the peer. When no key is on record the
// plaintext comes back unmodified with encrypted=false; the caller decides
// how loudly to complain.
func (m *Manager) EncryptFor(ctx context.Context, peerDeviceID string, plaintext []byte) (string, bool, error) {
	rec, err := m.store.GetPeerKey(ctx, peerDeviceID)
	if err != nil {
		return "", false, errors.Wrap(err, "get peer key")
	}
	if rec == nil {
		return string(plaintext), false, nil
	}

	pub, err := hex.DecodeString(rec.PublicKey)
	if err != nil {
		return "", false, fmt.Errorf("corrupt peer key for %s", peerDeviceID)
	}
	sealed, err := crypto.Seal(pub, plaintext)
	if err != nil {
		return "", false, errors.Wrap(err, "seal")
	}
	return hex.EncodeToString(sealed), true, nil
}

// DecryptFrom opens hex ciphertext sealed for this device.
func (m *Manager) DecryptFrom(hexCT string) ([]byte, error) {
	m.mu.RLock()
	ident := m.ident
	m.mu.RUnlock()
	if ident == nil {
		return nil, fmt.Errorf("device keys not initialized")
	}

	blob, err := hex.DecodeString(hexCT)
	if err != nil {
		return nil, fmt.Errorf("ciphertext not hex")
	}
	return crypto.Open(ident.Priv, blob)
}
