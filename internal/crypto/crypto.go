package crypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// -----------------------------------------------------------------------------
// meshtalk crypto stack
//
// Fixed suite: X25519 + HKDF-SHA256 + ChaCha20-Poly1305 for pairwise payload
// encryption, Ed25519 as the verify key carried in key records. The identity
// X25519 key is long-lived; the sealing X25519 key is ephemeral per message.
// -----------------------------------------------------------------------------

const (
	e2eInfo = "meshtalk-e2e-v1"

	KeySize      = 32
	NonceSize    = chacha20poly1305.NonceSize // 12
	sealOverhead = KeySize + NonceSize + chacha20poly1305.Overhead
)

const (
	deviceIDDomain     = "meshtalk:device:v1"
	safetyNumberDomain = "meshtalk:safety:v1"
	safetyNumberIters  = 1024
)

// Identity is the device's long-lived key material.
type Identity struct {
	Priv    []byte // X25519 private scalar
	Pub     []byte // X25519 public key
	SignKey []byte // Ed25519 private key
	Verify  []byte // Ed25519 public key
}

func GenerateIdentity() (Identity, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, err
	}
	verify, sign, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		Priv:    priv.Bytes(),
		Pub:     priv.PublicKey().Bytes(),
		SignKey: sign,
		Verify:  verify,
	}, nil
}

// DeriveDeviceID maps a public key to the stable peer identifier used as the
// Peer primary key. Domain-separated so the id cannot collide with other
// hashes of the same key.
func DeriveDeviceID(pub []byte) string {
	buf := make([]byte, 0, len(deviceIDDomain)+len(pub))
	buf = append(buf, []byte(deviceIDDomain)...)
	buf = append(buf, pub...)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:16])
}

// -----------------------------------------------------------------------------
// Pairwise sealing: ephemeral X25519 -> HKDF-SHA256 -> ChaCha20-Poly1305.
// Wire format: eph_pub(32) || nonce(12) || ciphertext.
// -----------------------------------------------------------------------------

func deriveKey(shared, ephPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)
	r := hkdf.New(sha256.New, shared, salt, []byte(e2eInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func Seal(recipientPub, plaintext []byte) ([]byte, error) {
	if len(recipientPub) != KeySize {
		return nil, fmt.Errorf("bad recipient key size: need %d", KeySize)
	}
	eph, err := GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	defer eph.Destroy()
	ephPub, err := eph.Public()
	if err != nil {
		return nil, err
	}
	shared, err := eph.Shared(recipientPub)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(shared, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, sealOverhead+len(plaintext))
	out = append(out, ephPub...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

func Open(priv, blob []byte) ([]byte, error) {
	if len(priv) != KeySize {
		return nil, fmt.Errorf("bad private key size: need %d", KeySize)
	}
	if len(blob) < sealOverhead {
		return nil, errors.New("ciphertext too short")
	}
	ephPub := blob[:KeySize]
	nonce := blob[KeySize : KeySize+NonceSize]
	ct := blob[KeySize+NonceSize:]

	shared, err := X25519Shared(priv, ephPub)
	if err != nil {
		return nil, err
	}
	myPub, err := PublicFromPrivate(priv)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(shared, ephPub, myPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ct, nil)
}

// -----------------------------------------------------------------------------
// X25519 helpers
// -----------------------------------------------------------------------------

type Ephemeral struct {
	priv      *ecdh.PrivateKey
	privBytes []byte
	pub       []byte
	destroyed bool
}

func (e *Ephemeral) String() string { return "Ephemeral{REDACTED}" }

func (e *Ephemeral) GoString() string { return "crypto.Ephemeral{REDACTED}" }

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out, nil
}

func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	if len(peerPub) == 0 {
		return nil, errors.New("empty key material")
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	for i := range e.privBytes {
		e.privBytes[i] = 0
	}
	for i := range e.pub {
		e.pub[i] = 0
	}
	e.priv = nil
	e.destroyed = true
}

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	privBytes := priv.Bytes()
	privCopy := make([]byte, len(privBytes))
	copy(privCopy, privBytes)
	pubBytes := priv.PublicKey().Bytes()
	pubCopy := make([]byte, len(pubBytes))
	copy(pubCopy, pubBytes)
	return &Ephemeral{priv: priv, privBytes: privCopy, pub: pubCopy}, nil
}

func X25519Shared(privKey, peerPub []byte) ([]byte, error) {
	if len(privKey) == 0 || len(peerPub) == 0 {
		return nil, errors.New("empty key material")
	}
	priv, err := ecdh.X25519().NewPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return priv.ECDH(pub)
}

func PublicFromPrivate(privKey []byte) ([]byte, error) {
	priv, err := ecdh.X25519().NewPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	return priv.PublicKey().Bytes(), nil
}

// -----------------------------------------------------------------------------
// Fingerprints and safety numbers
// -----------------------------------------------------------------------------

// Fingerprint renders a short human-comparable digest of a public key:
// first 8 bytes of SHA-256, uppercase hex, dashed in groups of 4.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	raw := strings.ToUpper(hex.EncodeToString(sum[:8]))
	groups := make([]string, 0, len(raw)/4)
	for i := 0; i < len(raw); i += 4 {
		groups = append(groups, raw[i:i+4])
	}
	return strings.Join(groups, "-")
}

// SafetyNumber derives the 60-digit comparison code for a key pair. The two
// keys are ordered bytewise first, so both peers compute the identical
// string regardless of which side calls.
func SafetyNumber(a, b []byte) string {
	keys := [][]byte{a, b}
	sort.Slice(keys, func(i, j int) bool { return string(keys[i]) < string(keys[j]) })
	return safetyHalf(keys[0]) + " " + safetyHalf(keys[1])
}

// safetyHalf produces 30 decimal digits (6 groups of 5) from one key via an
// iterated domain-separated hash.
func safetyHalf(pub []byte) string {
	h := sha256.Sum256(append([]byte(safetyNumberDomain), pub...))
	for i := 0; i < safetyNumberIters; i++ {
		h = sha256.Sum256(append(h[:], pub...))
	}
	groups := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		chunk := h[i*5 : i*5+5]
		var buf [8]byte
		copy(buf[3:], chunk)
		v := binary.BigEndian.Uint64(buf[:]) % 100000
		groups = append(groups, fmt.Sprintf("%05d", v))
	}
	return strings.Join(groups, " ")
}

// -----------------------------------------------------------------------------
// Key storage: hex files under the node home, 0600.
// -----------------------------------------------------------------------------

const (
	pubFile    = "pub.hex"
	privFile   = "priv.hex"
	verifyFile = "verify.hex"
	signFile   = "sign.hex"
)

func SaveIdentity(dir string, id Identity) error {
	if len(id.Pub) == 0 || len(id.Priv) == 0 || len(id.Verify) == 0 || len(id.SignKey) == 0 {
		return errors.New("empty key")
	}
	files := map[string][]byte{
		pubFile:    id.Pub,
		privFile:   id.Priv,
		verifyFile: id.Verify,
		signFile:   id.SignKey,
	}
	for name, key := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(hex.EncodeToString(key)), 0600); err != nil {
			return err
		}
	}
	return nil
}

func LoadIdentity(dir string) (Identity, error) {
	read := func(name string) ([]byte, error) {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("bad %s", name)
		}
		return key, nil
	}
	pub, err := read(pubFile)
	if err != nil {
		return Identity{}, err
	}
	priv, err := read(privFile)
	if err != nil {
		return Identity{}, err
	}
	verify, err := read(verifyFile)
	if err != nil {
		return Identity{}, err
	}
	sign, err := read(signFile)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Priv: priv, Pub: pub, SignKey: sign, Verify: verify}, nil
}
