package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	plaintext := []byte("hello over the mesh")
	blob, err := Seal(id.Pub, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(blob, plaintext) {
		t.Fatal("ciphertext leaks plaintext")
	}
	got, err := Open(id.Priv, blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	alice, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	mallory, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	blob, err := Seal(alice.Pub, []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(mallory.Priv, blob); err == nil {
		t.Fatal("open with wrong key should fail")
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	blob, err := Seal(id.Pub, []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	blob[len(blob)-1] ^= 0x01
	if _, err := Open(id.Priv, blob); err == nil {
		t.Fatal("tampered ciphertext should fail to open")
	}
}

func TestOpenRejectsShortBlob(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Open(id.Priv, make([]byte, sealOverhead-1)); err == nil {
		t.Fatal("short blob should fail")
	}
}

func TestDeriveDeviceIDStable(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	a := DeriveDeviceID(id.Pub)
	b := DeriveDeviceID(id.Pub)
	if a != b {
		t.Fatalf("device id not stable: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("device id length = %d", len(a))
	}
	other, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if DeriveDeviceID(other.Pub) == a {
		t.Fatal("distinct keys produced the same device id")
	}
}

func TestFingerprintFormat(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	fp := Fingerprint(id.Pub)
	groups := strings.Split(fp, "-")
	if len(groups) != 4 {
		t.Fatalf("fingerprint groups = %d (%s)", len(groups), fp)
	}
	for _, g := range groups {
		if len(g) != 4 {
			t.Fatalf("bad group %q in %s", g, fp)
		}
		if g != strings.ToUpper(g) {
			t.Fatalf("fingerprint not uppercase: %s", fp)
		}
	}
	if Fingerprint(id.Pub) != fp {
		t.Fatal("fingerprint not deterministic")
	}
}

func TestSafetyNumberSymmetric(t *testing.T) {
	a, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ab := SafetyNumber(a.Pub, b.Pub)
	ba := SafetyNumber(b.Pub, a.Pub)
	if ab != ba {
		t.Fatalf("safety number not symmetric:\n%s\n%s", ab, ba)
	}
	digits := strings.ReplaceAll(ab, " ", "")
	if len(digits) != 60 {
		t.Fatalf("safety number digits = %d", len(digits))
	}
	if groups := strings.Split(ab, " "); len(groups) != 12 {
		t.Fatalf("safety number groups = %d", len(groups))
	}
}

func TestSafetyNumberChangesWithKey(t *testing.T) {
	a, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b1, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b2, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if SafetyNumber(a.Pub, b1.Pub) == SafetyNumber(a.Pub, b2.Pub) {
		t.Fatal("safety number did not change with the peer key")
	}
}

func TestSaveLoadIdentity(t *testing.T) {
	dir := t.TempDir()
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := SaveIdentity(dir, id); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadIdentity(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(got.Pub, id.Pub) || !bytes.Equal(got.Priv, id.Priv) {
		t.Fatal("x25519 keys did not round trip")
	}
	if !bytes.Equal(got.Verify, id.Verify) || !bytes.Equal(got.SignKey, id.SignKey) {
		t.Fatal("ed25519 keys did not round trip")
	}
}

func TestEphemeralDestroy(t *testing.T) {
	eph, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := eph.Public(); err != nil {
		t.Fatalf("public before destroy: %v", err)
	}
	eph.Destroy()
	if _, err := eph.Public(); err == nil {
		t.Fatal("public after destroy should fail")
	}
	if _, err := eph.Shared(make([]byte, KeySize)); err == nil {
		t.Fatal("shared after destroy should fail")
	}
}
