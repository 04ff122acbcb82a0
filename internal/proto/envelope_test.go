package proto

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"info_request","peer_id":"abc"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestEncodeFrameRejectsOversize(t *testing.T) {
	if _, err := EncodeFrame(make([]byte, MaxFrameSize+1)); err == nil {
		t.Fatalf("expected oversize error")
	}
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatalf("expected empty payload error")
	}
}

func TestReadFrameRejectsBadLength(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); err == nil {
		t.Fatalf("expected invalid frame size error")
	}
	binary.BigEndian.PutUint32(hdr[:], 0)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); err == nil {
		t.Fatalf("expected zero frame size error")
	}
}

func TestReadFrameWithTypeCapAllowsKnownType(t *testing.T) {
	big := `{"type":"text","id":"m1","channel_id":"c1","sender_id":"p1","content":"` +
		strings.Repeat("a", 80<<10) + `"}`
	frame, err := EncodeFrame([]byte(big))
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrameWithTypeCap(bytes.NewReader(frame), SoftMaxFrameSize, TypeCap)
	if err != nil {
		t.Fatalf("ReadFrameWithTypeCap failed: %v", err)
	}
	if len(got) != len(big) {
		t.Fatalf("payload truncated: got %d want %d", len(got), len(big))
	}
}

func TestReadFrameWithTypeCapRejectsOverCap(t *testing.T) {
	big := `{"type":"ack","message_id":"` + strings.Repeat("a", 70<<10) + `"}`
	frame, err := EncodeFrame([]byte(big))
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	if _, err := ReadFrameWithTypeCap(bytes.NewReader(frame), SoftMaxFrameSize, TypeCap); err == nil {
		t.Fatalf("expected over-cap rejection for ack")
	}
}

func TestReadFrameWithTypeCapRejectsUnsniffable(t *testing.T) {
	big := `{"padding":"` + strings.Repeat("x", 70<<10) + `","type":"text"}`
	frame, err := EncodeFrame([]byte(big))
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	if _, err := ReadFrameWithTypeCap(bytes.NewReader(frame), SoftMaxFrameSize, TypeCap); err == nil {
		t.Fatalf("expected sniff failure for type beyond prefix")
	}
}

func TestWriteReadRawRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 1500)
	var buf bytes.Buffer
	if err := WriteRaw(&buf, payload); err != nil {
		t.Fatalf("WriteRaw failed: %v", err)
	}
	got, err := ReadRaw(&buf, len(payload))
	if err != nil {
		t.Fatalf("ReadRaw failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("raw payload mismatch")
	}
}

func TestReadRawRejectsBadSize(t *testing.T) {
	if _, err := ReadRaw(bytes.NewReader(nil), 0); err == nil {
		t.Fatalf("expected zero size rejection")
	}
	if _, err := ReadRaw(bytes.NewReader(nil), ChunkSize+1); err == nil {
		t.Fatalf("expected oversize rejection")
	}
}

func TestExtractTypeFallback(t *testing.T) {
	// Truncated JSON still yields the type via the scan fallback.
	prefix := []byte(`{"type":"chunk","transfer_id":"t1","chunk_ind`)
	got, ok := extractType(prefix)
	if !ok || got != MsgTypeChunk {
		t.Fatalf("extractType = %q, %v", got, ok)
	}
}
