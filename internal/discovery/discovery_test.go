package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestAnnouncementFromEntry(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		AddrIPv4: []net.IP{net.ParseIP("192.168.1.20")},
		Port:     4242,
		Text: []string{
			"id=0a1b2c3d",
			"name=alice",
			"device=laptop",
			"pk=deadbeef",
		},
	}

	ann, ok := announcementFromEntry(entry)
	if !ok {
		t.Fatalf("entry rejected")
	}
	if ann.PeerID != "0a1b2c3d" || ann.DisplayName != "alice" || ann.DeviceName != "laptop" {
		t.Fatalf("identity mismatch: %+v", ann)
	}
	if ann.Address != "192.168.1.20:4242" {
		t.Fatalf("address = %q", ann.Address)
	}
	if ann.PublicKey != "deadbeef" {
		t.Fatalf("public key = %q", ann.PublicKey)
	}
}

func TestAnnouncementFromEntryRejectsAnonymous(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		AddrIPv4: []net.IP{net.ParseIP("192.168.1.20")},
		Port:     4242,
		Text:     []string{"name=ghost"},
	}

	if _, ok := announcementFromEntry(entry); ok {
		t.Fatalf("entry without id must be rejected")
	}
	if _, ok := announcementFromEntry(nil); ok {
		t.Fatalf("nil entry must be rejected")
	}
	if _, ok := announcementFromEntry(&zeroconf.ServiceEntry{}); ok {
		t.Fatalf("entry without address must be rejected")
	}
}

func TestParseTXT(t *testing.T) {
	got := parseTXT([]string{"id=abc", "pk=00ff", "malformed", "=novalue", "name=a=b"})
	if got["id"] != "abc" || got["pk"] != "00ff" {
		t.Fatalf("parseTXT = %v", got)
	}
	if got["name"] != "a=b" {
		t.Fatalf("value with = lost: %v", got)
	}
	if _, ok := got["malformed"]; ok {
		t.Fatalf("malformed record kept")
	}
}
