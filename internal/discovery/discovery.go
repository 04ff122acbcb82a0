// Package discovery announces this node over mDNS and browses for other
// nodes on the local network. Each sighting carries the peer's identity in
// TXT records so the mesh can dial before any stream exists.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	serviceType = "_meshtalk._tcp"
	domain      = "local."
)

// Announcement is one peer sighting parsed from an mDNS entry.
type Announcement struct {
	PeerID      string
	DisplayName string
	DeviceName  string
	PublicKey   string
	Address     string
}

type Discovery struct {
	log zerolog.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

func New(log zerolog.Logger) *Discovery {
	return &Discovery{log: log.With().Str("component", "discovery").Logger()}
}

// Announce registers the mDNS service. Identity rides in TXT records; the
// address comes from mDNS itself.
func (d *Discovery) Announce(peerID, displayName, deviceName, publicKey string, port int) error {
	txt := []string{
		"id=" + peerID,
		"name=" + displayName,
		"device=" + deviceName,
		"pk=" + publicKey,
	}
	instance := fmt.Sprintf("meshtalk-%s", shortID(peerID))
	server, err := zeroconf.Register(instance, serviceType, domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	d.mu.Lock()
	if d.server != nil {
		d.server.Shutdown()
	}
	d.server = server
	d.mu.Unlock()

	d.log.Info().Str("instance", instance).Int("port", port).Msg("announcing on mdns")
	return nil
}

// Browse delivers every valid sighting to fn until ctx is done. The mesh
// keeps one long-lived browse running and restarts it if it fails.
func (d *Discovery) Browse(ctx context.Context, fn func(Announcement)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			ann, ok := announcementFromEntry(entry)
			if !ok {
				continue
			}
			fn(ann)
		}
	}()

	if err := resolver.Browse(ctx, serviceType, domain, entries); err != nil {
		return fmt.Errorf("mdns browse: %w", err)
	}
	<-ctx.Done()
	<-done
	return nil
}

// Shutdown withdraws the announcement.
func (d *Discovery) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server != nil {
		d.server.Shutdown()
		d.server = nil
	}
}

func announcementFromEntry(entry *zeroconf.ServiceEntry) (Announcement, bool) {
	if entry == nil || len(entry.AddrIPv4) == 0 {
		return Announcement{}, false
	}
	txt := parseTXT(entry.Text)
	ann := Announcement{
		PeerID:      txt["id"],
		DisplayName: txt["name"],
		DeviceName:  txt["device"],
		PublicKey:   txt["pk"],
		Address:     fmt.Sprintf("%s:%d", entry.AddrIPv4[0].String(), entry.Port),
	}
	if ann.PeerID == "" {
		return Announcement{}, false
	}
	return ann, true
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		k, v, ok := strings.Cut(rec, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
