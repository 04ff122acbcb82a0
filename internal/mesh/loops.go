package mesh

import (
	"context"
	"time"

	"meshtalk/internal/discovery"
	"meshtalk/internal/proto"
	"meshtalk/internal/store"
)

// runBrowser keeps an mDNS browse session alive for the host's lifetime.
// Sightings land in the in-memory map; the discovery loop decides what they
// mean.
func (h *Host) runBrowser(ctx context.Context) {
	defer h.wg.Done()
	for {
		err := h.disco.Browse(ctx, h.noteSighting)
		if ctx.Err() != nil {
			return
		}
		if err != nil && h.throttle.Allow("browse", 30*time.Second) {
			h.log.Warn().Err(err).Msg("mdns browse failed, retrying")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (h *Host) runDiscovery(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.discoveryTick(ctx)
		}
	}
}

func (h *Host) runHeartbeat(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.heartbeatTick(ctx)
		}
	}
}

// noteSighting records one discovery sighting. Called from the browse
// goroutine and from reconnect probes.
func (h *Host) noteSighting(ann discovery.Announcement) {
	if ann.PeerID == "" || ann.PeerID == h.keys.DeviceID() {
		return
	}
	h.mu.Lock()
	prev, ok := h.sightings[ann.PeerID]
	if ok {
		// Probe-synthesized sightings carry no TXT metadata; keep what the
		// last full announcement said.
		if ann.DisplayName == "" {
			ann.DisplayName = prev.ann.DisplayName
		}
		if ann.DeviceName == "" {
			ann.DeviceName = prev.ann.DeviceName
		}
		if ann.PublicKey == "" {
			ann.PublicKey = prev.ann.PublicKey
		}
		if ann.Address == "" {
			ann.Address = prev.ann.Address
		}
	}
	h.sightings[ann.PeerID] = sighting{ann: ann, at: time.Now()}
	h.mu.Unlock()
}

func (h *Host) sightedSince(peerID string, since time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sightings[peerID]
	return ok && s.at.After(since)
}

// discoveryTick ingests fresh sightings and reconciles the live set. New
// peers get a row and an identity exchange; peers that fell out of the live
// set enter bounded reconnect.
func (h *Host) discoveryTick(ctx context.Context) {
	now := time.Now()

	h.mu.Lock()
	snapshot := make(map[string]sighting, len(h.sightings))
	for id, s := range h.sightings {
		snapshot[id] = s
	}
	prevLive := make([]string, 0, len(h.live))
	for id := range h.live {
		prevLive = append(prevLive, id)
	}
	h.mu.Unlock()

	// Stale sightings stay in the map for reconnect address lookup but are
	// not ingested; touching a row from old evidence would fight the
	// heartbeat sweep.
	currentLive := make(map[string]struct{})
	for id, s := range snapshot {
		if now.Sub(s.at) > h.liveWindow {
			continue
		}
		currentLive[id] = struct{}{}
		h.ingestSighting(ctx, id, s)
	}

	// Liveness reconcile: any peer live last tick but gone now gets the
	// bounded reconnect treatment before we give up on it.
	for _, id := range prevLive {
		if _, stillLive := currentLive[id]; stillLive {
			continue
		}
		addr := snapshot[id].ann.Address
		if addr == "" {
			continue
		}
		h.mu.Lock()
		if _, busy := h.reconnecting[id]; busy {
			h.mu.Unlock()
			continue
		}
		h.reconnecting[id] = struct{}{}
		h.mu.Unlock()
		h.wg.Add(1)
		go h.reconnect(ctx, id, addr)
	}

	h.mu.Lock()
	h.live = currentLive
	h.mu.Unlock()

	h.refreshOnlineGauge(ctx)
}

// ingestSighting persists what one sighting tells us. First sight of a peer
// also kicks off the info exchange that learns its key.
func (h *Host) ingestSighting(ctx context.Context, peerID string, s sighting) {
	h.mu.Lock()
	lastAddr, seen := h.known[peerID]
	h.known[peerID] = s.ann.Address
	h.mu.Unlock()

	if !seen {
		h.met.PeersDiscovered.Inc()
		h.log.Info().
			Str("peer", peerID).
			Str("name", s.ann.DisplayName).
			Str("addr", s.ann.Address).
			Msg("peer discovered")
		row := peerRow(s.ann, s.at)
		h.pool.Submit("upsert discovered peer", func(ctx context.Context) error {
			return h.store.UpsertPeer(ctx, row)
		})
		h.wg.Add(1)
		go h.exchangeWith(ctx, s.ann)
		return
	}

	if lastAddr != s.ann.Address && s.ann.Address != "" {
		row := peerRow(s.ann, s.at)
		h.pool.Submit("update peer address", func(ctx context.Context) error {
			return h.store.UpsertPeer(ctx, row)
		})
		return
	}

	seenAt := s.at
	h.pool.Submit("touch peer", func(ctx context.Context) error {
		return h.store.TouchPeer(ctx, peerID, seenAt.UTC())
	})
}

// exchangeWith runs the info_request/info_response pair against a newly
// seen peer: its key goes through trust-on-first-use and the peer row picks
// up the stream-learned metadata.
func (h *Host) exchangeWith(ctx context.Context, ann discovery.Announcement) {
	defer h.wg.Done()

	info, err := h.infoExchange(ctx, ann.Address)
	if err != nil {
		h.log.Warn().Err(err).
			Str("peer", ann.PeerID).
			Str("addr", ann.Address).
			Msg("peer info exchange failed")
		return
	}
	if info.PeerID != ann.PeerID {
		h.log.Warn().
			Str("announced", ann.PeerID).
			Str("stream", info.PeerID).
			Msg("peer identity differs from announcement")
	}
	h.learnPeer(ctx, *info, ann.Address)
	h.log.Info().Str("peer", info.PeerID).Str("name", info.DisplayName).Msg("peer online")
}

// learnPeer stores a stream-learned identity: key first (TOFU plus key
// change detection live in the key manager), then the peer row.
func (h *Host) learnPeer(ctx context.Context, info proto.InfoMsg, addr string) {
	if info.PublicKey != "" {
		if err := h.keys.StorePeerKey(ctx, info.PeerID, info.PublicKey, info.VerifyKey); err != nil {
			h.log.Warn().Err(err).Str("peer", info.PeerID).Msg("store peer key")
		}
	}
	row := store.Peer{
		ID:          info.PeerID,
		DisplayName: info.DisplayName,
		DeviceName:  info.DeviceName,
		PublicKey:   info.PublicKey,
		Address:     addr,
		Status:      store.PeerOnline,
		LastSeen:    time.Now().UTC(),
	}
	h.pool.Submit("upsert exchanged peer", func(ctx context.Context) error {
		return h.store.UpsertPeer(ctx, row)
	})
}

// reconnect probes a lost peer with bounded retries. The waits double from
// the configured base; the final failure marks the peer offline and drops it
// from the in-memory view so a later announcement starts fresh.
func (h *Host) reconnect(ctx context.Context, peerID, addr string) {
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		delete(h.reconnecting, peerID)
		h.mu.Unlock()
	}()

	started := time.Now()
	backoff := h.cfg.ReconnectBackoff
	for attempt := 1; attempt <= h.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if h.sightedSince(peerID, started) {
			// The peer re-announced on its own while we were waiting.
			return
		}
		h.met.ReconnectAttempts.Inc()
		h.log.Debug().Str("peer", peerID).Int("attempt", attempt).Msg("reconnecting")
		info, err := h.infoExchange(ctx, addr)
		if err == nil {
			h.noteSighting(discovery.Announcement{PeerID: peerID, Address: addr})
			h.learnPeer(ctx, *info, addr)
			h.refreshOnlineGauge(ctx)
			h.log.Info().Str("peer", peerID).Int("attempt", attempt).Msg("peer reconnected")
			return
		}
		h.log.Debug().Err(err).Str("peer", peerID).Int("attempt", attempt).Msg("reconnect attempt failed")
		backoff *= 2
	}

	h.met.ReconnectGiveups.Inc()
	if err := h.store.SetPeerStatus(ctx, peerID, store.PeerOffline); err != nil {
		h.log.Warn().Err(err).Str("peer", peerID).Msg("mark peer offline")
	}
	h.forget(peerID)
	h.refreshOnlineGauge(ctx)
	if h.throttle.Allow("reconnect:"+peerID, time.Minute) {
		h.log.Warn().
			Str("peer", peerID).
			Int("attempts", h.cfg.ReconnectAttempts).
			Msg("peer offline after reconnect attempts")
	}
}

// heartbeatTick refreshes this device's last_seen and sweeps peers quiet
// for longer than the stale cutoff. The sweep is the sole source of
// staleness: no separate liveness probe exists. The self touch runs
// synchronously so the sweep can never see a stale self row.
func (h *Host) heartbeatTick(ctx context.Context) {
	now := time.Now().UTC()
	selfID := h.keys.DeviceID()
	if err := h.store.TouchPeer(ctx, selfID, now); err != nil {
		h.log.Warn().Err(err).Msg("touch self")
	}

	stale, err := h.store.MarkStalePeers(ctx, now.Add(-h.cfg.StaleAfter))
	if err != nil {
		h.log.Warn().Err(err).Msg("mark stale peers")
	}
	for _, id := range stale {
		if id == selfID {
			continue
		}
		h.forget(id)
		h.log.Info().Str("peer", id).Msg("peer went stale")
	}

	h.met.HeartbeatTicks.Inc()
	h.refreshOnlineGauge(ctx)
}

func peerRow(ann discovery.Announcement, seenAt time.Time) store.Peer {
	return store.Peer{
		ID:          ann.PeerID,
		DisplayName: ann.DisplayName,
		DeviceName:  ann.DeviceName,
		PublicKey:   ann.PublicKey,
		Address:     ann.Address,
		Status:      store.PeerOnline,
		LastSeen:    seenAt.UTC(),
	}
}
