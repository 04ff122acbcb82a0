// Package channels enforces roster rules for group and direct channels on
// top of the store: creator is always a member and the sole initial admin,
// direct channels hold exactly two peers and never change, group membership
// changes are admin-only.
package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"meshtalk/internal/store"
)

type Manager struct {
	store *store.Store
	log   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]store.Channel
}

func NewManager(s *store.Store, log zerolog.Logger) *Manager {
	return &Manager{
		store: s,
		log:   log.With().Str("component", "channels").Logger(),
		cache: make(map[string]store.Channel),
	}
}

func (m *Manager) Create(ctx context.Context, name, chType, creator string, members []string) (*store.Channel, error) {
	if chType != store.ChannelGroup && chType != store.ChannelDM {
		return nil, fmt.Errorf("unknown channel type %q", chType)
	}
	if creator == "" {
		return nil, fmt.Errorf("missing creator")
	}
	if name == "" {
		return nil, fmt.Errorf("missing channel name")
	}

	roster := rosterWith(creator, members)
	if chType == store.ChannelDM && len(roster) != 2 {
		return nil, fmt.Errorf("direct channel needs exactly two members, got %d", len(roster))
	}

	ch := store.Channel{
		ID:        uuid.New().String(),
		Name:      name,
		Type:      chType,
		CreatedBy: creator,
		Members:   roster,
		Admins:    []string{creator},
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateChannel(ctx, ch); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[ch.ID] = ch
	m.mu.Unlock()

	m.log.Info().
		Str("channel_id", ch.ID).
		Str("type", ch.Type).
		Int("members", len(ch.Members)).
		Msg("channel created")
	out := cloneChannel(ch)
	return &out, nil
}

// Get is cache-then-store. A missing channel returns (nil, nil).
func (m *Manager) Get(ctx context.Context, id string) (*store.Channel, error) {
	m.mu.RLock()
	ch, ok := m.cache[id]
	m.mu.RUnlock()
	if ok {
		out := cloneChannel(ch)
		return &out, nil
	}

	found, err := m.store.GetChannel(ctx, id)
	if err != nil || found == nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[id] = *found
	m.mu.Unlock()
	out := cloneChannel(*found)
	return &out, nil
}

func (m *Manager) List(ctx context.Context) ([]store.Channel, error) {
	channels, err := m.store.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	for _, ch := range channels {
		m.cache[ch.ID] = ch
	}
	m.mu.Unlock()
	return channels, nil
}

// AddMember grows a group roster. Only admins may mutate membership and
// direct channels are immutable. Adding an existing member is a no-op.
func (m *Manager) AddMember(ctx context.Context, channelID, actor, peerID string) error {
	ch, err := m.Get(ctx, channelID)
	if err != nil {
		return err
	}
	if ch == nil {
		return fmt.Errorf("channel %s not found", channelID)
	}
	if ch.Type == store.ChannelDM {
		return fmt.Errorf("direct channel roster is fixed")
	}
	if !contains(ch.Admins, actor) {
		return fmt.Errorf("%s is not an admin of %s", actor, channelID)
	}
	if contains(ch.Members, peerID) {
		return nil
	}

	members := append(ch.Members, peerID)
	if err := m.store.UpdateChannelMembership(ctx, channelID, members, ch.Admins); err != nil {
		return err
	}
	m.updateCachedRoster(channelID, members, ch.Admins)
	m.log.Info().Str("channel_id", channelID).Str("peer_id", peerID).Msg("member added")
	return nil
}

// RemoveMember shrinks a group roster. The creator cannot be removed; a
// removed peer also loses admin. Removing a non-member is a no-op.
func (m *Manager) RemoveMember(ctx context.Context, channelID, actor, peerID string) error {
	ch, err := m.Get(ctx, channelID)
	if err != nil {
		return err
	}
	if ch == nil {
		return fmt.Errorf("channel %s not found", channelID)
	}
	if ch.Type == store.ChannelDM {
		return fmt.Errorf("direct channel roster is fixed")
	}
	if !contains(ch.Admins, actor) {
		return fmt.Errorf("%s is not an admin of %s", actor, channelID)
	}
	if peerID == ch.CreatedBy {
		return fmt.Errorf("channel creator cannot be removed")
	}
	if !contains(ch.Members, peerID) {
		return nil
	}

	members := without(ch.Members, peerID)
	admins := without(ch.Admins, peerID)
	if err := m.store.UpdateChannelMembership(ctx, channelID, members, admins); err != nil {
		return err
	}
	m.updateCachedRoster(channelID, members, admins)
	m.log.Info().Str("channel_id", channelID).Str("peer_id", peerID).Msg("member removed")
	return nil
}

// SetTopic replaces the channel topic. Admin-only, like membership changes.
func (m *Manager) SetTopic(ctx context.Context, channelID, actor, topic string) error {
	ch, err := m.Get(ctx, channelID)
	if err != nil {
		return err
	}
	if ch == nil {
		return fmt.Errorf("channel %s not found", channelID)
	}
	if !contains(ch.Admins, actor) {
		return fmt.Errorf("%s is not an admin of %s", actor, channelID)
	}

	if err := m.store.SetChannelTopic(ctx, channelID, topic); err != nil {
		return err
	}
	m.mu.Lock()
	if cached, ok := m.cache[channelID]; ok {
		cached.Topic = topic
		m.cache[channelID] = cached
	}
	m.mu.Unlock()
	m.log.Info().Str("channel_id", channelID).Msg("topic set")
	return nil
}

// Adopt records a channel learned from the wire under its original id, so
// inbound messages always have a channel row to hang off. Known channels
// are left alone.
func (m *Manager) Adopt(ctx context.Context, ch store.Channel) error {
	if ch.ID == "" {
		return fmt.Errorf("missing channel id")
	}
	existing, err := m.Get(ctx, ch.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	if ch.Type == "" {
		ch.Type = store.ChannelGroup
	}
	if ch.Name == "" {
		ch.Name = ch.ID
	}
	if ch.CreatedBy != "" {
		ch.Members = rosterWith(ch.CreatedBy, ch.Members)
		if len(ch.Admins) == 0 {
			ch.Admins = []string{ch.CreatedBy}
		}
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}

	if err := m.store.CreateChannel(ctx, ch); err != nil {
		// Lost a race with another inbound stream; the row existing is all
		// that matters.
		if again, getErr := m.store.GetChannel(ctx, ch.ID); getErr == nil && again != nil {
			return nil
		}
		return err
	}
	m.mu.Lock()
	m.cache[ch.ID] = ch
	m.mu.Unlock()
	m.log.Info().Str("channel_id", ch.ID).Str("type", ch.Type).Msg("channel adopted from wire")
	return nil
}

// ClearCache drops the in-memory view. Persisted channels are untouched.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	m.cache = make(map[string]store.Channel)
	m.mu.Unlock()
}

func (m *Manager) updateCachedRoster(channelID string, members, admins []string) {
	m.mu.Lock()
	if ch, ok := m.cache[channelID]; ok {
		ch.Members = members
		ch.Admins = admins
		m.cache[channelID] = ch
	}
	m.mu.Unlock()
}

// rosterWith puts the creator first and drops duplicates, keeping the
// callers' order otherwise.
func rosterWith(creator string, members []string) []string {
	out := []string{creator}
	seen := map[string]bool{creator: true}
	for _, id := range members {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func contains(set []string, member string) bool {
	for _, m := range set {
		if m == member {
			return true
		}
	}
	return false
}

func without(set []string, member string) []string {
	out := make([]string, 0, len(set))
	for _, m := range set {
		if m != member {
			out = append(out, m)
		}
	}
	return out
}

func cloneChannel(ch store.Channel) store.Channel {
	ch.Members = append([]string(nil), ch.Members...)
	ch.Admins = append([]string(nil), ch.Admins...)
	return ch
}
