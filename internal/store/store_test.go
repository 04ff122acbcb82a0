package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "meshtalk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPeerUpsertAndStaleSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertPeer(ctx, Peer{
		ID:          "peer-a",
		DisplayName: "alice",
		DeviceName:  "laptop",
		Address:     "192.168.1.10:4242",
		LastSeen:    now.Add(-time.Minute),
	}))
	require.NoError(t, s.UpsertPeer(ctx, Peer{
		ID:          "peer-b",
		DisplayName: "bob",
		LastSeen:    now,
	}))

	got, err := s.GetPeer(ctx, "peer-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.DisplayName)
	assert.Equal(t, PeerOnline, got.Status)

	stale, err := s.MarkStalePeers(ctx, now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"peer-a"}, stale)

	got, err = s.GetPeer(ctx, "peer-a")
	require.NoError(t, err)
	assert.Equal(t, PeerOffline, got.Status)

	fresh, err := s.GetPeer(ctx, "peer-b")
	require.NoError(t, err)
	assert.Equal(t, PeerOnline, fresh.Status)

	// A touch brings the peer back online.
	require.NoError(t, s.TouchPeer(ctx, "peer-a", time.Now().UTC()))
	got, err = s.GetPeer(ctx, "peer-a")
	require.NoError(t, err)
	assert.Equal(t, PeerOnline, got.Status)
}

func TestChannelMembershipRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateChannel(ctx, Channel{
		ID:        "general",
		Name:      "general",
		Type:      ChannelGroup,
		CreatedBy: "peer-a",
		Members:   []string{"peer-a", "peer-b", "peer-c"},
		Admins:    []string{"peer-a"},
	}))

	ch, err := s.GetChannel(ctx, "general")
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, []string{"peer-a", "peer-b", "peer-c"}, ch.Members)
	assert.Equal(t, []string{"peer-a"}, ch.Admins)

	require.NoError(t, s.UpdateChannelMembership(ctx, "general",
		[]string{"peer-a", "peer-c"}, []string{"peer-a", "peer-c"}))
	ch, err = s.GetChannel(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, []string{"peer-a", "peer-c"}, ch.Members)

	err = s.UpdateChannelMembership(ctx, "missing", nil, nil)
	assert.Error(t, err)
}

func TestMessageDeliveryAppendMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateChannel(ctx, Channel{ID: "general", Name: "general", Type: ChannelGroup}))
	require.NoError(t, s.InsertMessage(ctx, Message{
		ID:        "m1",
		ChannelID: "general",
		SenderID:  "peer-a",
		Type:      MessageText,
		Content:   "hi",
	}))

	require.NoError(t, s.AppendDeliveredTo(ctx, "m1", "peer-b"))
	require.NoError(t, s.AppendDeliveredTo(ctx, "m1", "peer-c"))
	// Duplicate append must not shrink or reorder the set.
	require.NoError(t, s.AppendDeliveredTo(ctx, "m1", "peer-b"))
	require.NoError(t, s.AppendReadBy(ctx, "m1", "peer-b"))

	m, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, []string{"peer-b", "peer-c"}, m.DeliveredTo)
	assert.Equal(t, []string{"peer-b"}, m.ReadBy)

	err = s.AppendDeliveredTo(ctx, "missing", "peer-b")
	assert.Error(t, err)
}

func TestMessageHistoryNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, s.CreateChannel(ctx, Channel{ID: "general", Name: "general", Type: ChannelGroup}))
	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.InsertMessage(ctx, Message{
			ID:        id,
			ChannelID: "general",
			SenderID:  "peer-a",
			Type:      MessageText,
			Content:   id,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	msgs, err := s.MessageHistory(ctx, "general", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m3", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestTransferLifecycleTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTransfer(ctx, FileTransfer{
		ID:           "t1",
		FileName:     "demo.bin",
		FileSize:     3 << 20,
		FileHash:     "abc",
		SenderID:     "peer-a",
		RecipientIDs: []string{"peer-b"},
		ChunksTotal:  3,
		Direction:    DirectionSend,
	}))

	got, err := s.GetTransfer(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, TransferPending, got.Status)

	require.NoError(t, s.SetTransferStatus(ctx, "t1", TransferActive))
	require.NoError(t, s.UpdateTransferProgress(ctx, "t1", 2, []byte{0x03}, 66.6))

	got, err = s.GetTransfer(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.ChunksReceived)
	assert.Equal(t, []byte{0x03}, got.ReceivedBitmap)

	require.NoError(t, s.SetTransferStatus(ctx, "t1", TransferCompleted))

	err = s.SetTransferStatus(ctx, "t1", TransferCancelled)
	assert.ErrorIs(t, err, ErrTransferTerminal)
	err = s.UpdateTransferProgress(ctx, "t1", 3, []byte{0x07}, 100)
	assert.ErrorIs(t, err, ErrTransferTerminal)

	got, err = s.GetTransfer(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, got.Status)
	assert.Equal(t, 2, got.ChunksReceived)
}

func TestRecordPeerKeyChangeAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPeerKey(ctx, PeerKeyRecord{
		PeerDeviceID: "peer-b",
		PublicKey:    "oldkey",
		Fingerprint:  "OLDF",
		SafetyNumber: "11111",
		Verified:     true,
	}))

	require.NoError(t, s.RecordPeerKeyChange(ctx,
		SafetyNumberChange{
			PeerDeviceID:    "peer-b",
			OldSafetyNumber: "11111",
			NewSafetyNumber: "22222",
		},
		PeerKeyRecord{
			PeerDeviceID: "peer-b",
			PublicKey:    "newkey",
			Fingerprint:  "NEWF",
			SafetyNumber: "22222",
		}))

	rec, err := s.GetPeerKey(ctx, "peer-b")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "newkey", rec.PublicKey)
	assert.False(t, rec.Verified, "rotation must drop verification")
	assert.False(t, rec.LastKeyChange.IsZero())

	changes, err := s.ListUnacknowledgedChanges(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "11111", changes[0].OldSafetyNumber)
	assert.Equal(t, "22222", changes[0].NewSafetyNumber)

	require.NoError(t, s.AcknowledgeChange(ctx, changes[0].ID))
	changes, err = s.ListUnacknowledgedChanges(ctx)
	require.NoError(t, err)
	assert.Empty(t, changes)

	// Unknown peer: no change row may survive the failed transaction.
	err = s.RecordPeerKeyChange(ctx,
		SafetyNumberChange{PeerDeviceID: "ghost", NewSafetyNumber: "33333"},
		PeerKeyRecord{PeerDeviceID: "ghost", PublicKey: "k"})
	require.Error(t, err)
	changes, err = s.ListUnacknowledgedChanges(ctx)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestDeviceKeySaveIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDeviceKey(ctx, DeviceKeyRecord{
		DeviceID:    "dev-1",
		PublicKey:   "pk1",
		Fingerprint: "F1",
	}))
	require.NoError(t, s.SaveDeviceKey(ctx, DeviceKeyRecord{
		DeviceID:    "dev-1",
		PublicKey:   "pk2",
		Fingerprint: "F2",
	}))

	rec, err := s.GetDeviceKey(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "pk1", rec.PublicKey, "first save wins")
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.GetPeer(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, p)

	ch, err := s.GetChannel(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, ch)

	tr, err := s.GetTransfer(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, tr)

	k, err := s.GetPeerKey(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, k)

	dk, err := s.GetDeviceKey(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, dk)
}
