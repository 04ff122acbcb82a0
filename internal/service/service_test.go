package service

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshtalk/internal/config"
	"meshtalk/internal/discovery"
	"meshtalk/internal/logging"
	"meshtalk/internal/messages"
	"meshtalk/internal/store"
	meshtest "meshtalk/internal/testutil"
)

// memDisco stands in for mDNS: announcements are recorded, sightings come in
// through emit.
type memDisco struct {
	mu        sync.Mutex
	announced []discovery.Announcement
	anns      chan discovery.Announcement
}

func newMemDisco() *memDisco {
	return &memDisco{anns: make(chan discovery.Announcement, 32)}
}

func (f *memDisco) Announce(peerID, displayName, deviceName, publicKey string, port int) error {
	f.mu.Lock()
	f.announced = append(f.announced, discovery.Announcement{
		PeerID:      peerID,
		DisplayName: displayName,
		DeviceName:  deviceName,
		PublicKey:   publicKey,
	})
	f.mu.Unlock()
	return nil
}

func (f *memDisco) Browse(ctx context.Context, fn func(discovery.Announcement)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ann := <-f.anns:
			fn(ann)
		}
	}
}

func (f *memDisco) Shutdown() {}

func (f *memDisco) emit(ann discovery.Announcement) { f.anns <- ann }

type svcNode struct {
	svc   *Service
	disco *memDisco
	addr  string
}

func newSvcNode(t *testing.T, mn *meshtest.MemNet, addr, name string) *svcNode {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		Home:              dir,
		ListenAddr:        addr,
		DisplayName:       name,
		DeviceName:        name + "-laptop",
		DownloadDir:       filepath.Join(dir, "downloads"),
		OpsAddr:           "127.0.0.1:0",
		DiscoveryInterval: 25 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		StaleAfter:        800 * time.Millisecond,
		ReconnectAttempts: 3,
		ReconnectBackoff:  10 * time.Millisecond,
		AcceptTimeout:     2 * time.Second,
		ChunkAckTimeout:   2 * time.Second,
		AckTimeout:        2 * time.Second,
		StoreWorkers:      2,
	}

	disco := newMemDisco()
	nop := logging.Nop()
	svc, err := New(cfg, Options{
		Transport: mn.Node(addr),
		Discovery: disco,
		Log:       &nop,
	})
	require.NoError(t, err)
	return &svcNode{svc: svc, disco: disco, addr: addr}
}

func (n *svcNode) start(t *testing.T) {
	t.Helper()
	require.NoError(t, n.svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.svc.Stop(ctx)
	})
}

func (n *svcNode) announcement() discovery.Announcement {
	return discovery.Announcement{
		PeerID:      n.svc.DeviceID(),
		DisplayName: n.svc.cfg.DisplayName,
		Address:     n.addr,
	}
}

// connect introduces both nodes to each other and waits for the info
// exchange to land peer rows on both sides.
func connect(t *testing.T, a, b *svcNode) {
	t.Helper()
	ctx := context.Background()
	a.disco.emit(b.announcement())
	b.disco.emit(a.announcement())
	require.Eventually(t, func() bool {
		pa, err := a.svc.GetPeer(ctx, b.svc.DeviceID())
		if err != nil || pa == nil || pa.Status != store.PeerOnline {
			return false
		}
		pb, err := b.svc.GetPeer(ctx, a.svc.DeviceID())
		return err == nil && pb != nil
	}, 3*time.Second, 5*time.Millisecond, "peers should learn each other")
}

func TestLifecycleAndOpsEndpoint(t *testing.T) {
	mn := meshtest.NewMemNet()
	n := newSvcNode(t, mn, "10.0.0.1:7001", "alice")
	n.start(t)

	require.NotEmpty(t, n.svc.DeviceID())
	require.Equal(t, "10.0.0.1:7001", n.svc.Addr())
	require.NotEmpty(t, n.svc.Fingerprint())

	opsAddr := n.svc.OpsAddr()
	require.NotEmpty(t, opsAddr)
	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", opsAddr))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.ErrorContains(t, n.svc.Start(context.Background()), "already started")

	ctx := context.Background()
	require.NoError(t, n.svc.Stop(ctx))
	require.NoError(t, n.svc.Stop(ctx))
}

func TestMessagingBetweenNodes(t *testing.T) {
	mn := meshtest.NewMemNet()
	a := newSvcNode(t, mn, "10.0.0.1:7001", "alice")
	b := newSvcNode(t, mn, "10.0.0.2:7001", "bob")
	a.start(t)
	b.start(t)
	connect(t, a, b)

	ctx := context.Background()
	ch, err := a.svc.CreateChannel(ctx, "ops-room", store.ChannelGroup, []string{b.svc.DeviceID()})
	require.NoError(t, err)
	require.Contains(t, ch.Members, a.svc.DeviceID())

	require.NoError(t, a.svc.SetChannelTopic(ctx, ch.ID, "incident follow-up"))
	withTopic, err := a.svc.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	require.Equal(t, "incident follow-up", withTopic.Topic)

	_, err = a.svc.SendMessage(ctx, ch.ID, "service level hello", messages.SendOptions{})
	require.NoError(t, err)

	var got store.Message
	require.Eventually(t, func() bool {
		hist, err := b.svc.History(ctx, ch.ID, 10)
		if err != nil || len(hist) != 1 {
			return false
		}
		got = hist[0]
		return true
	}, 3*time.Second, 5*time.Millisecond, "message should arrive at bob")
	require.Equal(t, "service level hello", got.Content)
	require.True(t, got.Encrypted)

	require.NoError(t, b.svc.MarkRead(ctx, got.ID))
	hist, err := b.svc.History(ctx, ch.ID, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Contains(t, hist[0].ReadBy, b.svc.DeviceID())
}

func TestSendFileAnnouncesInChannel(t *testing.T) {
	mn := meshtest.NewMemNet()
	a := newSvcNode(t, mn, "10.0.0.1:7001", "alice")
	b := newSvcNode(t, mn, "10.0.0.2:7001", "bob")
	a.start(t)
	b.start(t)
	connect(t, a, b)

	ctx := context.Background()
	ch, err := a.svc.CreateChannel(ctx, "drop-zone", store.ChannelGroup, []string{b.svc.DeviceID()})
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("service-file-payload"), 4096)
	path := filepath.Join(t.TempDir(), "drop.bin")
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	tr, err := a.svc.SendFile(ctx, ch.ID, path)
	require.NoError(t, err)
	require.Equal(t, "drop.bin", tr.FileName)

	require.Eventually(t, func() bool {
		list, err := b.svc.ListTransfers(ctx)
		if err != nil || len(list) != 1 {
			return false
		}
		return list[0].Status == store.TransferCompleted
	}, 5*time.Second, 10*time.Millisecond, "transfer should complete on bob")

	list, err := b.svc.ListTransfers(ctx)
	require.NoError(t, err)
	data, err := os.ReadFile(list[0].LocalPath)
	require.NoError(t, err)
	require.Equal(t, payload, data)

	require.Eventually(t, func() bool {
		hist, err := b.svc.History(ctx, ch.ID, 10)
		if err != nil || len(hist) != 1 {
			return false
		}
		return hist[0].Type == store.MessageFile
	}, 3*time.Second, 5*time.Millisecond, "file announcement should land in channel history")

	hist, err := b.svc.History(ctx, ch.ID, 10)
	require.NoError(t, err)
	require.Contains(t, hist[0].FileMetadata, tr.ID)
	require.Contains(t, hist[0].FileMetadata, "drop.bin")
}

func TestSendFileUnknownChannel(t *testing.T) {
	mn := meshtest.NewMemNet()
	n := newSvcNode(t, mn, "10.0.0.1:7001", "alice")
	n.start(t)

	_, err := n.svc.SendFile(context.Background(), "nope", "/does/not/matter")
	require.ErrorContains(t, err, "not found")
}

func TestSafetyNumberSymmetry(t *testing.T) {
	mn := meshtest.NewMemNet()
	a := newSvcNode(t, mn, "10.0.0.1:7001", "alice")
	b := newSvcNode(t, mn, "10.0.0.2:7001", "bob")
	a.start(t)
	b.start(t)
	connect(t, a, b)

	ctx := context.Background()
	var sa, sb string
	require.Eventually(t, func() bool {
		var err error
		sa, err = a.svc.SafetyNumber(ctx, b.svc.DeviceID())
		if err != nil {
			return false
		}
		sb, err = b.svc.SafetyNumber(ctx, a.svc.DeviceID())
		return err == nil
	}, 3*time.Second, 5*time.Millisecond, "both sides need the peer key first")
	require.Equal(t, sa, sb)
	require.NotEmpty(t, sa)
}

func TestPanicCloseThenRecover(t *testing.T) {
	mn := meshtest.NewMemNet()
	a := newSvcNode(t, mn, "10.0.0.1:7001", "alice")
	b := newSvcNode(t, mn, "10.0.0.2:7001", "bob")

	a.svc.PanicClose()
	a.svc.PanicClose()

	a.start(t)
	b.start(t)
	connect(t, a, b)

	a.svc.PanicClose()

	a.disco.emit(b.announcement())
	ctx := context.Background()
	require.Eventually(t, func() bool {
		p, err := a.svc.GetPeer(ctx, b.svc.DeviceID())
		return err == nil && p != nil && p.Status == store.PeerOnline
	}, 3*time.Second, 5*time.Millisecond, "peer should come back after panic close")
}
