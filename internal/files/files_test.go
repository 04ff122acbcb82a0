package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshtalk/internal/keys"
	"meshtalk/internal/logging"
	"meshtalk/internal/metrics"
	"meshtalk/internal/proto"
	"meshtalk/internal/store"
	meshtest "meshtalk/internal/testutil"
	"meshtalk/internal/transport"
	"meshtalk/internal/work"
)

type fileNode struct {
	store *store.Store
	keys  *keys.Manager
	met   *metrics.Metrics
	tp    *meshtest.MemTransport
	files *Manager

	downloadDir string
}

func newFileNode(t *testing.T, mn *meshtest.MemNet, addr string) *fileNode {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	s, err := store.Open(ctx, filepath.Join(dir, "meshtalk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	met := metrics.New(nil)
	k := keys.NewManager(s, filepath.Join(dir, "keys"), met, logging.Nop())
	require.NoError(t, k.InitDeviceKeys(ctx))

	// A stopped pool runs every submitted job inline, which keeps progress
	// rows deterministic for assertions.
	pool := work.NewPool(1, met, logging.Nop())
	pool.Stop()

	downloadDir := filepath.Join(dir, "downloads")
	tp := mn.Node(addr)
	fm := NewManager(s, k, tp, pool, met, logging.Nop(), Options{
		DownloadDir:   downloadDir,
		AcceptTimeout: 2 * time.Second,
		ChunkTimeout:  2 * time.Second,
	})
	tp.SetStreamHandler(proto.ProtocolFile, fm.HandleStream)

	return &fileNode{store: s, keys: k, met: met, tp: tp, files: fm, downloadDir: downloadDir}
}

func linkPeers(t *testing.T, ctx context.Context, a, b *fileNode) {
	t.Helper()
	require.NoError(t, a.store.UpsertPeer(ctx, store.Peer{
		ID:      b.keys.DeviceID(),
		Address: b.tp.Addr(),
		Status:  store.PeerOnline,
	}))
	require.NoError(t, b.store.UpsertPeer(ctx, store.Peer{
		ID:      a.keys.DeviceID(),
		Address: a.tp.Addr(),
		Status:  store.PeerOnline,
	}))
}

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func patternBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestSendFileThreeChunksEndToEnd(t *testing.T) {
	ctx := context.Background()
	mn := meshtest.NewMemNet()
	a := newFileNode(t, mn, "node-a")
	b := newFileNode(t, mn, "node-b")
	linkPeers(t, ctx, a, b)

	data := patternBytes(3 << 20)
	path := writeTempFile(t, "big.bin", data)

	result, err := a.files.SendFile(ctx, "", []string{b.keys.DeviceID()}, path)
	require.NoError(t, err)
	assert.Equal(t, store.TransferCompleted, result.Status)
	assert.Equal(t, 3, result.ChunksTotal)

	assert.Equal(t, float64(3), testutil.ToFloat64(a.met.ChunksSent))
	assert.Equal(t, float64(3), testutil.ToFloat64(b.met.ChunksReceived))

	received, err := b.store.GetTransfer(ctx, result.ID)
	require.NoError(t, err)
	require.NotNil(t, received)
	assert.Equal(t, store.TransferCompleted, received.Status)
	assert.Equal(t, 3, received.ChunksReceived)
	assert.Equal(t, float64(100), received.Progress)
	assert.Equal(t, store.DirectionReceive, received.Direction)

	got, err := os.ReadFile(received.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, sha256Hex(data), sha256Hex(got))

	_, err = os.Stat(received.LocalPath + partSuffix)
	assert.True(t, os.IsNotExist(err), "working file must be renamed away")
}

func TestSendFileRejectsEmptyAndMissing(t *testing.T) {
	ctx := context.Background()
	mn := meshtest.NewMemNet()
	a := newFileNode(t, mn, "node-a")

	empty := writeTempFile(t, "empty.bin", nil)
	_, err := a.files.SendFile(ctx, "", []string{"whoever"}, empty)
	assert.Error(t, err)

	_, err = a.files.SendFile(ctx, "", []string{"whoever"}, filepath.Join(t.TempDir(), "nope.bin"))
	assert.Error(t, err)
}

func TestSendFileFailsWhenRecipientUnreachable(t *testing.T) {
	ctx := context.Background()
	mn := meshtest.NewMemNet()
	a := newFileNode(t, mn, "node-a")
	b := newFileNode(t, mn, "node-b")
	linkPeers(t, ctx, a, b)
	b.tp.SetDown(true)

	path := writeTempFile(t, "small.bin", patternBytes(1024))
	result, err := a.files.SendFile(ctx, "", []string{b.keys.DeviceID()}, path)
	require.NoError(t, err)
	assert.Equal(t, store.TransferFailed, result.Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(a.met.TransfersFailed))
}

// rawAnnounce drives the receive side directly so malformed and partial
// sender behavior can be exercised.
func rawAnnounce(t *testing.T, s transport.Stream, announce proto.TransferAnnounceMsg) proto.TransferDecisionMsg {
	t.Helper()
	payload, err := proto.EncodeTransferAnnounce(announce)
	require.NoError(t, err)
	require.NoError(t, proto.WriteFrame(s, payload))

	decisionPayload, err := proto.ReadFrameWithTypeCap(s, proto.MaxDecisionSize, proto.TypeCap)
	require.NoError(t, err)
	decision, err := proto.DecodeTransferDecision(decisionPayload)
	require.NoError(t, err)
	return decision
}

func rawChunk(t *testing.T, s transport.Stream, transferID string, idx, total int, body []byte, bodyOnWire []byte) proto.ChunkAckMsg {
	t.Helper()
	hdr, err := proto.EncodeChunk(proto.ChunkMsg{
		TransferID: transferID,
		ChunkIndex: idx,
		ChunkSize:  len(bodyOnWire),
		ChunkHash:  sha256Hex(body),
		IsLast:     idx == total-1,
	})
	require.NoError(t, err)
	require.NoError(t, proto.WriteFrame(s, hdr))
	require.NoError(t, proto.WriteRaw(s, bodyOnWire))

	ackPayload, err := proto.ReadFrameWithTypeCap(s, proto.MaxChunkAckSize, proto.TypeCap)
	require.NoError(t, err)
	ack, err := proto.DecodeChunkAck(ackPayload)
	require.NoError(t, err)
	return ack
}

func TestReceiveFailsClosedOnCorruptedChunk(t *testing.T) {
	ctx := context.Background()
	mn := meshtest.NewMemNet()
	a := newFileNode(t, mn, "node-a")
	b := newFileNode(t, mn, "node-b")

	content := []byte("abcdefgh")
	transferID := uuid.New().String()

	s, err := a.tp.OpenStream(ctx, "node-b", proto.ProtocolFile)
	require.NoError(t, err)
	defer s.Close()

	decision := rawAnnounce(t, s, proto.TransferAnnounceMsg{
		TransferID:  transferID,
		FileName:    "doc.txt",
		FileSize:    8,
		FileHash:    sha256Hex(content),
		MimeType:    "text/plain",
		ChunksTotal: 2,
		ChunkSize:   4,
		SenderID:    a.keys.DeviceID(),
	})
	require.Equal(t, proto.MsgTypeTransferAccept, decision.Type)

	corrupted := []byte("XXcd")
	ack := rawChunk(t, s, transferID, 0, 2, content[:4], corrupted)
	assert.Equal(t, proto.ChunkStatusError, ack.Status)
	assert.Equal(t, "hash_mismatch", ack.Error)

	row, err := b.store.GetTransfer(ctx, transferID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, store.TransferFailed, row.Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(b.met.ChunkHashFailures))

	// The partial file stays for diagnostics on failure.
	_, err = os.Stat(row.LocalPath + partSuffix)
	assert.NoError(t, err)
}

func TestReceiveResumesFromBitmap(t *testing.T) {
	ctx := context.Background()
	mn := meshtest.NewMemNet()
	a := newFileNode(t, mn, "node-a")
	b := newFileNode(t, mn, "node-b")

	content := []byte("abcdefghijkl")
	transferID := uuid.New().String()
	announce := proto.TransferAnnounceMsg{
		TransferID:  transferID,
		FileName:    "notes.txt",
		FileSize:    12,
		FileHash:    sha256Hex(content),
		MimeType:    "text/plain",
		ChunksTotal: 3,
		ChunkSize:   4,
		SenderID:    a.keys.DeviceID(),
	}

	// First session: one chunk lands, then the stream drops.
	s1, err := a.tp.OpenStream(ctx, "node-b", proto.ProtocolFile)
	require.NoError(t, err)
	decision := rawAnnounce(t, s1, announce)
	require.Equal(t, proto.MsgTypeTransferAccept, decision.Type)
	require.Equal(t, 0, decision.ResumeFrom)
	ack := rawChunk(t, s1, transferID, 0, 3, content[:4], content[:4])
	require.Equal(t, proto.ChunkStatusOK, ack.Status)
	s1.Close()

	row, err := b.store.GetTransfer(ctx, transferID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, store.TransferActive, row.Status, "dropped stream must stay resumable")
	assert.Equal(t, 1, row.ChunksReceived)

	pending, err := b.files.PendingChunks(ctx, transferID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, pending)

	// Second session resumes at the first missing chunk.
	s2, err := a.tp.OpenStream(ctx, "node-b", proto.ProtocolFile)
	require.NoError(t, err)
	defer s2.Close()
	decision = rawAnnounce(t, s2, announce)
	require.Equal(t, proto.MsgTypeTransferAccept, decision.Type)
	require.Equal(t, 1, decision.ResumeFrom)

	ack = rawChunk(t, s2, transferID, 1, 3, content[4:8], content[4:8])
	require.Equal(t, proto.ChunkStatusOK, ack.Status)
	ack = rawChunk(t, s2, transferID, 2, 3, content[8:], content[8:])
	require.Equal(t, proto.ChunkStatusOK, ack.Status)

	row, err = b.store.GetTransfer(ctx, transferID)
	require.NoError(t, err)
	assert.Equal(t, store.TransferCompleted, row.Status)
	got, err := os.ReadFile(row.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestReceiveRejectsClosedTransferID(t *testing.T) {
	ctx := context.Background()
	mn := meshtest.NewMemNet()
	a := newFileNode(t, mn, "node-a")
	b := newFileNode(t, mn, "node-b")

	transferID := uuid.New().String()
	require.NoError(t, b.store.CreateTransfer(ctx, store.FileTransfer{
		ID:          transferID,
		FileName:    "done.txt",
		FileSize:    4,
		FileHash:    sha256Hex([]byte("done")),
		SenderID:    a.keys.DeviceID(),
		ChunksTotal: 1,
		Status:      store.TransferCompleted,
		Direction:   store.DirectionReceive,
	}))

	s, err := a.tp.OpenStream(ctx, "node-b", proto.ProtocolFile)
	require.NoError(t, err)
	defer s.Close()
	decision := rawAnnounce(t, s, proto.TransferAnnounceMsg{
		TransferID:  transferID,
		FileName:    "done.txt",
		FileSize:    4,
		FileHash:    sha256Hex([]byte("done")),
		ChunksTotal: 1,
		ChunkSize:   4,
		SenderID:    a.keys.DeviceID(),
	})
	assert.Equal(t, proto.MsgTypeTransferReject, decision.Type)
	assert.Equal(t, "transfer_closed", decision.Reason)
}

func TestCancelReceiveDeletesPartialAndStopsChunks(t *testing.T) {
	ctx := context.Background()
	mn := meshtest.NewMemNet()
	a := newFileNode(t, mn, "node-a")
	b := newFileNode(t, mn, "node-b")

	content := []byte("abcdefghijkl")
	transferID := uuid.New().String()

	s, err := a.tp.OpenStream(ctx, "node-b", proto.ProtocolFile)
	require.NoError(t, err)
	defer s.Close()
	decision := rawAnnounce(t, s, proto.TransferAnnounceMsg{
		TransferID:  transferID,
		FileName:    "notes.txt",
		FileSize:    12,
		FileHash:    sha256Hex(content),
		ChunksTotal: 3,
		ChunkSize:   4,
		SenderID:    a.keys.DeviceID(),
	})
	require.Equal(t, proto.MsgTypeTransferAccept, decision.Type)
	ack := rawChunk(t, s, transferID, 0, 3, content[:4], content[:4])
	require.Equal(t, proto.ChunkStatusOK, ack.Status)

	require.NoError(t, b.files.Cancel(ctx, transferID))

	row, err := b.store.GetTransfer(ctx, transferID)
	require.NoError(t, err)
	assert.Equal(t, store.TransferCancelled, row.Status)
	_, err = os.Stat(row.LocalPath + partSuffix)
	assert.True(t, os.IsNotExist(err), "cancel must delete the partial file")

	ack = rawChunk(t, s, transferID, 1, 3, content[4:8], content[4:8])
	assert.Equal(t, proto.ChunkStatusError, ack.Status)
	assert.Equal(t, "cancelled", ack.Error)

	// Terminal states are final.
	err = b.files.Cancel(ctx, transferID)
	assert.Error(t, err)
}

func TestCancelSendTransfer(t *testing.T) {
	ctx := context.Background()
	mn := meshtest.NewMemNet()
	a := newFileNode(t, mn, "node-a")

	require.NoError(t, a.store.CreateTransfer(ctx, store.FileTransfer{
		ID:          "t-send",
		FileName:    "big.bin",
		FileSize:    100,
		FileHash:    "deadbeef",
		SenderID:    a.keys.DeviceID(),
		ChunksTotal: 1,
		Status:      store.TransferPending,
		Direction:   store.DirectionSend,
	}))
	require.NoError(t, a.files.Cancel(ctx, "t-send"))

	row, err := a.store.GetTransfer(ctx, "t-send")
	require.NoError(t, err)
	assert.Equal(t, store.TransferCancelled, row.Status)
}

func TestPendingChunksSequentialFallback(t *testing.T) {
	ctx := context.Background()
	mn := meshtest.NewMemNet()
	a := newFileNode(t, mn, "node-a")

	require.NoError(t, a.store.CreateTransfer(ctx, store.FileTransfer{
		ID:             "t-seq",
		FileName:       "x.bin",
		FileSize:       100,
		FileHash:       "deadbeef",
		SenderID:       "someone",
		ChunksTotal:    3,
		ChunksReceived: 1,
		Status:         store.TransferActive,
		Direction:      store.DirectionSend,
	}))
	pending, err := a.files.PendingChunks(ctx, "t-seq")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, pending)
}

func TestUniquePathAvoidsCollisionsAndTraversal(t *testing.T) {
	mn := meshtest.NewMemNet()
	a := newFileNode(t, mn, "node-a")
	require.NoError(t, os.MkdirAll(a.downloadDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(a.downloadDir, "report.pdf"), []byte("x"), 0o600))

	got, err := a.files.uniquePath("report.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(a.downloadDir, "report (1).pdf"), got)

	got, err = a.files.uniquePath("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, a.downloadDir, filepath.Dir(got))
}

func TestProgressObserversSurvivePanic(t *testing.T) {
	ctx := context.Background()
	mn := meshtest.NewMemNet()
	a := newFileNode(t, mn, "node-a")
	b := newFileNode(t, mn, "node-b")
	linkPeers(t, ctx, a, b)

	var seen []string
	b.files.OnProgress(func(tr store.FileTransfer) {
		panic("observer down")
	})
	b.files.OnProgress(func(tr store.FileTransfer) {
		seen = append(seen, tr.Status)
	})

	path := writeTempFile(t, "tiny.bin", patternBytes(64))
	result, err := a.files.SendFile(ctx, "", []string{b.keys.DeviceID()}, path)
	require.NoError(t, err)
	require.Equal(t, store.TransferCompleted, result.Status)
	assert.Contains(t, seen, store.TransferCompleted)
}
