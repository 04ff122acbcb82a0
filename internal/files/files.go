// Package files implements chunked file transfer over file streams: an
// announce/accept handshake, strictly sequential per-recipient chunks with
// per-chunk SHA-256, a whole-file hash check at the end, and bitmap-based
// resume.
package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"meshtalk/internal/keys"
	"meshtalk/internal/metrics"
	"meshtalk/internal/proto"
	"meshtalk/internal/store"
	"meshtalk/internal/transport"
	"meshtalk/internal/work"
)

const (
	defaultAcceptTimeout = 10 * time.Second
	defaultChunkTimeout  = 30 * time.Second

	fallbackMimeType = "application/octet-stream"
	partSuffix       = ".part"
)

// ProgressFunc observes transfer row changes. Callbacks run on transfer
// goroutines; panics are logged and swallowed.
type ProgressFunc func(t store.FileTransfer)

type Options struct {
	DownloadDir   string
	AcceptTimeout time.Duration
	ChunkTimeout  time.Duration
}

type Manager struct {
	store     *store.Store
	keys      *keys.Manager
	transport transport.Transport
	pool      *work.Pool
	met       *metrics.Metrics
	log       zerolog.Logger

	downloadDir   string
	acceptTimeout time.Duration
	chunkTimeout  time.Duration

	mu         sync.Mutex
	onProgress []ProgressFunc
	cancels    map[string]context.CancelFunc
}

func NewManager(s *store.Store, k *keys.Manager, tp transport.Transport, pool *work.Pool, met *metrics.Metrics, log zerolog.Logger, opts Options) *Manager {
	if met == nil {
		met = metrics.New(nil)
	}
	acceptTimeout := opts.AcceptTimeout
	if acceptTimeout <= 0 {
		acceptTimeout = defaultAcceptTimeout
	}
	chunkTimeout := opts.ChunkTimeout
	if chunkTimeout <= 0 {
		chunkTimeout = defaultChunkTimeout
	}
	downloadDir := opts.DownloadDir
	if downloadDir == "" {
		downloadDir = "."
	}
	return &Manager{
		store:         s,
		keys:          k,
		transport:     tp,
		pool:          pool,
		met:           met,
		log:           log.With().Str("component", "files").Logger(),
		downloadDir:   downloadDir,
		acceptTimeout: acceptTimeout,
		chunkTimeout:  chunkTimeout,
		cancels:       make(map[string]context.CancelFunc),
	}
}

// OnProgress registers a transfer progress observer.
func (m *Manager) OnProgress(fn ProgressFunc) {
	m.mu.Lock()
	m.onProgress = append(m.onProgress, fn)
	m.mu.Unlock()
}

func (m *Manager) Get(ctx context.Context, transferID string) (*store.FileTransfer, error) {
	return m.store.GetTransfer(ctx, transferID)
}

func (m *Manager) List(ctx context.Context) ([]store.FileTransfer, error) {
	return m.store.ListTransfers(ctx)
}

// PendingChunks lists the chunk indexes still missing for a transfer. Rows
// without a bitmap (sender side) fall back to the sequential counter.
func (m *Manager) PendingChunks(ctx context.Context, transferID string) ([]int, error) {
	t, err := m.store.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("transfer %s not found", transferID)
	}
	if len(t.ReceivedBitmap) > 0 {
		return missingIndexes(t.ReceivedBitmap, t.ChunksTotal), nil
	}
	var out []int
	for i := t.ChunksReceived; i < t.ChunksTotal; i++ {
		out = append(out, i)
	}
	return out, nil
}

// SendFile hashes the file, records the transfer, and streams it to every
// recipient in parallel. Rejections and per-recipient failures are logged;
// the transfer completes if at least one recipient got the whole file.
// The call blocks until every recipient loop has finished.
func (m *Manager) SendFile(ctx context.Context, channelID string, recipientIDs []string, path string) (*store.FileTransfer, error) {
	selfID := m.keys.DeviceID()
	if selfID == "" {
		return nil, fmt.Errorf("device keys not initialized")
	}
	if len(recipientIDs) == 0 {
		return nil, fmt.Errorf("no recipients")
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}

	fileHash, err := hashFile(path)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}

	size := info.Size()
	chunksTotal := int((size + proto.ChunkSize - 1) / proto.ChunkSize)
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = fallbackMimeType
	}

	now := time.Now().UTC()
	t := store.FileTransfer{
		ID:           uuid.New().String(),
		FileName:     filepath.Base(path),
		FileSize:     size,
		FileHash:     fileHash,
		MimeType:     mimeType,
		SenderID:     selfID,
		RecipientIDs: recipientIDs,
		ChannelID:    channelID,
		ChunksTotal:  chunksTotal,
		Status:       store.TransferPending,
		Direction:    store.DirectionSend,
		LocalPath:    path,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateTransfer(ctx, t); err != nil {
		return nil, fmt.Errorf("persist transfer: %w", err)
	}
	m.met.TransfersStarted.Inc()
	m.log.Info().
		Str("transfer_id", t.ID).
		Str("file", t.FileName).
		Int64("size", size).
		Int("chunks", chunksTotal).
		Int("recipients", len(recipientIDs)).
		Msg("file transfer starting")

	sendCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[t.ID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.cancels, t.ID)
		m.mu.Unlock()
	}()

	var (
		wg        sync.WaitGroup
		resultMu  sync.Mutex
		delivered int
	)
	for _, recipientID := range recipientIDs {
		wg.Add(1)
		go func(recipientID string) {
			defer wg.Done()
			if err := m.sendTo(sendCtx, t, recipientID, path); err != nil {
				m.log.Warn().
					Err(err).
					Str("transfer_id", t.ID).
					Str("peer_id", recipientID).
					Msg("file send failed")
				return
			}
			resultMu.Lock()
			delivered++
			resultMu.Unlock()
		}(recipientID)
	}
	wg.Wait()

	final, err := m.store.GetTransfer(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if final == nil {
		return nil, fmt.Errorf("transfer %s disappeared", t.ID)
	}
	if !store.TransferTerminal(final.Status) {
		status := store.TransferFailed
		if delivered > 0 {
			status = store.TransferCompleted
			m.met.TransfersCompleted.Inc()
		} else {
			m.met.TransfersFailed.Inc()
		}
		if err := m.store.SetTransferStatus(ctx, t.ID, status); err != nil {
			return nil, err
		}
		final.Status = status
	}
	m.fireProgress(*final)
	return final, nil
}

// sendTo runs the announce/accept handshake and the sequential chunk loop
// for one recipient.
func (m *Manager) sendTo(ctx context.Context, t store.FileTransfer, recipientID, path string) error {
	peer, err := m.store.GetPeer(ctx, recipientID)
	if err != nil {
		return err
	}
	if peer == nil {
		return fmt.Errorf("peer %s not yet discovered", recipientID)
	}
	if peer.Address == "" {
		return fmt.Errorf("peer %s has no address", recipientID)
	}

	stream, err := m.transport.OpenStream(ctx, peer.Address, proto.ProtocolFile)
	if err != nil {
		return err
	}
	defer stream.Close()

	announce, err := proto.EncodeTransferAnnounce(proto.TransferAnnounceMsg{
		TransferID:  t.ID,
		FileName:    t.FileName,
		FileSize:    t.FileSize,
		FileHash:    t.FileHash,
		MimeType:    t.MimeType,
		ChunksTotal: t.ChunksTotal,
		ChunkSize:   proto.ChunkSize,
		SenderID:    t.SenderID,
		ChannelID:   t.ChannelID,
	})
	if err != nil {
		return err
	}
	_ = stream.SetWriteDeadline(time.Now().Add(m.acceptTimeout))
	if err := proto.WriteFrame(stream, announce); err != nil {
		return fmt.Errorf("announce: %w", err)
	}

	_ = stream.SetReadDeadline(time.Now().Add(m.acceptTimeout))
	payload, err := proto.ReadFrameWithTypeCap(stream, proto.MaxDecisionSize, proto.TypeCap)
	if err != nil {
		return fmt.Errorf("await accept: %w", err)
	}
	decision, err := proto.DecodeTransferDecision(payload)
	if err != nil {
		return err
	}
	if decision.Type == proto.MsgTypeTransferReject {
		m.met.TransfersRejected.Inc()
		return fmt.Errorf("recipient %s rejected transfer: %s", recipientID, decision.Reason)
	}
	if decision.ResumeFrom < 0 || decision.ResumeFrom > t.ChunksTotal {
		return fmt.Errorf("recipient %s sent bad resume offset %d", recipientID, decision.ResumeFrom)
	}
	if decision.ResumeFrom == t.ChunksTotal {
		// Receiver already has every chunk and will finish on its own.
		return nil
	}

	if err := m.store.SetTransferStatus(ctx, t.ID, store.TransferActive); err != nil {
		return fmt.Errorf("activate transfer: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(int64(decision.ResumeFrom)*proto.ChunkSize, io.SeekStart); err != nil {
		return err
	}

	buf := make([]byte, proto.ChunkSize)
	for idx := decision.ResumeFrom; idx < t.ChunksTotal; idx++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("transfer cancelled: %w", err)
		}

		chunkLen := int(t.FileSize - int64(idx)*proto.ChunkSize)
		if chunkLen > proto.ChunkSize {
			chunkLen = proto.ChunkSize
		}
		if _, err := io.ReadFull(f, buf[:chunkLen]); err != nil {
			return fmt.Errorf("read chunk %d: %w", idx, err)
		}
		sum := sha256.Sum256(buf[:chunkLen])

		hdr, err := proto.EncodeChunk(proto.ChunkMsg{
			TransferID: t.ID,
			ChunkIndex: idx,
			ChunkSize:  chunkLen,
			ChunkHash:  hex.EncodeToString(sum[:]),
			IsLast:     idx == t.ChunksTotal-1,
		})
		if err != nil {
			return err
		}
		_ = stream.SetWriteDeadline(time.Now().Add(m.chunkTimeout))
		if err := proto.WriteFrame(stream, hdr); err != nil {
			return fmt.Errorf("write chunk %d header: %w", idx, err)
		}
		if err := proto.WriteRaw(stream, buf[:chunkLen]); err != nil {
			return fmt.Errorf("write chunk %d: %w", idx, err)
		}
		m.met.ChunksSent.Inc()
		m.met.FileBytesSent.Add(float64(chunkLen))

		_ = stream.SetReadDeadline(time.Now().Add(m.chunkTimeout))
		ackPayload, err := proto.ReadFrameWithTypeCap(stream, proto.MaxChunkAckSize, proto.TypeCap)
		if err != nil {
			return fmt.Errorf("await chunk %d ack: %w", idx, err)
		}
		ack, err := proto.DecodeChunkAck(ackPayload)
		if err != nil {
			return err
		}
		if ack.Status != proto.ChunkStatusOK {
			return fmt.Errorf("chunk %d rejected: %s", idx, ack.Error)
		}
		if ack.ChunkIndex != idx {
			return fmt.Errorf("ack for chunk %d while sending %d", ack.ChunkIndex, idx)
		}

		m.noteSendProgress(t.ID, idx+1, t.ChunksTotal)
	}

	m.log.Info().
		Str("transfer_id", t.ID).
		Str("peer_id", recipientID).
		Msg("file delivered")
	return nil
}

// noteSendProgress mirrors acked chunk counts into the sender row. With
// several recipients the row shows the most recent acker's position.
func (m *Manager) noteSendProgress(transferID string, acked, chunksTotal int) {
	progress := float64(acked) / float64(chunksTotal) * 100
	m.pool.Submit("transfer progress", func(ctx context.Context) error {
		err := m.store.UpdateTransferProgress(ctx, transferID, acked, nil, progress)
		if errors.Is(err, store.ErrTransferTerminal) {
			// The transfer finished or was cancelled while this update
			// waited in the queue.
			return nil
		}
		if err != nil {
			return err
		}
		if t, getErr := m.store.GetTransfer(ctx, transferID); getErr == nil && t != nil {
			m.fireProgress(*t)
		}
		return nil
	})
}

// Cancel stops a non-terminal transfer. Receiver-side partial files are
// deleted; failed transfers keep theirs for diagnostics.
func (m *Manager) Cancel(ctx context.Context, transferID string) error {
	t, err := m.store.GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("transfer %s not found", transferID)
	}
	if store.TransferTerminal(t.Status) {
		return fmt.Errorf("transfer %s already %s: %w", transferID, t.Status, store.ErrTransferTerminal)
	}

	if err := m.store.SetTransferStatus(ctx, transferID, store.TransferCancelled); err != nil {
		return err
	}

	m.mu.Lock()
	cancel := m.cancels[transferID]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if t.Direction == store.DirectionReceive && t.LocalPath != "" {
		if err := os.Remove(t.LocalPath + partSuffix); err != nil && !os.IsNotExist(err) {
			m.log.Warn().Err(err).Str("transfer_id", transferID).Msg("partial file cleanup failed")
		}
	}

	t.Status = store.TransferCancelled
	m.fireProgress(*t)
	m.log.Info().Str("transfer_id", transferID).Msg("transfer cancelled")
	return nil
}

func (m *Manager) fireProgress(t store.FileTransfer) {
	m.mu.Lock()
	observers := make([]ProgressFunc, len(m.onProgress))
	copy(observers, m.onProgress)
	m.mu.Unlock()

	for i, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().
						Interface("panic", r).
						Int("observer", i).
						Str("transfer_id", t.ID).
						Msg("progress observer panicked")
				}
			}()
			fn(t)
		}()
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
