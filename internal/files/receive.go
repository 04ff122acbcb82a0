package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"meshtalk/internal/proto"
	"meshtalk/internal/store"
	"meshtalk/internal/transport"
)

// HandleStream serves one inbound file stream: announce → accept with a
// resume offset → chunk loop → whole-file verification. The stream arrives
// positioned after protocol negotiation.
//
// A dropped stream leaves the transfer row non-terminal with its bitmap
// intact, so a re-announce with the same transfer id resumes from the first
// missing chunk.
func (m *Manager) HandleStream(stream transport.Stream, remoteAddr string) {
	defer stream.Close()
	ctx := context.Background()

	_ = stream.SetReadDeadline(time.Now().Add(m.acceptTimeout))
	payload, err := proto.ReadFrameWithTypeCap(stream, proto.MaxAnnounceSize, proto.TypeCap)
	if err != nil {
		return
	}
	announce, err := proto.DecodeTransferAnnounce(payload)
	if err != nil {
		m.log.Debug().Err(err).Str("remote", remoteAddr).Msg("bad transfer announce")
		return
	}

	t, resumeFrom, reason := m.prepareReceive(ctx, announce)
	if reason != "" {
		m.log.Warn().
			Str("transfer_id", announce.TransferID).
			Str("remote", remoteAddr).
			Str("reason", reason).
			Msg("transfer rejected")
		m.writeDecision(stream, proto.TransferDecisionMsg{
			Type:       proto.MsgTypeTransferReject,
			TransferID: announce.TransferID,
			Reason:     reason,
		})
		return
	}

	m.writeDecision(stream, proto.TransferDecisionMsg{
		Type:       proto.MsgTypeTransferAccept,
		TransferID: t.ID,
		ResumeFrom: resumeFrom,
	})

	if resumeFrom == t.ChunksTotal {
		// Every chunk already landed in an earlier session; only the
		// verification step was missing.
		m.finalize(ctx, t, announce)
		return
	}
	m.receiveChunks(ctx, stream, t, announce)
}

// prepareReceive resolves the announce against existing state: a fresh
// transfer gets a row and a unique download path, a known non-terminal
// transfer resumes at its first missing chunk. The returned reason, when
// non-empty, rejects the transfer.
func (m *Manager) prepareReceive(ctx context.Context, announce proto.TransferAnnounceMsg) (*store.FileTransfer, int, string) {
	wantChunks := int((announce.FileSize + int64(announce.ChunkSize) - 1) / int64(announce.ChunkSize))
	if announce.FileSize <= 0 || wantChunks != announce.ChunksTotal {
		return nil, 0, "bad_announce"
	}

	existing, err := m.store.GetTransfer(ctx, announce.TransferID)
	if err != nil {
		m.log.Error().Err(err).Str("transfer_id", announce.TransferID).Msg("transfer lookup failed")
		return nil, 0, "store_error"
	}
	if existing != nil {
		if existing.Direction != store.DirectionReceive {
			return nil, 0, "id_collision"
		}
		if store.TransferTerminal(existing.Status) {
			return nil, 0, "transfer_closed"
		}
		if existing.FileHash != announce.FileHash || existing.FileSize != announce.FileSize ||
			existing.ChunksTotal != announce.ChunksTotal {
			return nil, 0, "announce_mismatch"
		}
		return existing, firstMissing(existing.ReceivedBitmap, existing.ChunksTotal), ""
	}

	if err := os.MkdirAll(m.downloadDir, 0o700); err != nil {
		m.log.Error().Err(err).Str("dir", m.downloadDir).Msg("download dir unavailable")
		return nil, 0, "store_error"
	}
	localPath, err := m.uniquePath(announce.FileName)
	if err != nil {
		m.log.Error().Err(err).Str("file", announce.FileName).Msg("no local path for download")
		return nil, 0, "store_error"
	}

	now := time.Now().UTC()
	t := store.FileTransfer{
		ID:             announce.TransferID,
		FileName:       announce.FileName,
		FileSize:       announce.FileSize,
		FileHash:       announce.FileHash,
		MimeType:       announce.MimeType,
		SenderID:       announce.SenderID,
		RecipientIDs:   []string{m.keys.DeviceID()},
		ChannelID:      announce.ChannelID,
		ChunksTotal:    announce.ChunksTotal,
		ReceivedBitmap: bitmapFor(announce.ChunksTotal),
		Status:         store.TransferActive,
		Direction:      store.DirectionReceive,
		LocalPath:      localPath,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateTransfer(ctx, t); err != nil {
		m.log.Error().Err(err).Str("transfer_id", t.ID).Msg("persist inbound transfer failed")
		return nil, 0, "store_error"
	}
	m.met.TransfersStarted.Inc()
	m.log.Info().
		Str("transfer_id", t.ID).
		Str("file", t.FileName).
		Int64("size", t.FileSize).
		Str("sender", t.SenderID).
		Msg("inbound transfer accepted")
	m.fireProgress(t)
	return &t, 0, ""
}

func (m *Manager) receiveChunks(ctx context.Context, stream transport.Stream, t *store.FileTransfer, announce proto.TransferAnnounceMsg) {
	partPath := t.LocalPath + partSuffix
	f, err := os.OpenFile(partPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		m.log.Error().Err(err).Str("transfer_id", t.ID).Msg("open partial file failed")
		return
	}
	defer f.Close()

	bitmap := append([]byte(nil), t.ReceivedBitmap...)
	for {
		_ = stream.SetReadDeadline(time.Now().Add(m.chunkTimeout))
		payload, err := proto.ReadFrameWithTypeCap(stream, proto.MaxChunkHdrSize, proto.TypeCap)
		if err != nil {
			// Sender gone or idle; keep the row non-terminal for resume.
			m.log.Debug().Err(err).Str("transfer_id", t.ID).Msg("chunk stream ended")
			return
		}
		hdr, err := proto.DecodeChunk(payload)
		if err != nil {
			m.ackChunk(stream, 0, proto.ChunkStatusError, "bad_chunk_header")
			return
		}
		if hdr.TransferID != t.ID {
			m.ackChunk(stream, hdr.ChunkIndex, proto.ChunkStatusError, "wrong_transfer")
			return
		}
		if hdr.ChunkIndex < 0 || hdr.ChunkIndex >= t.ChunksTotal || hdr.ChunkSize != m.expectChunkLen(announce, hdr.ChunkIndex) {
			m.ackChunk(stream, hdr.ChunkIndex, proto.ChunkStatusError, "bad_chunk")
			return
		}

		// The body always gets drained so the stream stays in lockstep;
		// whether it is written is decided below.
		_ = stream.SetReadDeadline(time.Now().Add(m.chunkTimeout))
		raw, err := proto.ReadRaw(stream, hdr.ChunkSize)
		if err != nil {
			m.log.Debug().Err(err).Str("transfer_id", t.ID).Int("chunk", hdr.ChunkIndex).Msg("chunk body read failed")
			return
		}

		// A concurrent Cancel must stop the stream without resurrecting
		// the row.
		cur, err := m.store.GetTransfer(ctx, t.ID)
		if err != nil || cur == nil || store.TransferTerminal(cur.Status) {
			m.ackChunk(stream, hdr.ChunkIndex, proto.ChunkStatusError, "cancelled")
			return
		}

		sum := sha256.Sum256(raw)
		if hex.EncodeToString(sum[:]) != hdr.ChunkHash {
			m.met.ChunkHashFailures.Inc()
			m.failTransfer(ctx, t, "chunk hash mismatch")
			m.ackChunk(stream, hdr.ChunkIndex, proto.ChunkStatusError, "hash_mismatch")
			return
		}

		if _, err := f.WriteAt(raw, int64(hdr.ChunkIndex)*int64(announce.ChunkSize)); err != nil {
			m.log.Error().Err(err).Str("transfer_id", t.ID).Int("chunk", hdr.ChunkIndex).Msg("chunk write failed")
			m.ackChunk(stream, hdr.ChunkIndex, proto.ChunkStatusError, "write_failed")
			return
		}
		setBit(bitmap, hdr.ChunkIndex)
		received := countBits(bitmap, t.ChunksTotal)
		progress := float64(received) / float64(t.ChunksTotal) * 100
		m.met.ChunksReceived.Inc()
		m.met.FileBytesReceived.Add(float64(hdr.ChunkSize))

		if hdr.IsLast {
			if received != t.ChunksTotal {
				m.ackChunk(stream, hdr.ChunkIndex, proto.ChunkStatusError, "missing_chunks")
				return
			}
			if err := f.Sync(); err != nil {
				m.ackChunk(stream, hdr.ChunkIndex, proto.ChunkStatusError, "write_failed")
				return
			}
			t.ReceivedBitmap = bitmap
			if reason := m.verifyAndComplete(ctx, t, announce); reason != "" {
				m.ackChunk(stream, hdr.ChunkIndex, proto.ChunkStatusError, reason)
				return
			}
			m.ackChunk(stream, hdr.ChunkIndex, proto.ChunkStatusOK, "")
			return
		}

		snapshot := *t
		snapshot.ChunksReceived = received
		snapshot.ReceivedBitmap = bitmap
		snapshot.Progress = progress
		m.persistProgress(snapshot)
		m.fireProgress(snapshot)
		m.ackChunk(stream, hdr.ChunkIndex, proto.ChunkStatusOK, "")
	}
}

// finalize completes a transfer whose chunks all landed in an earlier
// session, leaving only verification and the rename.
func (m *Manager) finalize(ctx context.Context, t *store.FileTransfer, announce proto.TransferAnnounceMsg) {
	if reason := m.verifyAndComplete(ctx, t, announce); reason != "" {
		m.log.Warn().Str("transfer_id", t.ID).Str("reason", reason).Msg("resumed transfer failed verification")
	}
}

// verifyAndComplete hashes the assembled partial file against the announced
// whole-file hash. A match renames .part into place and marks the transfer
// completed; a mismatch marks it failed and keeps the partial file for
// diagnostics. Returns the error ack reason, empty on success.
func (m *Manager) verifyAndComplete(ctx context.Context, t *store.FileTransfer, announce proto.TransferAnnounceMsg) string {
	partPath := t.LocalPath + partSuffix
	got, err := hashFile(partPath)
	if err != nil {
		m.log.Error().Err(err).Str("transfer_id", t.ID).Msg("hash partial file failed")
		return "verify_failed"
	}
	if got != announce.FileHash {
		m.failTransfer(ctx, t, "whole-file hash mismatch")
		return "file_hash_mismatch"
	}

	if err := os.Rename(partPath, t.LocalPath); err != nil {
		m.log.Error().Err(err).Str("transfer_id", t.ID).Msg("rename into place failed")
		return "verify_failed"
	}
	if err := m.store.UpdateTransferProgress(ctx, t.ID, t.ChunksTotal, t.ReceivedBitmap, 100); err != nil && !errors.Is(err, store.ErrTransferTerminal) {
		m.log.Error().Err(err).Str("transfer_id", t.ID).Msg("final progress write failed")
	}
	if err := m.store.SetTransferStatus(ctx, t.ID, store.TransferCompleted); err != nil {
		m.log.Error().Err(err).Str("transfer_id", t.ID).Msg("completion write failed")
		return "verify_failed"
	}
	m.met.TransfersCompleted.Inc()

	t.ChunksReceived = t.ChunksTotal
	t.Progress = 100
	t.Status = store.TransferCompleted
	m.fireProgress(*t)
	m.log.Info().
		Str("transfer_id", t.ID).
		Str("path", t.LocalPath).
		Msg("file received and verified")
	return ""
}

func (m *Manager) failTransfer(ctx context.Context, t *store.FileTransfer, why string) {
	if err := m.store.SetTransferStatus(ctx, t.ID, store.TransferFailed); err != nil && !errors.Is(err, store.ErrTransferTerminal) {
		m.log.Error().Err(err).Str("transfer_id", t.ID).Msg("failure write failed")
	}
	m.met.TransfersFailed.Inc()
	t.Status = store.TransferFailed
	m.fireProgress(*t)
	m.log.Warn().Str("transfer_id", t.ID).Str("why", why).Msg("transfer failed")
}

func (m *Manager) persistProgress(snapshot store.FileTransfer) {
	bm := append([]byte(nil), snapshot.ReceivedBitmap...)
	m.pool.Submit("transfer progress", func(ctx context.Context) error {
		err := m.store.UpdateTransferProgress(ctx, snapshot.ID, snapshot.ChunksReceived, bm, snapshot.Progress)
		if errors.Is(err, store.ErrTransferTerminal) {
			return nil
		}
		return err
	})
}

func (m *Manager) expectChunkLen(announce proto.TransferAnnounceMsg, idx int) int {
	if idx == announce.ChunksTotal-1 {
		return int(announce.FileSize - int64(announce.ChunksTotal-1)*int64(announce.ChunkSize))
	}
	return announce.ChunkSize
}

func (m *Manager) writeDecision(stream transport.Stream, decision proto.TransferDecisionMsg) {
	payload, err := proto.EncodeTransferDecision(decision)
	if err != nil {
		return
	}
	_ = stream.SetWriteDeadline(time.Now().Add(m.acceptTimeout))
	if err := proto.WriteFrame(stream, payload); err != nil {
		m.log.Debug().Err(err).Str("transfer_id", decision.TransferID).Msg("decision write failed")
	}
}

func (m *Manager) ackChunk(stream transport.Stream, idx int, status, reason string) {
	payload, err := proto.EncodeChunkAck(proto.ChunkAckMsg{
		Status:     status,
		ChunkIndex: idx,
		Error:      reason,
	})
	if err != nil {
		return
	}
	_ = stream.SetWriteDeadline(time.Now().Add(m.chunkTimeout))
	if err := proto.WriteFrame(stream, payload); err != nil {
		m.log.Debug().Err(err).Int("chunk", idx).Msg("chunk ack write failed")
	}
}

// uniquePath picks an unused download path for an announced file name.
// Base-naming the announced value keeps downloads inside the download dir.
func (m *Manager) uniquePath(fileName string) (string, error) {
	base := filepath.Base(fileName)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "download"
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for i := 0; i < 10000; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		full := filepath.Join(m.downloadDir, name)
		taken, err := pathTaken(full)
		if err != nil {
			return "", err
		}
		if taken {
			continue
		}
		taken, err = pathTaken(full + partSuffix)
		if err != nil {
			return "", err
		}
		if !taken {
			return full, nil
		}
	}
	return "", fmt.Errorf("no free name for %s in %s", fileName, m.downloadDir)
}

func pathTaken(p string) (bool, error) {
	_, err := os.Lstat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
