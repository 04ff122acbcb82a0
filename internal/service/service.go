// Package service is the embedding surface for a node. One explicitly
// constructed Service owns the store, key manager, mesh host, and ops
// listener; every chat, channel, file, and key operation delegates to the
// manager underneath. There is no package-level instance: callers build
// exactly what they need and tear it down the same way.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"meshtalk/internal/config"
	"meshtalk/internal/files"
	"meshtalk/internal/keys"
	"meshtalk/internal/logging"
	"meshtalk/internal/mesh"
	"meshtalk/internal/messages"
	"meshtalk/internal/metrics"
	"meshtalk/internal/ops"
	"meshtalk/internal/store"
	"meshtalk/internal/transport"
)

// Options carries injectable dependencies. Anything left nil is built from
// the config; the transport additionally falls back to QUIC and New fails
// fast if that cannot be constructed.
type Options struct {
	Store     *store.Store
	Keys      *keys.Manager
	Transport transport.Transport
	Discovery mesh.Discoverer
	Metrics   *metrics.Metrics
	Log       *zerolog.Logger
}

type Service struct {
	cfg   *config.Config
	log   zerolog.Logger
	met   *metrics.Metrics
	store *store.Store
	keys  *keys.Manager
	host  *mesh.Host
	ops   *ops.Server

	ownsStore bool

	mu      sync.Mutex
	started bool
}

func New(cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.Load()
	}

	var log zerolog.Logger
	if opts.Log != nil {
		log = *opts.Log
	} else {
		log = logging.New(cfg.Debug, cfg.PrettyLogs)
	}

	met := opts.Metrics
	if met == nil {
		met = metrics.New(nil)
	}

	st := opts.Store
	ownsStore := false
	if st == nil {
		if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
			return nil, fmt.Errorf("create home: %w", err)
		}
		opened, err := store.Open(context.Background(), cfg.StorePath())
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		st = opened
		ownsStore = true
	}

	km := opts.Keys
	if km == nil {
		km = keys.NewManager(st, cfg.Home, met, log)
	}

	tp := opts.Transport
	if tp == nil {
		q, err := transport.NewQUIC(met, log)
		if err != nil {
			if ownsStore {
				st.Close()
			}
			return nil, fmt.Errorf("build quic transport: %w", err)
		}
		tp = q
	}

	host, err := mesh.New(cfg, mesh.Options{
		Store:     st,
		Keys:      km,
		Transport: tp,
		Discovery: opts.Discovery,
		Metrics:   met,
		Log:       &log,
	})
	if err != nil {
		if ownsStore {
			st.Close()
		}
		return nil, err
	}

	return &Service{
		cfg:       cfg,
		log:       log.With().Str("component", "service").Logger(),
		met:       met,
		store:     st,
		keys:      km,
		host:      host,
		ops:       ops.NewServer(st, met, log),
		ownsStore: ownsStore,
	}, nil
}

// Start brings the node up: device keys, transport listener, discovery and
// heartbeat loops, then the ops endpoints. A failed ops bind tears the host
// back down rather than leaving a half-started node.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("service: already started")
	}
	s.started = true
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	if err := s.host.Start(ctx); err != nil {
		return fail(err)
	}
	if err := s.ops.Start(s.cfg.OpsAddr); err != nil {
		if herr := s.host.Stop(ctx); herr != nil {
			s.log.Warn().Err(herr).Msg("host stop after failed ops start")
		}
		return fail(err)
	}

	s.log.Info().
		Str("device_id", s.keys.DeviceID()).
		Str("addr", s.host.Addr()).
		Str("ops_addr", s.ops.Addr()).
		Msg("service up")
	return nil
}

// Stop shuts everything down in reverse: ops listener, host (loops, streams,
// worker pool), then the store if this service opened it. Idempotent.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	if err := s.ops.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("ops shutdown")
	}
	err := s.host.Stop(ctx)
	if s.ownsStore {
		if cerr := s.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.log.Info().Msg("service stopped")
	return err
}

// PanicClose force-drops every live connection and clears the in-memory
// caches. Persisted history, transfers, and keys are untouched; the loops
// keep running and rebuild state from the next discovery round. Safe to call
// repeatedly, started or not.
func (s *Service) PanicClose() {
	s.host.CloseAllConnections()
	s.log.Warn().Msg("panic close: connections dropped, caches cleared")
}

// DeviceID is this device's stable identifier, empty before InitDeviceKeys.
func (s *Service) DeviceID() string { return s.keys.DeviceID() }

// Fingerprint is the hex digest of this device's public key material.
func (s *Service) Fingerprint() string { return s.keys.Fingerprint() }

// Addr is the transport listen address once started.
func (s *Service) Addr() string { return s.host.Addr() }

// OpsAddr is the bound ops listener address, empty when disabled.
func (s *Service) OpsAddr() string { return s.ops.Addr() }

// InitDeviceKeys loads or creates the device identity. Start does this
// implicitly; inspection commands call it to read key material without
// bringing the mesh up.
func (s *Service) InitDeviceKeys(ctx context.Context) error {
	return s.keys.InitDeviceKeys(ctx)
}

func (s *Service) SendMessage(ctx context.Context, channelID, content string, opts messages.SendOptions) (*store.Message, error) {
	return s.host.Messages().Send(ctx, channelID, content, opts)
}

func (s *Service) History(ctx context.Context, channelID string, limit int) ([]store.Message, error) {
	return s.host.Messages().History(ctx, channelID, limit)
}

// MarkRead records this device in the message's read set.
func (s *Service) MarkRead(ctx context.Context, messageID string) error {
	return s.host.Messages().MarkRead(ctx, messageID, s.keys.DeviceID())
}

func (s *Service) RegisterMessageHandler(h messages.Handler) {
	s.host.Messages().RegisterHandler(h)
}

// CreateChannel makes this device the creator and first admin; the roster
// always includes it.
func (s *Service) CreateChannel(ctx context.Context, name, chType string, members []string) (*store.Channel, error) {
	return s.host.Channels().Create(ctx, name, chType, s.keys.DeviceID(), members)
}

func (s *Service) GetChannel(ctx context.Context, channelID string) (*store.Channel, error) {
	return s.host.Channels().Get(ctx, channelID)
}

func (s *Service) ListChannels(ctx context.Context) ([]store.Channel, error) {
	return s.host.Channels().List(ctx)
}

func (s *Service) AddMember(ctx context.Context, channelID, peerID string) error {
	return s.host.Channels().AddMember(ctx, channelID, s.keys.DeviceID(), peerID)
}

func (s *Service) RemoveMember(ctx context.Context, channelID, peerID string) error {
	return s.host.Channels().RemoveMember(ctx, channelID, s.keys.DeviceID(), peerID)
}

func (s *Service) SetChannelTopic(ctx context.Context, channelID, topic string) error {
	return s.host.Channels().SetTopic(ctx, channelID, s.keys.DeviceID(), topic)
}

func (s *Service) ListPeers(ctx context.Context) ([]store.Peer, error) {
	return s.store.ListPeers(ctx)
}

func (s *Service) GetPeer(ctx context.Context, peerID string) (*store.Peer, error) {
	return s.store.GetPeer(ctx, peerID)
}

// fileMetadata is the chat-visible description of a transfer, embedded in the
// file-type message that announces it to the channel.
type fileMetadata struct {
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	MimeType   string `json:"mime_type"`
	FileHash   string `json:"file_hash"`
}

// SendFile fans the file out to every channel member except this device and
// posts a file-type message describing it. The transfer is returned as soon
// as it is underway; per-recipient failures surface through transfer status
// and logs, not the return value.
func (s *Service) SendFile(ctx context.Context, channelID, path string) (*store.FileTransfer, error) {
	ch, err := s.host.Channels().Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, fmt.Errorf("channel %s not found", channelID)
	}

	self := s.keys.DeviceID()
	var recipients []string
	for _, m := range ch.Members {
		if m != self {
			recipients = append(recipients, m)
		}
	}

	t, err := s.host.Files().SendFile(ctx, channelID, recipients, path)
	if err != nil {
		return nil, err
	}

	meta, err := json.Marshal(fileMetadata{
		TransferID: t.ID,
		FileName:   t.FileName,
		FileSize:   t.FileSize,
		MimeType:   t.MimeType,
		FileHash:   t.FileHash,
	})
	if err == nil {
		_, err = s.host.Messages().Send(ctx, channelID, t.FileName, messages.SendOptions{
			Type:         store.MessageFile,
			FileMetadata: string(meta),
		})
	}
	if err != nil {
		s.log.Warn().Err(err).Str("transfer_id", t.ID).Msg("file announcement message failed")
	}
	return t, nil
}

func (s *Service) CancelFileTransfer(ctx context.Context, transferID string) error {
	return s.host.Files().Cancel(ctx, transferID)
}

func (s *Service) Transfer(ctx context.Context, transferID string) (*store.FileTransfer, error) {
	return s.host.Files().Get(ctx, transferID)
}

func (s *Service) ListTransfers(ctx context.Context) ([]store.FileTransfer, error) {
	return s.host.Files().List(ctx)
}

func (s *Service) PendingChunks(ctx context.Context, transferID string) ([]int, error) {
	return s.host.Files().PendingChunks(ctx, transferID)
}

func (s *Service) OnTransferProgress(fn files.ProgressFunc) {
	s.host.Files().OnProgress(fn)
}

func (s *Service) VerifyPeerFingerprint(ctx context.Context, peerID string) error {
	return s.keys.VerifyPeerFingerprint(ctx, peerID)
}

func (s *Service) SafetyNumber(ctx context.Context, peerID string) (string, error) {
	return s.keys.SafetyNumberWith(ctx, peerID)
}

func (s *Service) UnacknowledgedSafetyChanges(ctx context.Context) ([]store.SafetyNumberChange, error) {
	return s.keys.UnacknowledgedSafetyChanges(ctx)
}

func (s *Service) AcknowledgeSafetyChange(ctx context.Context, changeID string) error {
	return s.keys.AcknowledgeSafetyChange(ctx, changeID)
}
