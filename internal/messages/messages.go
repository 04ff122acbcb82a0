// Package messages implements the chat send/receive path: compose,
// per-peer encrypt, fan out over chat streams, persist, and track delivery
// acknowledgments.
package messages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"meshtalk/internal/channels"
	"meshtalk/internal/keys"
	"meshtalk/internal/metrics"
	"meshtalk/internal/proto"
	"meshtalk/internal/store"
	"meshtalk/internal/transport"
	"meshtalk/internal/work"
)

const defaultAckTimeout = 10 * time.Second

// Handler receives every inbound message. Handlers run on the stream
// goroutine; errors and panics are logged and never stop the fan-out.
type Handler func(msg store.Message) error

type Options struct {
	DisplayName string
	AckTimeout  time.Duration
}

type Manager struct {
	store     *store.Store
	channels  *channels.Manager
	keys      *keys.Manager
	transport transport.Transport
	pool      *work.Pool
	met       *metrics.Metrics
	log       zerolog.Logger

	displayName string
	ackTimeout  time.Duration

	mu       sync.RWMutex
	handlers []Handler
}

func NewManager(s *store.Store, ch *channels.Manager, k *keys.Manager, tp transport.Transport, pool *work.Pool, met *metrics.Metrics, log zerolog.Logger, opts Options) *Manager {
	if met == nil {
		met = metrics.New(nil)
	}
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	return &Manager{
		store:       s,
		channels:    ch,
		keys:        k,
		transport:   tp,
		pool:        pool,
		met:         met,
		log:         log.With().Str("component", "messages").Logger(),
		displayName: opts.DisplayName,
		ackTimeout:  ackTimeout,
	}
}

// RegisterHandler adds an observer for inbound messages.
func (m *Manager) RegisterHandler(h Handler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

type SendOptions struct {
	Type         string // text (default) or file
	ReplyTo      string
	ThreadID     string
	FileMetadata string
}

// Send persists the message first, then delivers it to every channel member
// except the sender, in parallel. Per-peer failures are logged and skipped;
// partial delivery is a normal outcome on a mesh. The local copy keeps the
// content as composed; per-recipient ciphertext exists only on the wire.
func (m *Manager) Send(ctx context.Context, channelID, content string, opts SendOptions) (*store.Message, error) {
	selfID := m.keys.DeviceID()
	if selfID == "" {
		return nil, fmt.Errorf("device keys not initialized")
	}
	ch, err := m.channels.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, fmt.Errorf("channel %s not found", channelID)
	}

	msgType := opts.Type
	if msgType == "" {
		msgType = store.MessageText
	}
	if msgType != store.MessageText && msgType != store.MessageFile {
		return nil, fmt.Errorf("unknown message type %q", msgType)
	}

	msg := store.Message{
		ID:           ulid.Make().String(),
		ChannelID:    channelID,
		SenderID:     selfID,
		SenderName:   m.displayName,
		Type:         msgType,
		Content:      content,
		Timestamp:    time.Now().UTC(),
		ReplyTo:      opts.ReplyTo,
		ThreadID:     opts.ThreadID,
		FileMetadata: opts.FileMetadata,
	}
	if err := m.store.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	var wg sync.WaitGroup
	for _, peerID := range ch.Members {
		if peerID == selfID {
			continue
		}
		wg.Add(1)
		go func(peerID string) {
			defer wg.Done()
			if err := m.deliver(ctx, msg, peerID); err != nil {
				m.log.Warn().
					Err(err).
					Str("message_id", msg.ID).
					Str("peer_id", peerID).
					Msg("delivery failed")
			}
		}(peerID)
	}
	wg.Wait()
	return &msg, nil
}

// deliver sends one copy of the message to one peer and waits for the ack.
func (m *Manager) deliver(ctx context.Context, msg store.Message, peerID string) error {
	peer, err := m.store.GetPeer(ctx, peerID)
	if err != nil {
		return err
	}
	if peer == nil {
		return fmt.Errorf("peer %s not yet discovered", peerID)
	}
	if peer.Address == "" {
		return fmt.Errorf("peer %s has no address", peerID)
	}

	wire, encrypted, err := m.keys.EncryptFor(ctx, peerID, []byte(msg.Content))
	if err != nil {
		return fmt.Errorf("encrypt for %s: %w", peerID, err)
	}
	if !encrypted {
		m.met.MessagesCleartext.Inc()
		m.log.Warn().
			Str("message_id", msg.ID).
			Str("peer_id", peerID).
			Msg("no key on record, sending cleartext")
	}

	frame := proto.MessageFrame{
		Type:       msg.Type,
		ID:         msg.ID,
		ChannelID:  msg.ChannelID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    wire,
		Encrypted:  encrypted,
		Timestamp:  msg.Timestamp.Format(time.RFC3339Nano),
		ReplyTo:    msg.ReplyTo,
		ThreadID:   msg.ThreadID,
	}
	if msg.FileMetadata != "" {
		frame.FileMetadata = json.RawMessage(msg.FileMetadata)
	}
	payload, err := proto.EncodeMessage(frame)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.ackTimeout)
	defer cancel()
	stream, err := m.transport.OpenStream(sendCtx, peer.Address, proto.ProtocolChat)
	if err != nil {
		return err
	}
	defer stream.Close()

	_ = stream.SetDeadline(time.Now().Add(m.ackTimeout))
	if err := proto.WriteFrame(stream, payload); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	m.met.MessagesSent.Inc()

	ackPayload, err := proto.ReadFrameWithTypeCap(stream, proto.MaxAckSize, proto.TypeCap)
	if err != nil {
		if isTimeout(err) {
			m.met.AckTimeouts.Inc()
		}
		return fmt.Errorf("await ack: %w", err)
	}
	ack, err := proto.DecodeAck(ackPayload)
	if err != nil {
		return err
	}
	if ack.MessageID != msg.ID {
		return fmt.Errorf("ack for wrong message %s", ack.MessageID)
	}

	m.pool.Submit("append delivered_to", func(ctx context.Context) error {
		return m.store.AppendDeliveredTo(ctx, msg.ID, peerID)
	})
	return nil
}

// HandleInbound persists a message arriving on a chat stream, fans it out
// to registered handlers, and returns the ack the stream handler should
// write back. Duplicate deliveries are re-acked, not re-stored. Undecryptable
// content is replaced with a placeholder rather than dropped.
func (m *Manager) HandleInbound(ctx context.Context, frame proto.MessageFrame) (proto.AckMsg, error) {
	ack := proto.AckMsg{
		Type:       proto.MsgTypeAck,
		MessageID:  frame.ID,
		ReceivedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}

	content := frame.Content
	if frame.Encrypted {
		plain, err := m.keys.DecryptFrom(frame.Content)
		if err != nil {
			m.met.DecryptFailures.Inc()
			m.log.Warn().
				Err(err).
				Str("message_id", frame.ID).
				Str("sender_id", frame.SenderID).
				Msg("decrypt failed, storing placeholder")
			content = "[unable to decrypt]"
		} else {
			content = string(plain)
		}
	}

	if err := m.channels.Adopt(ctx, store.Channel{
		ID:        frame.ChannelID,
		CreatedBy: frame.SenderID,
		Members:   []string{frame.SenderID, m.keys.DeviceID()},
	}); err != nil {
		return ack, fmt.Errorf("adopt channel %s: %w", frame.ChannelID, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, frame.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	msg := store.Message{
		ID:           frame.ID,
		ChannelID:    frame.ChannelID,
		SenderID:     frame.SenderID,
		SenderName:   frame.SenderName,
		Type:         frame.Type,
		Content:      content,
		Encrypted:    frame.Encrypted,
		Timestamp:    ts,
		ReplyTo:      frame.ReplyTo,
		ThreadID:     frame.ThreadID,
		FileMetadata: string(frame.FileMetadata),
	}
	if err := m.store.InsertMessage(ctx, msg); err != nil {
		if existing, getErr := m.store.GetMessage(ctx, frame.ID); getErr == nil && existing != nil {
			// Sender retried after a lost ack.
			return ack, nil
		}
		return ack, fmt.Errorf("persist inbound message: %w", err)
	}

	m.met.MessagesReceived.Inc()
	m.fireHandlers(msg)
	return ack, nil
}

// History returns persisted messages for a channel in chronological order.
func (m *Manager) History(ctx context.Context, channelID string, limit int) ([]store.Message, error) {
	msgs, err := m.store.MessageHistory(ctx, channelID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (m *Manager) MarkRead(ctx context.Context, messageID, peerID string) error {
	return m.store.AppendReadBy(ctx, messageID, peerID)
}

func (m *Manager) fireHandlers(msg store.Message) {
	m.mu.RLock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for i, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().
						Interface("panic", r).
						Int("handler", i).
						Str("message_id", msg.ID).
						Msg("message handler panicked")
				}
			}()
			if err := h(msg); err != nil {
				m.log.Error().
					Err(err).
					Int("handler", i).
					Str("message_id", msg.ID).
					Msg("message handler failed")
			}
		}()
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
