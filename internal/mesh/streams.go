package mesh

import (
	"context"
	"fmt"
	"time"

	"meshtalk/internal/proto"
	"meshtalk/internal/transport"
)

// handleChatStream serves one inbound chat-protocol stream. Each stream
// carries exactly one request: an identity exchange or a chat message.
func (h *Host) handleChatStream(stream transport.Stream, remoteAddr string) {
	defer stream.Close()

	_ = stream.SetReadDeadline(time.Now().Add(h.cfg.AckTimeout))
	payload, err := proto.ReadFrameWithTypeCap(stream, proto.SoftMaxFrameSize, proto.TypeCap)
	if err != nil {
		h.log.Debug().Err(err).Str("remote", remoteAddr).Msg("read chat frame")
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	switch proto.FrameType(payload) {
	case proto.MsgTypeInfoRequest:
		h.answerInfoRequest(stream, payload, remoteAddr)
	case proto.MsgTypeText, proto.MsgTypeFile:
		h.handleChatMessage(stream, payload, remoteAddr)
	default:
		h.log.Warn().
			Str("type", proto.FrameType(payload)).
			Str("remote", remoteAddr).
			Msg("unexpected chat frame")
	}
}

// answerInfoRequest learns the caller's identity and replies with ours. The
// caller's connection address is not its listen address, so an existing row
// keeps whatever address discovery found.
func (h *Host) answerInfoRequest(stream transport.Stream, payload []byte, remoteAddr string) {
	req, err := proto.DecodeInfo(payload)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", remoteAddr).Msg("bad info request")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.AckTimeout)
	defer cancel()

	if req.PeerID != h.keys.DeviceID() {
		addr := ""
		if existing, err := h.store.GetPeer(ctx, req.PeerID); err == nil && existing != nil {
			addr = existing.Address
		}
		h.learnPeer(ctx, req, addr)
	}

	resp, err := proto.EncodeInfo(h.selfInfo(proto.MsgTypeInfoResponse))
	if err != nil {
		h.log.Error().Err(err).Msg("encode info response")
		return
	}
	_ = stream.SetWriteDeadline(time.Now().Add(h.cfg.AckTimeout))
	if err := proto.WriteFrame(stream, resp); err != nil {
		h.log.Debug().Err(err).Str("remote", remoteAddr).Msg("write info response")
	}
}

// handleChatMessage feeds an inbound message through the chat manager and
// writes the ack back on the same stream. No ack goes out when persistence
// fails; the sender's retry will land the message later.
func (h *Host) handleChatMessage(stream transport.Stream, payload []byte, remoteAddr string) {
	frame, err := proto.DecodeMessage(payload)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", remoteAddr).Msg("bad chat message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.AckTimeout)
	defer cancel()

	ack, err := h.msgs.HandleInbound(ctx, frame)
	if err != nil {
		h.log.Error().Err(err).Str("message", frame.ID).Msg("inbound message failed")
		return
	}
	data, err := proto.EncodeAck(ack)
	if err != nil {
		h.log.Error().Err(err).Msg("encode ack")
		return
	}
	_ = stream.SetWriteDeadline(time.Now().Add(h.cfg.AckTimeout))
	if err := proto.WriteFrame(stream, data); err != nil {
		h.log.Debug().Err(err).Str("message", frame.ID).Msg("write ack")
	}
}

// infoExchange opens a chat stream to addr and runs the identity handshake.
func (h *Host) infoExchange(ctx context.Context, addr string) (*proto.InfoMsg, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.AckTimeout)
	defer cancel()

	stream, err := h.tp.OpenStream(ctx, addr, proto.ProtocolChat)
	if err != nil {
		return nil, fmt.Errorf("open chat stream: %w", err)
	}
	defer stream.Close()

	req, err := proto.EncodeInfo(h.selfInfo(proto.MsgTypeInfoRequest))
	if err != nil {
		return nil, err
	}
	_ = stream.SetDeadline(time.Now().Add(h.cfg.AckTimeout))
	if err := proto.WriteFrame(stream, req); err != nil {
		return nil, fmt.Errorf("write info request: %w", err)
	}

	payload, err := proto.ReadFrameWithTypeCap(stream, proto.SoftMaxFrameSize, proto.TypeCap)
	if err != nil {
		return nil, fmt.Errorf("read info response: %w", err)
	}
	info, err := proto.DecodeInfo(payload)
	if err != nil {
		return nil, err
	}
	if info.Type != proto.MsgTypeInfoResponse {
		return nil, fmt.Errorf("unexpected reply type %s", info.Type)
	}
	return &info, nil
}

func (h *Host) selfInfo(msgType string) proto.InfoMsg {
	return proto.InfoMsg{
		Type:        msgType,
		PeerID:      h.keys.DeviceID(),
		DisplayName: h.cfg.DisplayName,
		DeviceName:  h.cfg.DeviceName,
		PublicKey:   h.keys.PublicKeyHex(),
		VerifyKey:   h.keys.VerifyKeyHex(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
}
