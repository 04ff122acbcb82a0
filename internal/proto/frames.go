package proto

import (
	"encoding/json"
	"fmt"
)

// Stream protocol identifiers, negotiated by the stream_open frame.
const (
	ProtocolChat = "/meshtalk/chat/1.0.0"
	ProtocolFile = "/meshtalk/file/1.0.0"
)

const (
	MsgTypeStreamOpen = "stream_open"

	MsgTypeInfoRequest  = "info_request"
	MsgTypeInfoResponse = "info_response"
	MsgTypeText         = "text"
	MsgTypeFile         = "file"
	MsgTypeAck          = "ack"

	MsgTypeTransferAnnounce = "transfer_announce"
	MsgTypeTransferAccept   = "transfer_accept"
	MsgTypeTransferReject   = "transfer_reject"
	MsgTypeChunk            = "chunk"
	MsgTypeChunkAck         = "chunk_ack"
)

// ChunkSize is the fixed slice size for file transfer payloads.
const ChunkSize = 1 << 20

const (
	MaxStreamOpenSize = 1 << 10
	MaxInfoSize       = 8 << 10
	MaxMessageSize    = 256 << 10
	MaxAckSize        = 1 << 10
	MaxAnnounceSize   = 8 << 10
	MaxDecisionSize   = 1 << 10
	MaxChunkHdrSize   = 1 << 10
	MaxChunkAckSize   = 1 << 10
)

// TypeCap returns the frame ceiling for a sniffed message type; zero means
// only the hard MaxFrameSize applies.
func TypeCap(msgType string) int {
	switch msgType {
	case MsgTypeStreamOpen:
		return MaxStreamOpenSize
	case MsgTypeInfoRequest, MsgTypeInfoResponse:
		return MaxInfoSize
	case MsgTypeText, MsgTypeFile:
		return MaxMessageSize
	case MsgTypeAck:
		return MaxAckSize
	case MsgTypeTransferAnnounce:
		return MaxAnnounceSize
	case MsgTypeTransferAccept, MsgTypeTransferReject:
		return MaxDecisionSize
	case MsgTypeChunk:
		return MaxChunkHdrSize
	case MsgTypeChunkAck:
		return MaxChunkAckSize
	default:
		return 0
	}
}

// FrameType sniffs the type field of a decoded frame payload.
func FrameType(data []byte) string {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return ""
	}
	return hdr.Type
}

// StreamOpenMsg is the first frame on every stream and selects the protocol
// handler on the accepting side.
type StreamOpenMsg struct {
	Type  string `json:"type"`
	Proto string `json:"proto"`
}

func EncodeStreamOpen(m StreamOpenMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeStreamOpen
	}
	if m.Proto == "" {
		return nil, fmt.Errorf("missing proto")
	}
	return json.Marshal(m)
}

func DecodeStreamOpen(data []byte) (StreamOpenMsg, error) {
	var m StreamOpenMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return StreamOpenMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeStreamOpen {
		return StreamOpenMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.Proto == "" {
		return StreamOpenMsg{}, fmt.Errorf("missing proto")
	}
	return m, nil
}

// InfoMsg carries the device-identity exchange on a fresh chat stream. The
// same shape serves both the request and the response.
type InfoMsg struct {
	Type        string `json:"type"`
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`
	DeviceName  string `json:"device_name"`
	PublicKey   string `json:"public_key"`
	VerifyKey   string `json:"verify_key,omitempty"`
	Timestamp   string `json:"timestamp"`
}

func EncodeInfo(m InfoMsg) ([]byte, error) {
	if m.Type != MsgTypeInfoRequest && m.Type != MsgTypeInfoResponse {
		return nil, fmt.Errorf("bad info type: %s", m.Type)
	}
	if m.PeerID == "" {
		return nil, fmt.Errorf("missing peer_id")
	}
	return json.Marshal(m)
}

func DecodeInfo(data []byte) (InfoMsg, error) {
	var m InfoMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return InfoMsg{}, err
	}
	if m.Type != MsgTypeInfoRequest && m.Type != MsgTypeInfoResponse {
		return InfoMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.PeerID == "" {
		return InfoMsg{}, fmt.Errorf("missing peer_id")
	}
	return m, nil
}

// MessageFrame is the full chat message record on the wire. Type carries the
// message kind (text or file), which doubles as the frame type.
type MessageFrame struct {
	Type         string          `json:"type"`
	ID           string          `json:"id"`
	ChannelID    string          `json:"channel_id"`
	SenderID     string          `json:"sender_id"`
	SenderName   string          `json:"sender_name"`
	Content      string          `json:"content"`
	Encrypted    bool            `json:"encrypted"`
	Timestamp    string          `json:"timestamp"`
	ReplyTo      string          `json:"reply_to,omitempty"`
	ThreadID     string          `json:"thread_id,omitempty"`
	FileMetadata json.RawMessage `json:"file_metadata,omitempty"`
}

func EncodeMessage(m MessageFrame) ([]byte, error) {
	if m.Type != MsgTypeText && m.Type != MsgTypeFile {
		return nil, fmt.Errorf("bad message type: %s", m.Type)
	}
	if m.ID == "" || m.ChannelID == "" || m.SenderID == "" {
		return nil, fmt.Errorf("missing message fields")
	}
	return json.Marshal(m)
}

func DecodeMessage(data []byte) (MessageFrame, error) {
	var m MessageFrame
	if err := json.Unmarshal(data, &m); err != nil {
		return MessageFrame{}, err
	}
	if m.Type != MsgTypeText && m.Type != MsgTypeFile {
		return MessageFrame{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.ID == "" || m.ChannelID == "" || m.SenderID == "" {
		return MessageFrame{}, fmt.Errorf("missing message fields")
	}
	return m, nil
}

// AckMsg confirms receipt of one chat message.
type AckMsg struct {
	Type       string `json:"type"`
	MessageID  string `json:"message_id"`
	ReceivedAt string `json:"received_at"`
}

func EncodeAck(m AckMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeAck
	}
	if m.MessageID == "" {
		return nil, fmt.Errorf("missing message_id")
	}
	return json.Marshal(m)
}

func DecodeAck(data []byte) (AckMsg, error) {
	var m AckMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return AckMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeAck {
		return AckMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.MessageID == "" {
		return AckMsg{}, fmt.Errorf("missing message_id")
	}
	return m, nil
}

// TransferAnnounceMsg opens the file handshake.
type TransferAnnounceMsg struct {
	Type        string `json:"type"`
	TransferID  string `json:"transfer_id"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	FileHash    string `json:"file_hash"`
	MimeType    string `json:"mime_type"`
	ChunksTotal int    `json:"chunks_total"`
	ChunkSize   int    `json:"chunk_size"`
	SenderID    string `json:"sender_id"`
	ChannelID   string `json:"channel_id,omitempty"`
}

func EncodeTransferAnnounce(m TransferAnnounceMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeTransferAnnounce
	}
	if m.TransferID == "" || m.FileName == "" {
		return nil, fmt.Errorf("missing transfer fields")
	}
	if m.FileSize < 0 || m.ChunksTotal <= 0 || m.ChunkSize <= 0 {
		return nil, fmt.Errorf("bad transfer sizes")
	}
	return json.Marshal(m)
}

func DecodeTransferAnnounce(data []byte) (TransferAnnounceMsg, error) {
	var m TransferAnnounceMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return TransferAnnounceMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeTransferAnnounce {
		return TransferAnnounceMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.TransferID == "" || m.FileName == "" {
		return TransferAnnounceMsg{}, fmt.Errorf("missing transfer fields")
	}
	if m.FileSize < 0 || m.ChunksTotal <= 0 || m.ChunkSize <= 0 || m.ChunkSize > ChunkSize {
		return TransferAnnounceMsg{}, fmt.Errorf("bad transfer sizes")
	}
	return m, nil
}

// TransferDecisionMsg is the accept or reject reply to an announce. On
// accept, ResumeFrom tells the sender the first chunk index the receiver
// still needs.
type TransferDecisionMsg struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	ResumeFrom int    `json:"resume_from,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func EncodeTransferDecision(m TransferDecisionMsg) ([]byte, error) {
	if m.Type != MsgTypeTransferAccept && m.Type != MsgTypeTransferReject {
		return nil, fmt.Errorf("bad decision type: %s", m.Type)
	}
	if m.TransferID == "" {
		return nil, fmt.Errorf("missing transfer_id")
	}
	if m.ResumeFrom < 0 {
		return nil, fmt.Errorf("bad resume_from")
	}
	return json.Marshal(m)
}

func DecodeTransferDecision(data []byte) (TransferDecisionMsg, error) {
	var m TransferDecisionMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return TransferDecisionMsg{}, err
	}
	if m.Type != MsgTypeTransferAccept && m.Type != MsgTypeTransferReject {
		return TransferDecisionMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.TransferID == "" {
		return TransferDecisionMsg{}, fmt.Errorf("missing transfer_id")
	}
	if m.ResumeFrom < 0 {
		return TransferDecisionMsg{}, fmt.Errorf("bad resume_from")
	}
	return m, nil
}

// ChunkMsg is the header immediately preceding ChunkSize raw payload bytes
// on the same stream (the final chunk may be shorter).
type ChunkMsg struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkSize  int    `json:"chunk_size"`
	ChunkHash  string `json:"chunk_hash"`
	IsLast     bool   `json:"is_last"`
}

func EncodeChunk(m ChunkMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeChunk
	}
	if m.TransferID == "" || m.ChunkHash == "" {
		return nil, fmt.Errorf("missing chunk fields")
	}
	if m.ChunkIndex < 0 || m.ChunkSize <= 0 || m.ChunkSize > ChunkSize {
		return nil, fmt.Errorf("bad chunk sizes")
	}
	return json.Marshal(m)
}

func DecodeChunk(data []byte) (ChunkMsg, error) {
	var m ChunkMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return ChunkMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeChunk {
		return ChunkMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.TransferID == "" || m.ChunkHash == "" {
		return ChunkMsg{}, fmt.Errorf("missing chunk fields")
	}
	if m.ChunkIndex < 0 || m.ChunkSize <= 0 || m.ChunkSize > ChunkSize {
		return ChunkMsg{}, fmt.Errorf("bad chunk sizes")
	}
	return m, nil
}

const (
	ChunkStatusOK    = "ok"
	ChunkStatusError = "error"
)

// ChunkAckMsg acknowledges one chunk. A non-ok status carries the error
// reason (hash_mismatch, file_hash_mismatch, write failures).
type ChunkAckMsg struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	ChunkIndex int    `json:"chunk_index"`
	Error      string `json:"error,omitempty"`
}

func EncodeChunkAck(m ChunkAckMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeChunkAck
	}
	if m.Status != ChunkStatusOK && m.Status != ChunkStatusError {
		return nil, fmt.Errorf("bad chunk ack status: %s", m.Status)
	}
	if m.ChunkIndex < 0 {
		return nil, fmt.Errorf("bad chunk_index")
	}
	return json.Marshal(m)
}

func DecodeChunkAck(data []byte) (ChunkAckMsg, error) {
	var m ChunkAckMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return ChunkAckMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeChunkAck {
		return ChunkAckMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.Status != ChunkStatusOK && m.Status != ChunkStatusError {
		return ChunkAckMsg{}, fmt.Errorf("bad chunk ack status: %s", m.Status)
	}
	if m.ChunkIndex < 0 {
		return ChunkAckMsg{}, fmt.Errorf("bad chunk_index")
	}
	return m, nil
}
