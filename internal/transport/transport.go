// Package transport carries the mesh's point-to-point streams. A Transport
// listens for inbound streams, dispatches them by protocol id, and opens
// outbound streams over pooled connections. The wire is length-prefixed
// JSON frames; file chunk payloads ride raw after their header frame.
package transport

import (
	"context"
	"io"
	"time"
)

// Stream is one bidirectional protocol stream. Deadlines bound the ack
// waits in the chat and file protocols.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// StreamHandler serves one accepted stream. The handler owns the stream and
// closes it when done. remoteAddr is the peer's connection address.
type StreamHandler func(stream Stream, remoteAddr string)

// Transport is the capability the mesh host requires at construction.
// Implementations fail fast: a transport that cannot be built is a
// constructor error, not a runtime surprise.
type Transport interface {
	// Listen binds the listener and starts accepting streams. It returns
	// once the listener is ready.
	Listen(ctx context.Context, addr string) error
	// Addr returns the bound listen address, empty before Listen.
	Addr() string
	// SetStreamHandler registers the handler for a protocol id. Streams
	// opened with an unregistered protocol are reset.
	SetStreamHandler(protocolID string, h StreamHandler)
	// OpenStream dials addr (reusing a pooled connection when possible),
	// opens a stream, and negotiates the protocol. Single attempt; retry
	// policy belongs to the caller.
	OpenStream(ctx context.Context, addr, protocolID string) (Stream, error)
	// CloseAll drops every live connection but keeps the listener.
	CloseAll()
	// Close shuts the listener and all connections down.
	Close() error
}
