package testutil

import (
	"context"
	"fmt"
	"net"
	"sync"

	"meshtalk/internal/transport"
)

// MemNet wires MemTransport nodes together in-process so stream protocols
// can be tested without sockets. Streams are net.Pipe pairs.
type MemNet struct {
	mu    sync.Mutex
	nodes map[string]*MemTransport
}

func NewMemNet() *MemNet {
	return &MemNet{nodes: make(map[string]*MemTransport)}
}

// Node registers a transport reachable at addr.
func (n *MemNet) Node(addr string) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.nodes[addr]; ok {
		return t
	}
	t := &MemTransport{
		net:      n,
		addr:     addr,
		handlers: make(map[string]transport.StreamHandler),
	}
	n.nodes[addr] = t
	return t
}

func (n *MemNet) lookup(addr string) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[addr]
}

// MemTransport implements transport.Transport against a MemNet registry.
type MemTransport struct {
	net  *MemNet
	addr string

	mu       sync.Mutex
	handlers map[string]transport.StreamHandler
	closed   bool
	down     bool
}

func (t *MemTransport) Listen(ctx context.Context, addr string) error {
	return nil
}

func (t *MemTransport) Addr() string { return t.addr }

func (t *MemTransport) SetStreamHandler(protocolID string, h transport.StreamHandler) {
	t.mu.Lock()
	t.handlers[protocolID] = h
	t.mu.Unlock()
}

// SetDown simulates an unreachable peer: incoming dials fail until cleared.
func (t *MemTransport) SetDown(down bool) {
	t.mu.Lock()
	t.down = down
	t.mu.Unlock()
}

func (t *MemTransport) OpenStream(ctx context.Context, addr, protocolID string) (transport.Stream, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("transport closed")
	}

	target := t.net.lookup(addr)
	if target == nil {
		return nil, fmt.Errorf("dial %s: no route", addr)
	}
	target.mu.Lock()
	handler := target.handlers[protocolID]
	unreachable := target.closed || target.down
	target.mu.Unlock()
	if unreachable {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}
	if handler == nil {
		return nil, fmt.Errorf("dial %s: protocol %s not supported", addr, protocolID)
	}

	local, remote := net.Pipe()
	go handler(remote, t.addr)
	return local, nil
}

func (t *MemTransport) CloseAll() {}

func (t *MemTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
