package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

const defaultConnIdle = 60 * time.Second

type pooledConn struct {
	conn        *quic.Conn
	lastUsed    time.Time
	established time.Time
}

// connPool reuses client connections per address. Entries expire after
// idleAfter without traffic; a dead conn is dropped on sight.
type connPool struct {
	mu        sync.Mutex
	conns     map[string]*pooledConn
	idleAfter time.Duration
}

func newConnPool(idleAfter time.Duration) *connPool {
	if idleAfter <= 0 {
		idleAfter = defaultConnIdle
	}
	return &connPool{
		conns:     make(map[string]*pooledConn),
		idleAfter: idleAfter,
	}
}

func (p *connPool) get(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) (*quic.Conn, error) {
	if addr == "" {
		return nil, errors.New("missing addr")
	}
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			p.mu.Unlock()
			return conn, nil
		}
		delete(p.conns, addr)
		conn := ent.conn
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "stale")
	} else {
		p.mu.Unlock()
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.conns[addr] = &pooledConn{conn: conn, lastUsed: now, established: now}
	p.mu.Unlock()
	return conn, nil
}

func (p *connPool) touch(addr string, conn *quic.Conn) {
	if p == nil || addr == "" || conn == nil {
		return
	}
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn == conn {
		ent.lastUsed = now
	}
	p.mu.Unlock()
}

func (p *connPool) drop(addr string, conn *quic.Conn, reason string) {
	if p == nil || addr == "" || conn == nil {
		return
	}
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn == conn {
		delete(p.conns, addr)
	}
	p.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

// closeAll drops every pooled connection.
func (p *connPool) closeAll(reason string) {
	p.mu.Lock()
	conns := make([]*quic.Conn, 0, len(p.conns))
	for _, ent := range p.conns {
		conns = append(conns, ent.conn)
	}
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()

	for _, conn := range conns {
		_ = conn.CloseWithError(0, reason)
	}
}
