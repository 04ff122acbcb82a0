package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"meshtalk/internal/metrics"
	"meshtalk/internal/proto"
)

const (
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 10 * time.Second
	openTimeout          = 8 * time.Second
	negotiateTimeout     = 5 * time.Second

	maxConnsPerIP   = 8
	maxStreamsPerIP = 64
)

// QUIC implements Transport over quic-go with pooled client connections and
// per-IP accept limits.
type QUIC struct {
	log       zerolog.Logger
	met       *metrics.Metrics
	tlsServer *tls.Config
	tlsClient *tls.Config
	quicConf  *quic.Config
	pool      *connPool
	limiter   *ipLimiter

	mu       sync.Mutex
	handlers map[string]StreamHandler
	listener *quic.Listener
	addr     string
	accepted map[*quic.Conn]struct{}
	cancel   context.CancelFunc
	closed   bool

	wg sync.WaitGroup
}

// NewQUIC builds the transport. TLS material is prepared here so a broken
// transport fails construction, not the first send.
func NewQUIC(met *metrics.Metrics, log zerolog.Logger) (*QUIC, error) {
	server, err := serverTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("transport tls (server): %w", err)
	}
	client, err := clientTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("transport tls (client): %w", err)
	}
	if met == nil {
		met = metrics.New(nil)
	}
	return &QUIC{
		log:       log.With().Str("component", "transport").Logger(),
		met:       met,
		tlsServer: server,
		tlsClient: client,
		quicConf: &quic.Config{
			MaxIdleTimeout:       maxIdleTimeout,
			KeepAlivePeriod:      keepAlivePeriod,
			HandshakeIdleTimeout: handshakeIdleTimeout,
		},
		pool:     newConnPool(defaultConnIdle),
		limiter:  newIPLimiter(maxConnsPerIP, maxStreamsPerIP),
		handlers: make(map[string]StreamHandler),
		accepted: make(map[*quic.Conn]struct{}),
	}, nil
}

func (t *QUIC) Listen(ctx context.Context, addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport closed")
	}
	if t.listener != nil {
		return fmt.Errorf("already listening on %s", t.addr)
	}

	listener, err := quic.ListenAddr(addr, t.tlsServer, t.quicConf)
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", addr, err)
	}
	t.listener = listener
	t.addr = listener.Addr().String()

	acceptCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go t.acceptLoop(acceptCtx, listener)

	t.log.Info().Str("addr", t.addr).Msg("listening")
	return nil
}

func (t *QUIC) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

func (t *QUIC) SetStreamHandler(protocolID string, h StreamHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[protocolID] = h
}

func (t *QUIC) acceptLoop(ctx context.Context, listener *quic.Listener) {
	defer t.wg.Done()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			// Listener closed or ctx done; either way the loop is over.
			return
		}
		ip := remoteIP(conn)
		if !t.limiter.acquireConn(ip) {
			t.log.Warn().Str("ip", ip).Msg("connection limit reached")
			_ = conn.CloseWithError(0, "too many connections")
			continue
		}

		t.mu.Lock()
		t.accepted[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.serveConn(ctx, conn, ip)
	}
}

func (t *QUIC) serveConn(ctx context.Context, conn *quic.Conn, ip string) {
	defer t.wg.Done()
	defer func() {
		t.limiter.releaseConn(ip)
		t.mu.Lock()
		delete(t.accepted, conn)
		t.mu.Unlock()
	}()

	remote := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if !t.limiter.acquireStream(ip) {
			t.log.Warn().Str("ip", ip).Msg("stream limit reached")
			stream.CancelRead(1)
			stream.CancelWrite(1)
			continue
		}
		go func(s *quic.Stream) {
			defer t.limiter.releaseStream(ip)
			t.serveStream(s, remote)
		}(stream)
	}
}

// serveStream reads the negotiation frame and hands the stream to the
// protocol handler. Unknown protocols reset the stream.
func (t *QUIC) serveStream(stream *quic.Stream, remote string) {
	_ = stream.SetReadDeadline(time.Now().Add(negotiateTimeout))
	payload, err := proto.ReadFrameWithTypeCap(stream, proto.MaxStreamOpenSize, proto.TypeCap)
	if err != nil {
		stream.CancelRead(1)
		stream.CancelWrite(1)
		return
	}
	open, err := proto.DecodeStreamOpen(payload)
	if err != nil {
		t.log.Debug().Err(err).Str("remote", remote).Msg("bad stream open")
		stream.CancelRead(1)
		stream.CancelWrite(1)
		return
	}

	t.mu.Lock()
	handler := t.handlers[open.Proto]
	t.mu.Unlock()
	if handler == nil {
		t.log.Warn().Str("proto", open.Proto).Str("remote", remote).Msg("no handler for protocol")
		stream.CancelRead(1)
		stream.CancelWrite(1)
		return
	}

	_ = stream.SetReadDeadline(time.Time{})
	handler(stream, remote)
}

func (t *QUIC) OpenStream(ctx context.Context, addr, protocolID string) (Stream, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, openTimeout)
		defer cancel()
	}

	conn, err := t.pool.get(ctx, addr, t.tlsClient, t.quicConf)
	if err != nil {
		t.met.DialFailures.Inc()
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.pool.drop(addr, conn, "open stream failed")
		return nil, fmt.Errorf("open stream to %s: %w", addr, err)
	}

	payload, err := proto.EncodeStreamOpen(proto.StreamOpenMsg{Proto: protocolID})
	if err != nil {
		stream.CancelWrite(1)
		return nil, err
	}
	_ = stream.SetWriteDeadline(time.Now().Add(negotiateTimeout))
	if err := proto.WriteFrame(stream, payload); err != nil {
		stream.CancelWrite(1)
		t.pool.drop(addr, conn, "negotiate failed")
		return nil, fmt.Errorf("negotiate %s with %s: %w", protocolID, addr, err)
	}
	_ = stream.SetWriteDeadline(time.Time{})

	t.pool.touch(addr, conn)
	return stream, nil
}

// CloseAll tears down every live connection, pooled and accepted, but keeps
// the listener so new streams can still arrive.
func (t *QUIC) CloseAll() {
	t.pool.closeAll("close all")

	t.mu.Lock()
	conns := make([]*quic.Conn, 0, len(t.accepted))
	for conn := range t.accepted {
		conns = append(conns, conn)
	}
	t.accepted = make(map[*quic.Conn]struct{})
	t.mu.Unlock()

	for _, conn := range conns {
		_ = conn.CloseWithError(0, "close all")
	}
}

func (t *QUIC) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	listener := t.listener
	t.listener = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if listener != nil {
		err = listener.Close()
	}
	t.CloseAll()
	t.wg.Wait()
	return err
}

func remoteIP(conn *quic.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
