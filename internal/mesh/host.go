// Package mesh is the network upper half: it owns the node lifecycle, the
// discovery and heartbeat loops, and bounded auto-reconnect. The transport
// carries streams; the host decides who to talk to and keeps the peer table
// honest.
package mesh

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meshtalk/internal/channels"
	"meshtalk/internal/config"
	"meshtalk/internal/discovery"
	"meshtalk/internal/files"
	"meshtalk/internal/keys"
	"meshtalk/internal/logging"
	"meshtalk/internal/messages"
	"meshtalk/internal/metrics"
	"meshtalk/internal/proto"
	"meshtalk/internal/store"
	"meshtalk/internal/transport"
	"meshtalk/internal/work"
)

// Discoverer is the local-network discovery capability. *discovery.Discovery
// is the mDNS implementation; tests substitute an in-memory one.
type Discoverer interface {
	Announce(peerID, displayName, deviceName, publicKey string, port int) error
	Browse(ctx context.Context, fn func(discovery.Announcement)) error
	Shutdown()
}

// Options carries the host's dependencies. Transport is required; everything
// else nil-defaults from the config so a Host can be stood up with just a
// transport in front of it.
type Options struct {
	Store     *store.Store
	Keys      *keys.Manager
	Channels  *channels.Manager
	Messages  *messages.Manager
	Files     *files.Manager
	Transport transport.Transport
	Discovery Discoverer
	Pool      *work.Pool
	Metrics   *metrics.Metrics
	Log       *zerolog.Logger
}

// sighting is the freshest discovery evidence for one peer. A successful
// reconnect probe refreshes it too, so liveness does not depend on mDNS
// re-announcement cadence alone.
type sighting struct {
	ann discovery.Announcement
	at  time.Time
}

type Host struct {
	cfg   *config.Config
	store *store.Store
	keys  *keys.Manager
	chans *channels.Manager
	msgs  *messages.Manager
	files *files.Manager
	tp    transport.Transport
	disco Discoverer
	pool  *work.Pool
	met   *metrics.Metrics
	log   zerolog.Logger

	ownsStore bool
	ownsPool  bool

	// throttle rate-limits repeated failure logs; a flapping peer warns once
	// per interval, not once per give-up.
	throttle *logging.Throttle

	// liveWindow is how long a sighting keeps a peer in the live set before
	// the discovery loop starts probing it.
	liveWindow time.Duration

	mu           sync.Mutex
	started      bool
	cancel       context.CancelFunc
	sightings    map[string]sighting
	known        map[string]string
	live         map[string]struct{}
	reconnecting map[string]struct{}

	wg sync.WaitGroup
}

// New assembles a host. A nil cfg loads from the environment. Missing
// dependencies other than the transport are constructed from the config;
// the transport is a hard requirement and its absence is a constructor
// error, not a runtime surprise.
func New(cfg *config.Config, opts Options) (*Host, error) {
	if cfg == nil {
		cfg = config.Load()
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("mesh: transport is required")
	}

	log := logging.Nop()
	if opts.Log != nil {
		log = *opts.Log
	}
	log = log.With().Str("component", "mesh").Logger()

	met := opts.Metrics
	if met == nil {
		met = metrics.New(nil)
	}

	st := opts.Store
	ownsStore := false
	if st == nil {
		if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
			return nil, fmt.Errorf("mesh: create home: %w", err)
		}
		opened, err := store.Open(context.Background(), cfg.StorePath())
		if err != nil {
			return nil, fmt.Errorf("mesh: open store: %w", err)
		}
		st = opened
		ownsStore = true
	}

	km := opts.Keys
	if km == nil {
		km = keys.NewManager(st, cfg.Home, met, log)
	}

	pool := opts.Pool
	ownsPool := false
	if pool == nil {
		pool = work.NewPool(cfg.StoreWorkers, met, log)
		ownsPool = true
	}

	ch := opts.Channels
	if ch == nil {
		ch = channels.NewManager(st, log)
	}

	msgs := opts.Messages
	if msgs == nil {
		msgs = messages.NewManager(st, ch, km, opts.Transport, pool, met, log, messages.Options{
			DisplayName: cfg.DisplayName,
			AckTimeout:  cfg.AckTimeout,
		})
	}

	fm := opts.Files
	if fm == nil {
		fm = files.NewManager(st, km, opts.Transport, pool, met, log, files.Options{
			DownloadDir:   cfg.DownloadDir,
			AcceptTimeout: cfg.AcceptTimeout,
			ChunkTimeout:  cfg.ChunkAckTimeout,
		})
	}

	disco := opts.Discovery
	if disco == nil {
		disco = discovery.New(log)
	}

	return &Host{
		cfg:          cfg,
		store:        st,
		keys:         km,
		chans:        ch,
		msgs:         msgs,
		files:        fm,
		tp:           opts.Transport,
		disco:        disco,
		pool:         pool,
		met:          met,
		log:          log,
		ownsStore:    ownsStore,
		ownsPool:     ownsPool,
		throttle:     logging.NewThrottle(),
		liveWindow:   2 * cfg.DiscoveryInterval,
		sightings:    make(map[string]sighting),
		known:        make(map[string]string),
		live:         make(map[string]struct{}),
		reconnecting: make(map[string]struct{}),
	}, nil
}

// Messages exposes the chat manager for callers that register handlers or
// send on top of a running host.
func (h *Host) Messages() *messages.Manager { return h.msgs }

// Files exposes the transfer manager.
func (h *Host) Files() *files.Manager { return h.files }

// Channels exposes the channel manager.
func (h *Host) Channels() *channels.Manager { return h.chans }

// Keys exposes the key manager.
func (h *Host) Keys() *keys.Manager { return h.keys }

// Addr returns the transport's bound listen address, empty before Start.
func (h *Host) Addr() string { return h.tp.Addr() }

// Start brings the node up: device keys, listener, stream handlers, mDNS
// announcement, and the discovery and heartbeat loops. A bind failure is
// fatal and returned as-is.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return fmt.Errorf("mesh: already started")
	}
	h.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.mu.Unlock()

	fail := func(err error) error {
		h.mu.Lock()
		h.started = false
		h.cancel = nil
		h.mu.Unlock()
		cancel()
		return err
	}

	if err := h.keys.InitDeviceKeys(ctx); err != nil {
		return fail(fmt.Errorf("init device keys: %w", err))
	}
	if err := h.tp.Listen(ctx, h.cfg.ListenAddr); err != nil {
		return fail(fmt.Errorf("transport listen: %w", err))
	}
	h.tp.SetStreamHandler(proto.ProtocolChat, h.handleChatStream)
	h.tp.SetStreamHandler(proto.ProtocolFile, h.files.HandleStream)

	if err := h.disco.Announce(h.keys.DeviceID(), h.cfg.DisplayName, h.cfg.DeviceName, h.keys.PublicKeyHex(), listenPort(h.tp.Addr())); err != nil {
		return fail(fmt.Errorf("mdns announce: %w", err))
	}

	self := store.Peer{
		ID:          h.keys.DeviceID(),
		DisplayName: h.cfg.DisplayName,
		DeviceName:  h.cfg.DeviceName,
		PublicKey:   h.keys.PublicKeyHex(),
		Address:     h.tp.Addr(),
		Status:      store.PeerOnline,
		LastSeen:    time.Now().UTC(),
	}
	if err := h.store.UpsertPeer(ctx, self); err != nil {
		return fail(fmt.Errorf("persist self: %w", err))
	}

	h.wg.Add(3)
	go h.runBrowser(runCtx)
	go h.runDiscovery(runCtx)
	go h.runHeartbeat(runCtx)

	h.log.Info().
		Str("device_id", h.keys.DeviceID()).
		Str("addr", h.tp.Addr()).
		Msg("host started")
	return nil
}

// Stop shuts the node down in reverse start order: loops, mDNS, transport,
// then the self row goes offline. Stopping a host that never started is a
// no-op.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	cancel()
	h.wg.Wait()
	h.disco.Shutdown()

	if err := h.store.SetPeerStatus(ctx, h.keys.DeviceID(), store.PeerOffline); err != nil {
		h.log.Warn().Err(err).Msg("mark self offline")
	}

	err := h.tp.Close()
	if h.ownsPool {
		h.pool.Stop()
	}
	if h.ownsStore {
		if cerr := h.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	h.log.Info().Msg("host stopped")
	return err
}

// CloseAllConnections is the emergency path: every live connection drops and
// all in-memory discovery state clears. Persisted history is untouched.
// Idempotent and safe on a host that never started.
func (h *Host) CloseAllConnections() {
	h.tp.CloseAll()
	h.chans.ClearCache()
	h.mu.Lock()
	h.sightings = make(map[string]sighting)
	h.known = make(map[string]string)
	h.live = make(map[string]struct{})
	h.reconnecting = make(map[string]struct{})
	h.mu.Unlock()
	h.log.Warn().Msg("closed all connections")
}

// forget drops a peer from the in-memory discovery view so its next
// announcement is treated as a fresh arrival.
func (h *Host) forget(peerID string) {
	h.mu.Lock()
	delete(h.sightings, peerID)
	delete(h.known, peerID)
	delete(h.live, peerID)
	h.mu.Unlock()
}

func (h *Host) refreshOnlineGauge(ctx context.Context) {
	peers, err := h.store.ListPeersByStatus(ctx, store.PeerOnline)
	if err != nil {
		h.log.Debug().Err(err).Msg("count online peers")
		return
	}
	h.met.PeersOnline.Set(float64(len(peers)))
}

func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
