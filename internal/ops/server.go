// Package ops serves the local operations endpoints: Prometheus metrics, a
// health probe, a peer table dump, and pprof. The listener is meant to stay
// on loopback; binding anything else draws a warning.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"meshtalk/internal/metrics"
	"meshtalk/internal/store"
)

type Server struct {
	store *store.Store
	met   *metrics.Metrics
	log   zerolog.Logger

	startedAt time.Time

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func NewServer(s *store.Store, met *metrics.Metrics, log zerolog.Logger) *Server {
	return &Server{
		store: s,
		met:   met,
		log:   log.With().Str("component", "ops").Logger(),
	}
}

// Start binds addr and serves in the background. An empty addr disables the
// endpoints entirely. Port 0 binds an ephemeral port; Addr reports the one
// chosen.
func (s *Server) Start(addr string) error {
	if addr == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return fmt.Errorf("ops: already started")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ops listen: %w", err)
	}
	if !loopbackBind(ln.Addr().String()) {
		s.log.Warn().Str("addr", ln.Addr().String()).Msg("ops listener is not loopback-only")
	}

	srv := &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.ln = ln
	s.srv = srv
	s.startedAt = time.Now()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("ops server failed")
		}
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("ops endpoints up")
	return nil
}

// Addr returns the bound listen address, empty when disabled or stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown drains in-flight requests. A server that never started is a
// no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.met.Registry(), promhttp.HandlerOpts{}))
	r.Get("/healthz", s.handleHealth)
	r.Get("/peers", s.handlePeers)
	r.Mount("/debug", chimw.Profiler())
	return r
}

type healthResponse struct {
	Status    string `json:"status"`
	Store     string `json:"store"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status, storeCheck, code := "ok", "pass", http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		status, storeCheck, code = "degraded", "fail", http.StatusServiceUnavailable
	}
	s.json(w, code, healthResponse{
		Status:    status,
		Store:     storeCheck,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.store.ListPeers(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("list peers")
		s.json(w, http.StatusInternalServerError, map[string]string{"error": "peer listing failed"})
		return
	}
	if peers == nil {
		peers = []store.Peer{}
	}
	s.json(w, http.StatusOK, peers)
}

func (s *Server) json(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Debug().Err(err).Msg("write response")
	}
}

func loopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(host), "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
