// Package server exposes the registry to remote clients over websocket.
//
// Request processing pipeline:
//
//	GET /rpc/{id} → upgrade → wsChannel → Registry.Attach(id)
//	  readLoop: client frame → multiplexer → upstream transport
//	  upstream event → multiplexer → wsChannel.PostMessage → client
//	  socket closed → Registry.Detach(id)
//
// Clients speak the channel event protocol: they send raw JSON-RPC text and receive
// {"rpcEvent": ...}, {"errorEvent": ...}, {"closeEvent": null} and {"connectEvent": null}
// frames. The client package's Dial is the matching client side.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"rpc-relay/registry"
)

// closeUnknownEndpoint is sent when an attach fails; 4000-4999 is reserved for applications.
const closeUnknownEndpoint = 4004

// Server accepts client channels and attaches them to endpoints of a registry.
type Server struct {
	registry *registry.Registry
	store    registry.Store // optional, serves /providers
	logger   *zap.Logger
	gatherer prometheus.Gatherer // optional, serves /metrics

	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	readLimit    int64

	httpSrv  *http.Server
	wg       sync.WaitGroup // tracks live client sockets for graceful shutdown
	shutdown atomic.Bool

	mu    sync.Mutex
	conns map[*wsChannel]struct{}
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

// WithMetrics serves the collectors of g at /metrics.
func WithMetrics(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// WithStore serves the EIP-6963 provider info of every configured endpoint at /providers.
func WithStore(st registry.Store) Option { return func(s *Server) { s.store = st } }

// WithWriteTimeout bounds each frame written to a client.
func WithWriteTimeout(d time.Duration) Option { return func(s *Server) { s.writeTimeout = d } }

// WithReadLimit bounds the size of a single client frame.
func WithReadLimit(n int64) Option { return func(s *Server) { s.readLimit = n } }

// WithCheckOrigin replaces the same-origin check of the websocket upgrade.
func WithCheckOrigin(f func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = f }
}

// NewServer creates a server for reg.
func NewServer(reg *registry.Registry, opts ...Option) *Server {
	s := &Server{
		registry:     reg,
		logger:       zap.NewNop(),
		writeTimeout: 10 * time.Second,
		readLimit:    32 << 20,
		conns:        make(map[*wsChannel]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rpc/{id}", s.handleRPC)
	mux.HandleFunc("GET /endpoints", s.handleEndpoints)
	if s.store != nil {
		mux.HandleFunc("GET /providers", s.handleProviders)
	}
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Serve listens on address and serves until Shutdown.
func (s *Server) Serve(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.ServeListener(l)
}

// ServeListener serves on an existing listener until Shutdown.
func (s *Server) ServeListener(l net.Listener) error {
	s.logger.Info("relay listening", zap.String("address", l.Addr().String()))
	err := s.httpSrv.Serve(l)
	// During shutdown the listener is closed on purpose.
	if s.shutdown.Load() && errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	id, err := registry.ParseEndpointID(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.shutdown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return // the upgrader already replied
	}
	conn.SetReadLimit(s.readLimit)
	ch := newWSChannel(conn, s.writeTimeout)

	s.wg.Add(1)
	defer s.wg.Done()
	s.track(ch, true)
	defer s.track(ch, false)

	logger := s.logger.With(zap.Stringer("endpoint", id), zap.String("remote", r.RemoteAddr))
	if err := s.registry.Attach(r.Context(), id, ch); err != nil {
		logger.Warn("attach failed", zap.Error(err))
		code := websocket.CloseInternalServerErr
		if errors.Is(err, registry.ErrUnknownEndpoint) {
			code = closeUnknownEndpoint
		}
		ch.close(code, err.Error())
		return
	}
	logger.Info("client attached")

	err = ch.readLoop()
	s.registry.Detach(id, ch)
	conn.Close()
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Warn("client connection error", zap.Error(err))
	}
	logger.Info("client detached")
}

func (s *Server) track(ch *wsChannel, live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if live {
		s.conns[ch] = struct{}{}
	} else {
		delete(s.conns, ch)
	}
}

type endpointStatus struct {
	ID       registry.EndpointID `json:"id"`
	Address  string              `json:"address"`
	State    string              `json:"state"`
	Channels int                 `json:"channels"`
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	eps := s.registry.Endpoints()
	out := make([]endpointStatus, 0, len(eps))
	for _, ep := range eps {
		out = append(out, endpointStatus{ID: ep.ID, Address: ep.Address, State: ep.State.String(), Channels: ep.Channels})
	}
	s.writeJSON(w, out)
}

type providerDetail struct {
	Endpoint registry.EndpointID   `json:"endpoint"`
	Info     registry.ProviderInfo `json:"info"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Warn("listing endpoints failed", zap.Error(err))
		http.Error(w, "store unavailable", http.StatusBadGateway)
		return
	}
	out := make([]providerDetail, 0, len(cfgs))
	for _, c := range cfgs {
		if c.Info.UUID == "" {
			continue // not announced
		}
		out = append(out, providerDetail{Endpoint: c.ID, Info: c.Info})
	}
	s.writeJSON(w, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response failed", zap.Error(err))
	}
}

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag (so the closed listener is not reported as an error)
//  2. Stop accepting connections
//  3. Close every client socket with a going-away frame
//  4. Wait for client handlers to finish (bounded by ctx)
//  5. Close the registry and with it every upstream connection
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Store(true)
	err := s.httpSrv.Shutdown(ctx)

	s.mu.Lock()
	for ch := range s.conns {
		ch.close(websocket.CloseGoingAway, "relay shutting down")
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("timeout waiting for client connections to finish: %w", ctx.Err())
		}
	}

	s.registry.Close()
	return err
}
