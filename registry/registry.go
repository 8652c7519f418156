// Package registry maps endpoint identifiers to their shared upstream connection.
//
// Each entry pairs one transport with the multiplexer its channels attach to. An entry is
// created on the first attach for an endpoint, reused by every later attach, and removed only
// by an explicit Disconnect (or by Close). Nothing is evicted behind the caller's back: an
// entry with zero channels keeps its connection.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"rpc-relay/metrics"
	"rpc-relay/mux"
	"rpc-relay/transport"
)

var (
	// ErrUnknownEndpoint means the store has no usable address for the endpoint.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	// ErrNotConnected is returned by Disconnect for an endpoint without an entry.
	ErrNotConnected = errors.New("endpoint not connected")
	// ErrClosed is returned once the registry has been closed.
	ErrClosed = errors.New("registry closed")
)

type entry struct {
	transport *transport.Transport
	mux       *mux.Multiplexer

	// mu serializes attach, reconfigure and removal of this entry, so a transport is never
	// opened after its entry was disconnected.
	mu      sync.Mutex
	removed bool
}

// Registry owns the live entries. The zero value is not usable; see New.
type Registry struct {
	store     Store
	logger    *zap.Logger
	metrics   *metrics.Metrics
	transport transport.Config // template for new transports

	mu      sync.Mutex
	entries map[EndpointID]*entry
	closed  bool
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *zap.Logger) Option { return func(r *Registry) { r.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Registry) { r.metrics = m } }

// WithTransportConfig sets the template for transports the registry creates. Name, Logger
// and Metrics are filled in per endpoint.
func WithTransportConfig(cfg transport.Config) Option {
	return func(r *Registry) { r.transport = cfg }
}

// New creates an empty registry reading addresses from store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		logger:  zap.NewNop(),
		entries: make(map[EndpointID]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach connects ch to the endpoint, creating the entry and opening its transport on first
// use. Attaching a channel that is already attached is a no-op. An entry whose transport
// gave up reconnecting is reopened.
func (r *Registry) Attach(ctx context.Context, id EndpointID, ch mux.Channel) error {
	for {
		e, addr, err := r.lookup(ctx, id)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if e.removed {
			// disconnected since the lookup; look again
			e.mu.Unlock()
			continue
		}
		err = r.attachLocked(ctx, id, e, addr, ch)
		e.mu.Unlock()
		return err
	}
}

// lookup returns the live entry for id, creating it when absent. For a new entry it also
// returns the address loaded from the store.
func (r *Registry) lookup(ctx context.Context, id EndpointID) (*entry, string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, "", ErrClosed
	}
	if e, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return e, "", nil
	}
	r.mu.Unlock()

	addr, err := r.address(ctx, id)
	if err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, "", ErrClosed
	}
	// another attach may have won while the store was queried
	if e, ok := r.entries[id]; ok {
		return e, "", nil
	}
	e := r.newEntry(id)
	r.entries[id] = e
	return e, addr, nil
}

// attachLocked attaches ch and opens the transport unless it is already open. Caller holds
// e.mu.
func (r *Registry) attachLocked(ctx context.Context, id EndpointID, e *entry, addr string, ch mux.Channel) error {
	// attach before opening so the channel sees the first connect event
	added := e.mux.Attach(ch)
	if e.transport.Address() != "" {
		return nil
	}

	var err error
	if addr == "" {
		addr, err = r.address(ctx, id)
	}
	if err == nil {
		err = e.transport.Open(addr)
	}
	if err != nil {
		if added {
			e.mux.Detach(ch)
		}
		return err
	}
	r.logger.Info("endpoint opened", zap.Stringer("endpoint", id), zap.String("address", addr))
	return nil
}

func (r *Registry) address(ctx context.Context, id EndpointID) (string, error) {
	cfg, err := r.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
	}
	if err != nil {
		return "", fmt.Errorf("load endpoint %s: %w", id, err)
	}
	if cfg.Address == "" {
		return "", fmt.Errorf("%w: %s has no address", ErrUnknownEndpoint, id)
	}
	return cfg.Address, nil
}

func (r *Registry) newEntry(id EndpointID) *entry {
	cfg := r.transport
	cfg.Name = string(id)
	cfg.Logger = r.logger
	cfg.Metrics = r.metrics

	m := mux.New(string(id), r.logger, r.metrics)
	t := transport.New(cfg, m)
	m.Bind(t)
	return &entry{transport: t, mux: m}
}

// Detach removes ch from the endpoint's broadcast list. The connection stays open.
func (r *Registry) Detach(id EndpointID, ch mux.Channel) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return e.mux.Detach(ch)
}

// Disconnect removes the entry and closes its transport. Attached channels receive a close
// event before Disconnect returns and are then detached; channels implementing mux.Evictor
// are evicted. It must not be called from a channel's message handler. A later Attach builds
// a fresh entry from the store.
func (r *Registry) Disconnect(id EndpointID) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}

	// waits for an attach in progress to finish opening the transport
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()

	e.transport.Close()
	<-e.transport.Flush()
	for _, ch := range e.mux.DetachAll() {
		if ev, ok := ch.(mux.Evictor); ok {
			ev.Evict("endpoint disconnected")
		}
	}
	r.metrics.Forget(string(id))
	r.logger.Info("endpoint disconnected", zap.Stringer("endpoint", id))
	return nil
}

// Reconfigure reloads the endpoint's address from the store. When it changed, the same
// transport is closed and reopened on the new address so attached channels stay attached.
// An endpoint that vanished from the store is disconnected.
func (r *Registry) Reconfigure(ctx context.Context, id EndpointID) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return nil // picked up by the next Attach
	}

	addr, err := r.address(ctx, id)
	if errors.Is(err, ErrUnknownEndpoint) {
		if err := r.Disconnect(id); err != nil && !errors.Is(err, ErrNotConnected) {
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.transport.Address() == addr {
		return nil
	}
	r.logger.Info("endpoint address changed", zap.Stringer("endpoint", id), zap.String("address", addr))
	e.transport.Close()
	return e.transport.Open(addr)
}

// Watch applies changes from w until ctx ends: a put reconfigures the endpoint and a delete
// disconnects it.
func (r *Registry) Watch(ctx context.Context, w Watcher) {
	for c := range w.Watch(ctx) {
		var err error
		switch c.Type {
		case ChangePut:
			err = r.Reconfigure(ctx, c.ID)
		case ChangeDelete:
			err = r.Disconnect(c.ID)
			if errors.Is(err, ErrNotConnected) {
				err = nil
			}
		}
		if err != nil {
			r.logger.Warn("applying store change failed",
				zap.Stringer("endpoint", c.ID), zap.Stringer("change", c.Type), zap.Error(err))
		}
	}
}

// EndpointStatus describes one live entry.
type EndpointStatus struct {
	ID       EndpointID
	Address  string
	State    transport.State
	Channels int
}

// Endpoints lists the live entries ordered by id.
func (r *Registry) Endpoints() []EndpointStatus {
	r.mu.Lock()
	out := make([]EndpointStatus, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, EndpointStatus{ID: id, Address: e.transport.Address(), State: e.transport.State(), Channels: e.mux.Len()})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close disconnects every endpoint and rejects further attaches.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	ids := make([]EndpointID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Disconnect(id)
	}
	return nil
}
