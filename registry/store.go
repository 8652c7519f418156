package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned by Store.Get for an unknown endpoint.
var ErrNotFound = errors.New("endpoint not configured")

// Store persists endpoint configuration. The registry treats it as the only source of
// endpoint addresses.
type Store interface {
	Get(ctx context.Context, id EndpointID) (EndpointConfig, error)
	Set(ctx context.Context, cfg EndpointConfig) error
	Remove(ctx context.Context, id EndpointID) error
	List(ctx context.Context) ([]EndpointConfig, error)
}

// ChangeType is the kind of a store change.
type ChangeType int

const (
	ChangePut ChangeType = iota
	ChangeDelete
)

func (c ChangeType) String() string {
	if c == ChangeDelete {
		return "delete"
	}
	return "put"
}

// Change is one modification observed on a store.
type Change struct {
	Type   ChangeType
	ID     EndpointID
	Config EndpointConfig // zero for ChangeDelete
}

// Watcher is implemented by stores that can stream their changes. The returned channel is
// closed when ctx ends.
type Watcher interface {
	Watch(ctx context.Context) <-chan Change
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[EndpointID]EndpointConfig
	watchers map[chan Change]context.Context

	notifyMu sync.Mutex // held while sending to watchers; a watcher channel closes only under it
}

// NewMemoryStore returns a store seeded with cfgs.
func NewMemoryStore(cfgs ...EndpointConfig) *MemoryStore {
	s := &MemoryStore{
		entries:  make(map[EndpointID]EndpointConfig),
		watchers: make(map[chan Change]context.Context),
	}
	for _, c := range cfgs {
		s.entries[c.ID] = c
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, id EndpointID) (EndpointConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.entries[id]
	if !ok {
		return EndpointConfig{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Set(_ context.Context, cfg EndpointConfig) error {
	s.mu.Lock()
	s.entries[cfg.ID] = cfg
	s.mu.Unlock()
	s.notify(Change{Type: ChangePut, ID: cfg.ID, Config: cfg})
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, id EndpointID) error {
	s.mu.Lock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if ok {
		s.notify(Change{Type: ChangeDelete, ID: id})
	}
	return nil
}

// List returns all endpoints ordered by id.
func (s *MemoryStore) List(_ context.Context) ([]EndpointConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EndpointConfig, 0, len(s.entries))
	for _, c := range s.entries {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Watch(ctx context.Context) <-chan Change {
	ch := make(chan Change, 16)
	s.mu.Lock()
	s.watchers[ch] = ctx
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
		close(ch)
	}()
	return ch
}

// notify runs without s.mu held: watchers commonly call Get while handling a change.
func (s *MemoryStore) notify(c Change) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	type target struct {
		ch  chan Change
		ctx context.Context
	}
	targets := make([]target, 0, len(s.watchers))
	for ch, ctx := range s.watchers {
		targets = append(targets, target{ch, ctx})
	}
	s.mu.Unlock()

	for _, t := range targets {
		select {
		case t.ch <- c:
		case <-t.ctx.Done():
		}
	}
}
