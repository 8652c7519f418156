// etcd-backed endpoint configuration.
//
// etcd is a strongly consistent key-value store (Raft). Several relay processes can share one
// endpoint list through it and react to edits made by any of them:
//
//	Key:   /rpc-relay/endpoints/{EndpointID}
//	Value: JSON-encoded EndpointConfig
//
// Watch streams puts and deletes under the prefix, so a changed address reaches every relay
// without polling.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultEtcdPrefix is the key prefix endpoint configs are stored under.
const DefaultEtcdPrefix = "/rpc-relay/endpoints/"

// EtcdStore implements Store and Watcher on etcd v3.
type EtcdStore struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string
	logger *zap.Logger
}

// EtcdConfig configures NewEtcdStore.
type EtcdConfig struct {
	Endpoints   []string
	Prefix      string // DefaultEtcdPrefix if empty
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// NewEtcdStore connects to the given etcd cluster.
func NewEtcdStore(cfg EtcdConfig) (*EtcdStore, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultEtcdPrefix
	}
	if !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      cfg.Logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &EtcdStore{client: c, prefix: cfg.Prefix, logger: cfg.Logger}, nil
}

func (s *EtcdStore) key(id EndpointID) string {
	return s.prefix + string(id)
}

func (s *EtcdStore) Get(ctx context.Context, id EndpointID) (EndpointConfig, error) {
	resp, err := s.client.Get(ctx, s.key(id))
	if err != nil {
		return EndpointConfig{}, err
	}
	if len(resp.Kvs) == 0 {
		return EndpointConfig{}, ErrNotFound
	}
	var cfg EndpointConfig
	if err := json.Unmarshal(resp.Kvs[0].Value, &cfg); err != nil {
		return EndpointConfig{}, fmt.Errorf("decode endpoint %s: %w", id, err)
	}
	return cfg, nil
}

func (s *EtcdStore) Set(ctx context.Context, cfg EndpointConfig) error {
	val, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, s.key(cfg.ID), string(val))
	return err
}

func (s *EtcdStore) Remove(ctx context.Context, id EndpointID) error {
	_, err := s.client.Delete(ctx, s.key(id))
	return err
}

// List returns every endpoint under the prefix, ordered by key. Malformed values are
// skipped.
func (s *EtcdStore) List(ctx context.Context) ([]EndpointConfig, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}
	out := make([]EndpointConfig, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var cfg EndpointConfig
		if err := json.Unmarshal(kv.Value, &cfg); err != nil {
			s.logger.Warn("skipping malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Watch streams changes under the prefix until ctx ends.
func (s *EtcdStore) Watch(ctx context.Context) <-chan Change {
	ch := make(chan Change, 16)
	go func() {
		defer close(ch)
		for wresp := range s.client.Watch(ctx, s.prefix, clientv3.WithPrefix()) {
			if err := wresp.Err(); err != nil {
				s.logger.Warn("etcd watch error", zap.Error(err))
				continue
			}
			for _, ev := range wresp.Events {
				c, ok := s.change(ev)
				if !ok {
					continue
				}
				select {
				case ch <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

func (s *EtcdStore) change(ev *clientv3.Event) (Change, bool) {
	id := EndpointID(strings.TrimPrefix(string(ev.Kv.Key), s.prefix))
	if ev.Type == clientv3.EventTypeDelete {
		return Change{Type: ChangeDelete, ID: id}, true
	}
	var cfg EndpointConfig
	if err := json.Unmarshal(ev.Kv.Value, &cfg); err != nil {
		s.logger.Warn("ignoring malformed endpoint update", zap.String("id", string(id)), zap.Error(err))
		return Change{}, false
	}
	return Change{Type: ChangePut, ID: id, Config: cfg}, true
}

// Close releases the etcd connection.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
