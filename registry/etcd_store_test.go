package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// newEtcdStore connects to the etcd named by RPC_RELAY_ETCD (default localhost:2379) under a
// per-test prefix, skipping the test when no cluster answers.
func newEtcdStore(t *testing.T) *EtcdStore {
	addr := os.Getenv("RPC_RELAY_ETCD")
	if addr == "" {
		addr = "localhost:2379"
	}
	prefix := "/rpc-relay-test/" + string(NewEndpointID()) + "/"
	s, err := NewEtcdStore(EtcdConfig{
		Endpoints:   strings.Split(addr, ","),
		Prefix:      prefix,
		DialTimeout: time.Second,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.client.Status(ctx, s.client.Endpoints()[0]); err != nil {
		s.Close()
		t.Skipf("etcd not available: %v", err)
	}
	t.Cleanup(func() {
		s.client.Delete(context.Background(), prefix, clientv3.WithPrefix())
		s.Close()
	})
	return s
}

func TestEtcdStoreSetGetList(t *testing.T) {
	s := newEtcdStore(t)
	ctx := context.Background()

	a := EndpointConfig{ID: NewEndpointID(), Address: "wss://a.example", Info: ProviderInfo{Name: "A"}}
	b := EndpointConfig{ID: NewEndpointID(), Address: "wss://b.example"}

	_, err := s.Get(ctx, a.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, a))
	require.NoError(t, s.Set(ctx, b))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, a, got)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.NoError(t, s.Remove(ctx, a.ID))
	list, err = s.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []EndpointConfig{b}, list)
}

func TestEtcdStoreWatch(t *testing.T) {
	s := newEtcdStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := s.Watch(ctx)
	// the watch is registered asynchronously; give it a moment before writing
	time.Sleep(100 * time.Millisecond)

	cfg := EndpointConfig{ID: NewEndpointID(), Address: "wss://c.example"}
	require.NoError(t, s.Set(context.Background(), cfg))
	require.NoError(t, s.Remove(context.Background(), cfg.ID))

	select {
	case c := <-changes:
		require.Equal(t, Change{Type: ChangePut, ID: cfg.ID, Config: cfg}, c)
	case <-time.After(5 * time.Second):
		t.Fatal("no put observed")
	}
	select {
	case c := <-changes:
		require.Equal(t, Change{Type: ChangeDelete, ID: cfg.ID}, c)
	case <-time.After(5 * time.Second):
		t.Fatal("no delete observed")
	}
}
