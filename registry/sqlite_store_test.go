package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "endpoints.db")

	s, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)

	a := EndpointConfig{ID: "b", Address: "wss://b.example", Info: ProviderInfo{UUID: "u", Name: "B", RDNS: "org.example.b"}}
	b := EndpointConfig{ID: "a", Address: "wss://a.example"}

	_, err = s.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, a))
	require.NoError(t, s.Set(ctx, b))
	b.Address = "wss://a2.example"
	require.NoError(t, s.Set(ctx, b))

	got, err := s.Get(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, a, got)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []EndpointConfig{b, a}, list)
	require.NoError(t, s.Close())

	// endpoints survive reopening
	s, err = OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Remove(ctx, "a"))
	list, err = s.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []EndpointConfig{a}, list)
}
