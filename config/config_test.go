package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rpc-relay/registry"
	"rpc-relay/transport"
)

const sample = `
[server]
listen = ":9000"
writeTimeout = "5s"
allowedOrigins = ["*"]

[logging]
level = "debug"
format = "json"

[transport]
handshakeTimeout = "3s"

[transport.reconnect]
interval = "1s"
strategy = "exponential"
maxInterval = "30s"
maxAttempts = 5

[store]
backend = "etcd"

[store.etcd]
endpoints = ["127.0.0.1:2379"]
dialTimeout = "2s"

[[endpoint]]
id = "6BA7B810-9DAD-11D1-80B4-00C04FD430C8"
address = "wss://mainnet.example/ws"

[endpoint.info]
uuid = "350670db-19fa-4704-a166-e52e178b59d2"
name = "Mainnet"
rdns = "org.example.mainnet"
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.Server.Listen)
	require.Equal(t, Duration(5*time.Second), cfg.Server.WriteTimeout)
	require.True(t, cfg.Server.Metrics, "defaults survive")
	require.Equal(t, "json", cfg.Logging.Format)

	policy := cfg.ReconnectPolicy()
	require.Equal(t, transport.ReconnectPolicy{
		Interval:    time.Second,
		Strategy:    transport.StrategyExponential,
		MaxInterval: 30 * time.Second,
		MaxAttempts: 5,
	}, policy)
	tc := cfg.TransportConfig()
	require.Equal(t, 3*time.Second, tc.HandshakeTimeout)
	require.Equal(t, int64(transport.DefaultMaxMessageSize), tc.MaxMessageSize)

	require.Equal(t, "etcd", cfg.Store.Backend)
	eps := cfg.EndpointConfigs()
	require.Len(t, eps, 1)
	require.Equal(t, registry.EndpointID("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), eps[0].ID)
	require.Equal(t, "Mainnet", eps[0].Info.Name)
}

func TestProviderUUIDDefaultsToEndpointID(t *testing.T) {
	cfg := Default()
	require.NoError(t, Parse(`
[[endpoint]]
id = "6BA7B810-9DAD-11D1-80B4-00C04FD430C8"
address = "wss://mainnet.example/ws"
info = { name = "Mainnet" }

[[endpoint]]
id = "350670db-19fa-4704-a166-e52e178b59d2"
address = "wss://sepolia.example/ws"
`, cfg))

	eps := cfg.EndpointConfigs()
	require.Len(t, eps, 2)
	require.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", eps[0].Info.UUID)
	require.Empty(t, eps[1].Info.UUID, "unnamed endpoints are not announced")
}

func TestDefaultKeepsReferenceReconnect(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.validate())
	require.Equal(t, transport.DefaultReconnectPolicy(), cfg.ReconnectPolicy())
	require.Equal(t, "memory", cfg.Store.Backend)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":      "[server]\nlisten = \":1\"\nport = 1\n",
		"bad duration":     "[server]\nwriteTimeout = \"soon\"\n",
		"bad strategy":     "[transport.reconnect]\nstrategy = \"random\"\n",
		"bad backend":      "[store]\nbackend = \"redis\"\n",
		"etcd without eps": "[store]\nbackend = \"etcd\"\n",
		"sqlite no path":   "[store]\nbackend = \"sqlite\"\n",
		"bad endpoint id":  "[[endpoint]]\nid = \"mainnet\"\naddress = \"wss://x\"\n",
		"http address":     "[[endpoint]]\nid = \"6ba7b810-9dad-11d1-80b4-00c04fd430c8\"\naddress = \"https://x\"\n",
		"duplicate endpoint": "[[endpoint]]\nid = \"6ba7b810-9dad-11d1-80b4-00c04fd430c8\"\naddress = \"wss://x\"\n" +
			"[[endpoint]]\nid = \"6BA7B810-9DAD-11D1-80B4-00C04FD430C8\"\naddress = \"wss://y\"\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, Parse(data, Default()))
		})
	}
}
