// Package config loads the relay configuration from TOML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"rpc-relay/registry"
	"rpc-relay/transport"
)

// Duration is a time.Duration written as text ("10s", "500ms") in TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// ServerConfig defines the client-facing listener.
type ServerConfig struct {
	Listen       string   `toml:"listen"`
	WriteTimeout Duration `toml:"writeTimeout"`
	ReadLimit    int64    `toml:"readLimit"`
	Metrics      bool     `toml:"metrics"`
	// AllowedOrigins disables the same-origin check for these origins; "*" allows any.
	AllowedOrigins []string `toml:"allowedOrigins"`
}

// LoggingConfig defines the zap logger and optional file rotation.
type LoggingConfig struct {
	Level       string `toml:"level"`
	Format      string `toml:"format"` // console or json
	File        string `toml:"file"`   // empty logs to stderr
	FileMaxSize int    `toml:"fileMaxSizeMB"`
	FileBackups int    `toml:"fileMaxBackups"`
	Compress    bool   `toml:"compress"`
}

// ReconnectConfig mirrors transport.ReconnectPolicy.
type ReconnectConfig struct {
	Interval    Duration `toml:"interval"`
	Strategy    string   `toml:"strategy"`
	MaxInterval Duration `toml:"maxInterval"`
	MaxAttempts uint64   `toml:"maxAttempts"`
}

// TransportConfig defines upstream connection settings.
type TransportConfig struct {
	Reconnect        ReconnectConfig `toml:"reconnect"`
	HandshakeTimeout Duration        `toml:"handshakeTimeout"`
	WriteTimeout     Duration        `toml:"writeTimeout"`
	MaxMessageSize   int64           `toml:"maxMessageSize"`
}

// StoreConfig selects where endpoint configuration lives.
type StoreConfig struct {
	Backend string     `toml:"backend"` // memory, sqlite or etcd
	Path    string     `toml:"path"`    // sqlite database file
	Etcd    EtcdConfig `toml:"etcd"`
}

type EtcdConfig struct {
	Endpoints   []string `toml:"endpoints"`
	Prefix      string   `toml:"prefix"`
	DialTimeout Duration `toml:"dialTimeout"`
}

// Endpoint seeds the store at startup.
type Endpoint struct {
	ID      string                `toml:"id"`
	Address string                `toml:"address"`
	Info    registry.ProviderInfo `toml:"info"`
}

// Config aggregates the relay configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Logging   LoggingConfig   `toml:"logging"`
	Transport TransportConfig `toml:"transport"`
	Store     StoreConfig     `toml:"store"`
	Endpoints []Endpoint      `toml:"endpoint"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:       "127.0.0.1:8546",
			WriteTimeout: Duration(10 * time.Second),
			ReadLimit:    transport.DefaultMaxMessageSize,
			Metrics:      true,
		},
		Logging: LoggingConfig{Level: "info", Format: "console", FileMaxSize: 100, FileBackups: 3},
		Transport: TransportConfig{
			Reconnect: ReconnectConfig{
				Interval: Duration(transport.DefaultReconnectInterval),
				Strategy: string(transport.StrategyConstant),
			},
			HandshakeTimeout: Duration(10 * time.Second),
			MaxMessageSize:   transport.DefaultMaxMessageSize,
		},
		Store: StoreConfig{Backend: "memory"},
	}
}

// Load reads a TOML file on top of Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := Parse(string(data), cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML text into cfg and validates the result.
func Parse(data string, cfg *Config) error {
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return err
	}
	if keys := md.Undecoded(); len(keys) > 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(names, ", "))
	}
	return cfg.validate()
}

func (cfg *Config) validate() error {
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen required")
	}
	switch cfg.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", cfg.Logging.Format)
	}
	if err := cfg.ReconnectPolicy().Validate(); err != nil {
		return fmt.Errorf("transport.reconnect: %w", err)
	}
	switch cfg.Store.Backend {
	case "", "memory":
		cfg.Store.Backend = "memory"
	case "sqlite":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path required for the sqlite backend")
		}
	case "etcd":
		if len(cfg.Store.Etcd.Endpoints) == 0 {
			return fmt.Errorf("store.etcd.endpoints required for the etcd backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory, sqlite or etcd, got %q", cfg.Store.Backend)
	}
	seen := make(map[registry.EndpointID]bool)
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		id, err := registry.ParseEndpointID(ep.ID)
		if err != nil {
			return fmt.Errorf("endpoint[%d]: %w", i, err)
		}
		if seen[id] {
			return fmt.Errorf("endpoint[%d]: duplicate id %s", i, id)
		}
		seen[id] = true
		ep.ID = string(id)
		if !strings.HasPrefix(ep.Address, "ws://") && !strings.HasPrefix(ep.Address, "wss://") {
			return fmt.Errorf("endpoint %s: address must be a ws:// or wss:// URL", id)
		}
	}
	return nil
}

// ReconnectPolicy converts the reconnect section.
func (cfg *Config) ReconnectPolicy() transport.ReconnectPolicy {
	r := cfg.Transport.Reconnect
	return transport.ReconnectPolicy{
		Interval:    time.Duration(r.Interval),
		Strategy:    transport.Strategy(r.Strategy),
		MaxInterval: time.Duration(r.MaxInterval),
		MaxAttempts: r.MaxAttempts,
	}
}

// TransportConfig converts the transport section into a template for the registry.
func (cfg *Config) TransportConfig() transport.Config {
	return transport.Config{
		Reconnect:        cfg.ReconnectPolicy(),
		HandshakeTimeout: time.Duration(cfg.Transport.HandshakeTimeout),
		WriteTimeout:     time.Duration(cfg.Transport.WriteTimeout),
		MaxMessageSize:   cfg.Transport.MaxMessageSize,
	}
}

// EndpointConfigs returns the seed endpoints in store form. A named provider without a uuid
// takes the endpoint id.
func (cfg *Config) EndpointConfigs() []registry.EndpointConfig {
	out := make([]registry.EndpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		info := ep.Info
		if info.UUID == "" && info.Name != "" {
			info.UUID = ep.ID // announced under the id clients attach with
		}
		out = append(out, registry.EndpointConfig{ID: registry.EndpointID(ep.ID), Address: ep.Address, Info: info})
	}
	return out
}
