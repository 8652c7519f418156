package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"rpc-relay/client"
	"rpc-relay/config"
	"rpc-relay/logging"
	"rpc-relay/metrics"
	"rpc-relay/middleware"
	"rpc-relay/protocol"
	"rpc-relay/registry"
	"rpc-relay/server"
)

const (
	ConfigFlag  = "config"
	TimeoutFlag = "timeout"
)

func main() {
	app := &cli.App{
		Name:  "rpcrelay",
		Usage: "share long-lived JSON-RPC websocket connections among many clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    ConfigFlag,
				Aliases: []string{"c"},
				Usage:   "TOML configuration file",
				EnvVars: []string{"RPC_RELAY_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the relay",
				Action: serve,
			},
			{
				Name:      "call",
				Usage:     "issue one JSON-RPC call through a relay",
				ArgsUsage: "<relay-url> <method> [params-json]",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: TimeoutFlag, Value: 30 * time.Second, Usage: "call deadline"},
					&cli.IntFlag{Name: "retries", Value: 2, Usage: "retries on connection loss"},
				},
				Action: call,
			},
			{
				Name:  "endpoint",
				Usage: "manage endpoints in the configured sqlite or etcd store",
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "list configured endpoints",
						Action: func(cCtx *cli.Context) error {
							return withStore(cCtx, func(ctx context.Context, s registry.Store) error {
								eps, err := s.List(ctx)
								if err != nil {
									return err
								}
								enc := json.NewEncoder(cCtx.App.Writer)
								enc.SetIndent("", "  ")
								return enc.Encode(eps)
							})
						},
					},
					{
						Name:  "set",
						Usage: "add or change an endpoint",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "id", Usage: "endpoint id, also announced as the provider uuid (generated if empty)"},
							&cli.StringFlag{Name: "address", Required: true, Usage: "ws:// or wss:// URL"},
							&cli.StringFlag{Name: "name", Usage: "provider name"},
							&cli.StringFlag{Name: "rdns", Usage: "provider reverse DNS"},
							&cli.StringFlag{Name: "icon", Usage: "provider icon data URI"},
						},
						Action: setEndpoint,
					},
					{
						Name:      "remove",
						Usage:     "remove an endpoint",
						ArgsUsage: "<id>",
						Action: func(cCtx *cli.Context) error {
							id, err := registry.ParseEndpointID(cCtx.Args().First())
							if err != nil {
								return err
							}
							return withStore(cCtx, func(ctx context.Context, s registry.Store) error {
								return s.Remove(ctx, id)
							})
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cCtx *cli.Context) (*config.Config, error) {
	path := cCtx.String(ConfigFlag)
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSize:    cfg.Logging.FileMaxSize,
		MaxBackups: cfg.Logging.FileBackups,
		Compress:   cfg.Logging.Compress,
	})
}

// openStore returns the configured store and a function releasing it.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (registry.Store, func(), error) {
	var store registry.Store
	release := func() {}
	switch cfg.Store.Backend {
	case "etcd":
		es, err := registry.NewEtcdStore(registry.EtcdConfig{
			Endpoints:   cfg.Store.Etcd.Endpoints,
			Prefix:      cfg.Store.Etcd.Prefix,
			DialTimeout: time.Duration(cfg.Store.Etcd.DialTimeout),
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, err
		}
		store, release = es, func() { es.Close() }
	case "sqlite":
		ss, err := registry.OpenSQLiteStore(ctx, cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		store, release = ss, func() { ss.Close() }
	default:
		store = registry.NewMemoryStore()
	}
	for _, ep := range cfg.EndpointConfigs() {
		if err := store.Set(ctx, ep); err != nil {
			release()
			return nil, nil, fmt.Errorf("seed endpoint %s: %w", ep.ID, err)
		}
	}
	return store, release, nil
}

func withStore(cCtx *cli.Context, f func(ctx context.Context, s registry.Store) error) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	if cfg.Store.Backend == "memory" {
		return errors.New("endpoint commands need a persistent store backend (sqlite or etcd)")
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	store, release, err := openStore(cCtx.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer release()
	return f(cCtx.Context, store)
}

func setEndpoint(cCtx *cli.Context) error {
	id := registry.NewEndpointID()
	if s := cCtx.String("id"); s != "" {
		parsed, err := registry.ParseEndpointID(s)
		if err != nil {
			return err
		}
		id = parsed
	}
	ep := registry.EndpointConfig{
		ID:      id,
		Address: cCtx.String("address"),
		Info: registry.ProviderInfo{
			UUID: string(id),
			Name: cCtx.String("name"),
			Icon: cCtx.String("icon"),
			RDNS: cCtx.String("rdns"),
		},
	}
	return withStore(cCtx, func(ctx context.Context, s registry.Store) error {
		if old, err := s.Get(ctx, id); err == nil && old.Info.UUID != "" {
			ep.Info.UUID = old.Info.UUID // announced uuids stay stable
		}
		if err := s.Set(ctx, ep); err != nil {
			return err
		}
		fmt.Fprintln(cCtx.App.Writer, id)
		return nil
	})
}

func serve(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, release, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	reg := registry.New(store,
		registry.WithLogger(logger),
		registry.WithMetrics(m),
		registry.WithTransportConfig(cfg.TransportConfig()))
	if w, ok := store.(registry.Watcher); ok {
		go reg.Watch(ctx, w)
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithStore(store),
		server.WithWriteTimeout(time.Duration(cfg.Server.WriteTimeout)),
		server.WithReadLimit(cfg.Server.ReadLimit),
	}
	if cfg.Server.Metrics {
		opts = append(opts, server.WithMetrics(promReg))
	}
	if origins := cfg.Server.AllowedOrigins; len(origins) > 0 {
		opts = append(opts, server.WithCheckOrigin(originChecker(origins)))
	}
	srv := server.NewServer(reg, opts...)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(cfg.Server.Listen) }()

	select {
	case err := <-served:
		reg.Close()
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-served
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}

func call(cCtx *cli.Context) error {
	if cCtx.NArg() < 2 {
		return cli.ShowSubcommandHelp(cCtx)
	}
	url, method := cCtx.Args().Get(0), cCtx.Args().Get(1)
	var params any
	if raw := cCtx.Args().Get(2); raw != "" {
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("params are not valid JSON: %s", raw)
		}
		params = json.RawMessage(raw)
	}

	logger, err := logging.New(logging.Options{Level: "warn"})
	if err != nil {
		return err
	}
	defer logger.Sync()

	connected := make(chan struct{}, 1)
	ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(TimeoutFlag))
	defer cancel()
	c, err := client.Dial(ctx, url,
		client.WithLogger(logger),
		client.WithEventHandler(func(ev protocol.Event) {
			if ev.Type == protocol.EventConnect {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		}),
		client.WithMiddleware(
			middleware.RetryMiddleware(uint64(cCtx.Int("retries")), 500*time.Millisecond, client.IsConnectionError, logger),
			middleware.LoggingMiddleware(logger),
		))
	if err != nil {
		return err
	}
	defer c.Close()

	// Every attach is told the upstream state; wait until it is connected.
	select {
	case <-connected:
	case <-c.Done():
		return errors.New("relay closed the connection")
	case <-ctx.Done():
		return fmt.Errorf("upstream not connected: %w", ctx.Err())
	}

	var result json.RawMessage
	if err := c.Call(ctx, method, params, &result); err != nil {
		return err
	}
	fmt.Fprintln(cCtx.App.Writer, string(result))
	return nil
}
