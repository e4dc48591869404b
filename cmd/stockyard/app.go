package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/buildsource/stockyard/internal/cachestore"
	_ "github.com/buildsource/stockyard/internal/cachestore/badger"
	_ "github.com/buildsource/stockyard/internal/cachestore/memory"
	_ "github.com/buildsource/stockyard/internal/cachestore/redis"
	_ "github.com/buildsource/stockyard/internal/cachestore/sqlite"
	"github.com/buildsource/stockyard/internal/config"
	"github.com/buildsource/stockyard/internal/observability"
	"github.com/buildsource/stockyard/pkg/catalog"
	"github.com/buildsource/stockyard/pkg/provider"
	"github.com/buildsource/stockyard/pkg/sourcing"
)

// connectWait bounds how long commands wait for providers before running
// anyway with whatever connected.
const connectWait = 5 * time.Second

// app wires configuration, observability, and the client for one command
// invocation.
type app struct {
	cfg      config.Config
	obs      *observability.Observability
	client   *catalog.Client
	sourcing *sourcing.Service
	output   string
}

// newApp loads config and connects the client. Callers must Close.
func newApp(ctx context.Context, v *viper.Viper) (*app, error) {
	cfg, err := config.Load(v, v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured; add providers to stockyard.yaml")
	}

	obs, err := observability.New(ctx, observability.ObsConfig{
		LogLevel:       cfg.Observability.LogLevel,
		LogFormat:      cfg.Observability.LogFormat,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPProtocol:   cfg.Observability.OTLPProtocol,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
	}, os.Stderr)
	if err != nil {
		return nil, err
	}
	if cfg.Observability.MetricsAddr != "" {
		obs.ServeMetrics(ctx, cfg.Observability.MetricsAddr)
	}

	registry, err := provider.NewRegistry(cfg.Providers)
	if err != nil {
		return nil, err
	}
	backend, err := cachestore.New(ctx, cfg.Cache.Backend, cfg.Cache.Config)
	if err != nil {
		return nil, fmt.Errorf("cache backend %s: %w", cfg.Cache.Backend, err)
	}

	client := catalog.New(registry, backend, catalog.Options{
		Source:             cfg.Client.Source,
		DefaultTimeout:     cfg.Client.DefaultTimeout,
		MaxConcurrent:      cfg.Client.MaxConcurrent,
		ReconnectDelay:     cfg.Client.ReconnectDelay,
		PingInterval:       cfg.Client.PingInterval,
		EventBuffer:        cfg.Client.EventBuffer,
		CacheTTL:           cfg.Cache.TTL,
		CacheSweepInterval: cfg.Cache.SweepInterval,
	}, obs.Metrics)

	if err := client.Connect(ctx); err != nil {
		_ = backend.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		obs:      obs,
		client:   client,
		sourcing: sourcing.NewService(client),
		output:   v.GetString("output"),
	}
	a.waitForProviders(ctx)
	return a, nil
}

// waitForProviders blocks until every provider connects or the grace period
// ends. Unreachable providers are reported but do not abort the command.
func (a *app) waitForProviders(ctx context.Context) {
	deadline := time.Now().Add(connectWait)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		if a.allConnected() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	for id, state := range a.client.Status() {
		if state != "connected" {
			fmt.Fprintf(os.Stderr, "warning: provider %s is %s\n", id, state)
		}
	}
}

func (a *app) allConnected() bool {
	for _, state := range a.client.Status() {
		if state != "connected" {
			return false
		}
	}
	return true
}

func (a *app) Close() {
	_ = a.client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.obs.Close(ctx)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
