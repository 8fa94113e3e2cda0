// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	jssandbox "github.com/buke/js-sandbox"
	"github.com/buke/js-sandbox/config"
	"github.com/buke/js-sandbox/httpapi"
	"github.com/buke/js-sandbox/logger"
	"github.com/buke/js-sandbox/mcpserver"
	sqlitestore "github.com/buke/js-sandbox/stores/sqlite"
)

// newStore opens the configured task store and closes it on shutdown.
func newStore(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (jssandbox.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		s, err := sqlitestore.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		log.Info("task history opened", zap.String("path", cfg.Store.Path))
		lc.Append(fx.StopHook(s.Close))
		return s, nil
	case "memory":
		return jssandbox.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store.backend: %s", cfg.Store.Backend)
	}
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// newDispatcher builds the dispatcher and ties its Start and Stop to the app.
func newDispatcher(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, store jssandbox.Store, reg *prometheus.Registry) (*jssandbox.Dispatcher, error) {
	factory, err := newTaskFactory(cfg)
	if err != nil {
		return nil, err
	}
	d, err := jssandbox.NewDispatcher(
		jssandbox.WithTaskFactory(factory),
		jssandbox.WithStore(store),
		jssandbox.WithLogger(logger.Slog(log)),
		jssandbox.WithMetrics(jssandbox.NewMetrics(reg)),
		jssandbox.WithPoolSize(cfg.Dispatcher.PoolSize),
		jssandbox.WithShutdownTimeout(cfg.Dispatcher.ShutdownTimeout),
		jssandbox.WithDefaultQuota(cfg.Dispatcher.DefaultQuota),
	)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return d.Start() },
		OnStop:  func(context.Context) error { return d.Stop() },
	})
	return d, nil
}

func newHTTPServer(cfg *config.Config, d *jssandbox.Dispatcher, reg *prometheus.Registry, log *zap.Logger) *httpapi.Server {
	return httpapi.NewServer(cfg.Server.HTTPAddr, d, httpapi.BearerTokens(cfg.Auth.Tokens), reg, log)
}

// startTransport serves the configured transport for the app's lifetime.
func startTransport(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, log *zap.Logger, srv *httpapi.Server, mcp *mcpserver.MCPServer) {
	switch cfg.Server.Transport {
	case "http":
		srv.MountAuthorized("/mcp", mcp.HTTPHandler())
		lc.Append(fx.Hook{
			OnStart: srv.Start,
			OnStop:  srv.Shutdown,
		})
	case "stdio":
		lc.Append(fx.StartHook(func() {
			// Use fx to run this as a background task
			go func() {
				if err := mcp.ServeStdio(); err != nil {
					log.Error("stdio transport failed", zap.Error(err))
				}
				_ = sd.Shutdown()
			}()
		}))
	}
}
