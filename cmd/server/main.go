// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/supervisor"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	metrics.AppInfo.WithLabelValues(version, runtime.Version()).Set(1)

	logging.Info().
		Str("version", version).
		Str("jellyfin_url", cfg.Jellyfin.URL).
		Str("db_path", cfg.Database.Path).
		Int("destinations", len(cfg.Routing.Destinations)).
		Bool("realtime", cfg.Jellyfin.RealtimeEnabled).
		Bool("sync", cfg.Sync.Enabled).
		Msg("Starting Herald")

	if cfg.Security.WebhookSecret == "" {
		logging.Warn().Msg("WEBHOOK_SECRET is not set, webhook signatures are not verified")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize")
	}

	tree := supervisor.NewSupervisorTree(logging.NewSlogLogger(), treeConfig(cfg))
	a.register(tree)

	if path := config.FindConfigFile(); path != "" {
		err := config.WatchConfigFile(path, func(next *config.Config, err error) {
			if err != nil {
				metrics.ConfigReloads.WithLabelValues("error").Inc()
				logging.Error().Err(err).Str("path", path).Msg("Configuration reload rejected, keeping current settings")
				return
			}
			a.applyConfig(next)
		})
		if err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("Config file watching disabled")
		} else {
			logging.Info().Str("path", path).Msg("Watching config file for changes")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Str("addr", a.server.Addr).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	exitCode := 0
	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree stopped")
			exitCode = 1
		}
		cancel()
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	a.Close()
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	logging.Info().Msg("Herald stopped")
}

// treeConfig sizes the supervisor shutdown budget so queues can drain and
// the HTTP server can finish in-flight requests before being abandoned.
func treeConfig(cfg *config.Config) supervisor.TreeConfig {
	tc := supervisor.DefaultTreeConfig()
	need := cfg.Queue.DrainTimeout + cfg.Server.ShutdownTimeout + 5*time.Second
	if need > tc.ShutdownTimeout {
		tc.ShutdownTimeout = need
	}
	return tc
}
