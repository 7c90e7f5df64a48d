// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/talex-touch/touchhost/internal/archive"
	"github.com/talex-touch/touchhost/internal/bus"
	"github.com/talex-touch/touchhost/internal/config"
	"github.com/talex-touch/touchhost/internal/configstore"
	"github.com/talex-touch/touchhost/internal/control"
	"github.com/talex-touch/touchhost/internal/logging"
	"github.com/talex-touch/touchhost/internal/observability"
	"github.com/talex-touch/touchhost/internal/plugin"
	"github.com/talex-touch/touchhost/internal/resolver"
	"github.com/talex-touch/touchhost/internal/surface"
	"github.com/talex-touch/touchhost/internal/xdg"
	"github.com/talex-touch/touchhost/pkg/errutil"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the plugin host",
		Long: `Run the plugin host: load every plugin in the plugins directory, enable
the configured ones, serve the message bus and expose the control socket
and metrics endpoints until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}
}

// runServeWithDeps runs the host with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.SurfaceFactory == nil {
		deps.SurfaceFactory = surface.BusFactory
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker, registrars ...observability.Registrar) ObservabilityServer {
			return observability.NewServer(addr, ready, registrars...)
		}
	}
	if deps.ControlServerFactory == nil {
		deps.ControlServerFactory = func(socketPath string, plugins control.PluginController, shutdown control.ShutdownFunc, opts ...control.Option) ControlServer {
			return control.NewServer(socketPath, plugins, shutdown, opts...)
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logging.SetDefault("touchhost", version, cfg.Log.Format, level)

	for _, dir := range []string{cfg.PluginsDir, cfg.DataDir} {
		if err := xdg.EnsureDir(dir); err != nil {
			return err
		}
	}

	store, err := configstore.New(cfg.DataDir)
	if err != nil {
		return err
	}

	host, shell := bus.NewPipe("host", "shell", bus.WithDefaultTimeout(cfg.Bus.CallTimeout))
	defer func() {
		_ = host.Close()
		_ = shell.Close()
	}()
	watchShell(shell)

	manager := plugin.NewManager(cfg.PluginsDir,
		plugin.WithSurfaceFactory(deps.SurfaceFactory(host)),
		plugin.WithReapGrace(cfg.Plugins.ReapGrace))

	res, err := resolver.New(cfg.PluginsDir,
		resolver.WithLoader(manager),
		resolver.WithExtractQuota(cfg.Plugins.Quota))
	if err != nil {
		return err
	}

	bindAll := func(ep *bus.Endpoint) func() {
		unbinds := []func(){manager.BindBus(ep), store.BindBus(ep), res.BindBus(ep)}
		return func() {
			for _, unbind := range unbinds {
				unbind()
			}
		}
	}
	defer bindAll(host)()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool
	var obsServer ObservabilityServer
	if cfg.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.MetricsAddr, ready.Load,
			archive.RegisterMetrics,
			bus.RegisterMetrics,
			plugin.RegisterMetrics,
			resolver.RegisterMetrics)
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.With("addr", cfg.MetricsAddr).Wrapf(err, "start observability server")
		}
		obsServer.Metrics().BuildInfo.WithLabelValues(version).Set(1)
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
	}

	if err := manager.LoadAll(ctx); err != nil {
		stopObservability(obsServer)
		return err
	}
	for _, name := range cfg.Plugins.AutoEnable {
		if _, err := manager.EnablePlugin(ctx, name); err != nil {
			errutil.LogError(slog.Default(), "failed to auto-enable plugin", err, "plugin", name)
		}
	}
	ready.Store(true)

	var busServer *bus.Server
	if cfg.Bus.Socket != "" {
		busServer = bus.NewServer(cfg.Bus.Socket, bindAll, bus.WithDefaultTimeout(cfg.Bus.CallTimeout))
		if err := busServer.Start(); err != nil {
			closeManager(manager)
			stopObservability(obsServer)
			return oops.With("path", cfg.Bus.Socket).Wrapf(err, "start bus socket")
		}
	}

	controlOpts := []control.Option{control.WithVersion(version)}
	if obsServer != nil {
		controlOpts = append(controlOpts, control.WithRequestCounter(obsServer.Metrics().ControlRequests))
	}
	controlServer := deps.ControlServerFactory(cfg.ControlSocket, manager, func() { cancel() }, controlOpts...)
	if err := controlServer.Start(); err != nil {
		stopBus(busServer)
		closeManager(manager)
		stopObservability(obsServer)
		return oops.With("path", cfg.ControlSocket).Wrapf(err, "start control socket")
	}

	sigChan := deps.Signals
	if sigChan == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigChan = ch
	}

	cmd.Println("TouchHost started")
	slog.Info("host ready",
		"plugins_dir", cfg.PluginsDir,
		"plugins", len(manager.List()),
		"control_socket", cfg.ControlSocket,
		"bus_socket", cfg.Bus.Socket)

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	ready.Store(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := controlServer.Stop(shutdownCtx); err != nil {
		slog.Warn("error stopping control socket", "error", err)
	}
	if err := manager.Close(shutdownCtx); err != nil {
		slog.Warn("error closing plugin manager", "error", err)
	}
	// Connected shells see the final statuses before their sockets close.
	if busServer != nil {
		if err := busServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping bus socket", "error", err)
		}
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// watchShell logs what the host sends to the shell side of the bus.
func watchShell(shell *bus.Endpoint) {
	for _, channel := range []string{plugin.ChannelStatusUpdated, plugin.ChannelCrashed, surface.EventChannel, configstore.ChannelThemeChanged} {
		shell.Register(channel, func(_ context.Context, req *bus.Request) {
			slog.Debug("bus notification",
				"channel", req.Channel(),
				"payload", string(req.Message().Payload))
		})
	}
}

func closeManager(m *plugin.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		slog.Warn("error closing plugin manager", "error", err)
	}
}

func stopBus(s *bus.Server) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		slog.Warn("error stopping bus socket", "error", err)
	}
}

func stopObservability(s ObservabilityServer) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		slog.Warn("error stopping observability server", "error", err)
	}
}

// monitorServerErrors cancels ctx when a server reports an error. It exits
// when an error is received, the channel is closed or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			errutil.LogError(slog.Default(), "server error, triggering shutdown", err, "server", serverName)
			cancel()
		}
	case <-ctx.Done():
	}
}
