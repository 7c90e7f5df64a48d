// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package main

import (
	"context"
	"os"

	"github.com/talex-touch/touchhost/internal/bus"
	"github.com/talex-touch/touchhost/internal/control"
	"github.com/talex-touch/touchhost/internal/observability"
	"github.com/talex-touch/touchhost/internal/plugin"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// SurfaceFactory builds plugin surfaces whose events go out on the host
	// endpoint.
	// Default: surface.BusFactory
	SurfaceFactory func(host *bus.Endpoint) plugin.SurfaceFactory

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, ready observability.ReadinessChecker, registrars ...observability.Registrar) ObservabilityServer

	// ControlServerFactory creates the control socket server.
	// Default: control.NewServer
	ControlServerFactory func(socketPath string, plugins control.PluginController, shutdown control.ShutdownFunc, opts ...control.Option) ControlServer

	// Signals delivers shutdown signals.
	// Default: SIGINT and SIGTERM via signal.Notify
	Signals <-chan os.Signal
}

// ControlServer interface wraps the methods used from control.Server.
type ControlServer interface {
	Start() error
	Stop(ctx context.Context) error
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}
