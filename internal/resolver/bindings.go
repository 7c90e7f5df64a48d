// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package resolver

import (
	"context"

	"github.com/talex-touch/touchhost/internal/bus"
	"github.com/talex-touch/touchhost/internal/plugin"
)

// Bus channels served by BindBus.
const (
	ChannelInspect = "plugin:inspect"
	ChannelInstall = "plugin:install"
)

type pathRequest struct {
	Path     string           `json:"path"`
	Manifest *plugin.Manifest `json:"manifest,omitempty"`
}

// InstallResult is the reply of a successful plugin:install.
type InstallResult struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// BindBus serves plugin:inspect and plugin:install on ep. Failures are
// replied with the stable numeric code as the error code.
func (r *Resolver) BindBus(ep *bus.Endpoint) func() {
	unregisters := []bus.Unregister{
		ep.Register(ChannelInspect, r.handleInspect),
		ep.Register(ChannelInstall, r.handleInstall),
	}
	return func() {
		for _, unregister := range unregisters {
			unregister()
		}
	}
}

func (r *Resolver) handleInspect(_ context.Context, req *bus.Request) {
	in, ok := decodePath(req)
	if !ok {
		return
	}
	insp, err := r.Inspect(in.Path)
	if err != nil {
		_ = req.Fail(busError(req, err))
		return
	}
	_ = req.Reply(insp)
}

func (r *Resolver) handleInstall(ctx context.Context, req *bus.Request) {
	in, ok := decodePath(req)
	if !ok {
		return
	}
	insp, err := r.Install(ctx, in.Path, in.Manifest)
	if err != nil {
		_ = req.Fail(busError(req, err))
		return
	}
	_ = req.Reply(InstallResult{Name: insp.Name, Version: insp.Manifest.Version})
}

func decodePath(req *bus.Request) (pathRequest, bool) {
	var in pathRequest
	if err := req.Decode(&in); err != nil {
		_ = req.Fail(err)
		return in, false
	}
	if in.Path == "" {
		_ = req.Fail(&bus.RemoteError{Channel: req.Channel(), Code: stableCodes[CodeNotAPluginFile], Message: "path is required"})
		return in, false
	}
	return in, true
}

func busError(req *bus.Request, err error) error {
	return &bus.RemoteError{Channel: req.Channel(), Code: StableCode(err), Message: err.Error()}
}
