// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package plugin

import (
	"context"

	"github.com/samber/oops"

	"github.com/talex-touch/touchhost/internal/bus"
)

// Channels served by BindBus.
const (
	ChannelProcessDeclare = "process:declare"
	ChannelCrash          = "plugin:crash"
	ChannelList           = "plugin:list"
	ChannelEnable         = "plugin:enable"
	ChannelDisable        = "plugin:disable"
	ChannelChangeActive   = "plugin:change-active"
	ChannelReload         = "plugin:reload"
)

type nameRequest struct {
	Name string `json:"name"`
}

type declareRequest struct {
	Name string `json:"name,omitempty"`
	PID  int    `json:"pid"`
}

type crashRequest struct {
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type statusReply struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
}

type changeActiveReply struct {
	Active string `json:"active"`
	Error  string `json:"error,omitempty"`
}

// BindBus serves the lifecycle channels on ep and publishes notifications
// through it. Several endpoints may be bound at once. The returned function
// removes the handlers and stops notifications to ep.
func (m *Manager) BindBus(ep *bus.Endpoint) func() {
	removeNotifier := m.addNotifier(ep)

	unregisters := []bus.Unregister{
		ep.Register(ChannelProcessDeclare, m.handleDeclare),
		ep.Register(ChannelCrash, m.handleCrash),
		ep.Register(ChannelList, m.handleList),
		ep.Register(ChannelEnable, m.handleEnable),
		ep.Register(ChannelDisable, m.handleDisable),
		ep.Register(ChannelChangeActive, m.handleChangeActive),
		ep.Register(ChannelReload, m.handleReload),
	}

	return func() {
		for _, unregister := range unregisters {
			unregister()
		}
		removeNotifier()
	}
}

// targetName resolves the plugin a request acts on. A sender that carries a
// plugin identity may only name itself; the shell may name any plugin.
func targetName(explicit string, req *bus.Request) (string, error) {
	sender := req.Plugin()
	switch {
	case sender == "":
		return explicit, nil
	case explicit == "" || explicit == sender:
		return sender, nil
	}
	return "", oops.Code(CodeNotPermitted).
		With("sender", sender).
		With("plugin", explicit).
		Wrap(ErrNotPermitted)
}

func (m *Manager) handleDeclare(_ context.Context, req *bus.Request) {
	var in declareRequest
	if err := req.Decode(&in); err != nil {
		_ = req.Fail(err)
		return
	}
	name, err := targetName(in.Name, req)
	if err != nil {
		_ = req.Fail(err)
		return
	}
	if err := m.DeclareProcess(name, in.PID); err != nil {
		_ = req.Fail(err)
	}
}

func (m *Manager) handleCrash(ctx context.Context, req *bus.Request) {
	var in crashRequest
	if err := req.Decode(&in); err != nil {
		_ = req.Fail(err)
		return
	}
	name, err := targetName(in.Name, req)
	if err != nil {
		_ = req.Fail(err)
		return
	}
	if err := m.ReportCrash(ctx, name, in.Reason); err != nil {
		_ = req.Fail(err)
	}
}

func (m *Manager) handleList(_ context.Context, req *bus.Request) {
	_ = req.Reply(m.List())
}

func (m *Manager) handleEnable(ctx context.Context, req *bus.Request) {
	name, ok := decodeName(req)
	if !ok {
		return
	}
	status, err := m.EnablePlugin(ctx, name)
	if err != nil {
		_ = req.Fail(err)
		return
	}
	_ = req.Reply(statusReply{Name: name, Status: status})
}

func (m *Manager) handleDisable(ctx context.Context, req *bus.Request) {
	name, ok := decodeName(req)
	if !ok {
		return
	}
	if err := m.DisablePlugin(ctx, name); err != nil {
		_ = req.Fail(err)
		return
	}
	snap, _ := m.Get(name)
	_ = req.Reply(statusReply{Name: name, Status: snap.Status})
}

func (m *Manager) handleChangeActive(ctx context.Context, req *bus.Request) {
	var in nameRequest
	if err := req.Decode(&in); err != nil {
		_ = req.Fail(err)
		return
	}
	if in.Name != "" {
		if _, err := targetName(in.Name, req); err != nil {
			_ = req.Fail(err)
			return
		}
	}
	sentinel := m.ChangeActivePlugin(ctx, in.Name)
	_ = req.Reply(changeActiveReply{Active: m.Active(), Error: sentinel})
}

func (m *Manager) handleReload(ctx context.Context, req *bus.Request) {
	name, ok := decodeName(req)
	if !ok {
		return
	}
	status, err := m.ReloadPlugin(ctx, name)
	if err != nil {
		_ = req.Fail(err)
		return
	}
	_ = req.Reply(statusReply{Name: name, Status: status})
}

func decodeName(req *bus.Request) (string, bool) {
	var in nameRequest
	if err := req.Decode(&in); err != nil {
		_ = req.Fail(err)
		return "", false
	}
	name, err := targetName(in.Name, req)
	if err != nil {
		_ = req.Fail(err)
		return "", false
	}
	if name == "" {
		_ = req.Fail(oops.Code(bus.CodeInvalidMessage).Errorf("plugin name is required"))
		return "", false
	}
	return name, true
}
