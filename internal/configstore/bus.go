// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package configstore

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/talex-touch/touchhost/internal/bus"
)

// Channels served by BindBus.
const (
	ChannelGet          = "config:get"
	ChannelSave         = "config:save"
	ChannelReload       = "config:reload"
	ChannelThemeGet     = "theme:get"
	ChannelThemeChanged = "theme:changed"
)

// ThemeConfig is the document holding the UI theme.
const ThemeConfig = "theme"

type getRequest struct {
	Name string `json:"name"`
}

type saveRequest struct {
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content,omitempty"`
	Clear   bool            `json:"clear,omitempty"`
}

// BindBus serves the config channels on ep. Saving the theme document also
// broadcasts it on theme:changed. The returned function removes the
// handlers.
func (s *Store) BindBus(ep *bus.Endpoint) func() {
	unregisters := []bus.Unregister{
		ep.Register(ChannelGet, func(_ context.Context, req *bus.Request) {
			var in getRequest
			if err := req.Decode(&in); err != nil {
				_ = req.Fail(err)
				return
			}
			doc, err := s.Get(in.Name)
			if err != nil {
				_ = req.Fail(err)
				return
			}
			_ = req.Reply(doc)
		}),
		ep.Register(ChannelSave, func(ctx context.Context, req *bus.Request) {
			var in saveRequest
			if err := req.Decode(&in); err != nil {
				_ = req.Fail(err)
				return
			}
			if err := s.Save(in.Name, in.Content, in.Clear); err != nil {
				_ = req.Fail(err)
				return
			}
			if in.Name == ThemeConfig {
				s.broadcastTheme(ctx, ep)
			}
		}),
		ep.Register(ChannelReload, func(_ context.Context, req *bus.Request) {
			var in getRequest
			if err := req.Decode(&in); err != nil {
				_ = req.Fail(err)
				return
			}
			doc, err := s.Reload(in.Name)
			if err != nil {
				_ = req.Fail(err)
				return
			}
			_ = req.Reply(doc)
		}),
		ep.Register(ChannelThemeGet, func(_ context.Context, req *bus.Request) {
			doc, err := s.Get(ThemeConfig)
			if err != nil {
				_ = req.Fail(err)
				return
			}
			_ = req.Reply(doc)
		}),
	}

	return func() {
		for _, unregister := range unregisters {
			unregister()
		}
	}
}

func (s *Store) broadcastTheme(ctx context.Context, ep *bus.Endpoint) {
	doc, err := s.Get(ThemeConfig)
	if err != nil {
		slog.Warn("failed to read theme after save", "error", err)
		return
	}
	if err := ep.Send(ctx, ChannelThemeChanged, doc); err != nil {
		slog.Debug("failed to broadcast theme change", "error", err)
	}
}
