// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

// Package surface provides the rendering-surface implementations used when
// the host runs without a desktop shell.
package surface

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/samber/oops"

	"github.com/talex-touch/touchhost/internal/bus"
	"github.com/talex-touch/touchhost/internal/ids"
	"github.com/talex-touch/touchhost/internal/plugin"
)

// Error codes.
const (
	CodeIndexMissing  = "INDEX_MISSING"
	CodeInvalidURL    = "INVALID_INDEX_URL"
	CodeSurfaceClosed = "SURFACE_CLOSED"
)

// ErrClosed is returned by SendEvent after Close.
var ErrClosed = errors.New("surface closed")

// EventChannel is the bus channel that carries surface events.
const EventChannel = "plugin:event"

// Event is the payload of EventChannel messages.
type Event struct {
	Plugin string `json:"plugin"`
	Name   string `json:"name"`
	Data   any    `json:"data,omitempty"`
}

// Headless is a surface that renders nothing. Attach verifies that the
// plugin's entry point is reachable in principle and events are logged.
type Headless struct {
	manifest *plugin.Manifest
	forward  func(ctx context.Context, ev Event) error

	mu     sync.Mutex
	handle string
	closed bool
}

// NewHeadless returns a headless surface for manifest.
func NewHeadless(manifest *plugin.Manifest) *Headless {
	return &Headless{manifest: manifest}
}

// HeadlessFactory is a plugin.SurfaceFactory creating Headless surfaces.
func HeadlessFactory(manifest *plugin.Manifest) plugin.Surface {
	return NewHeadless(manifest)
}

// Attach validates indexURL. file:// URLs must point at an existing file;
// dev URLs must be http or https.
func (h *Headless) Attach(_ context.Context, manifest *plugin.Manifest, indexURL, preloadPath string) (plugin.AttachResult, error) {
	if manifest == nil {
		manifest = h.manifest
	}
	name := ""
	if manifest != nil {
		name = manifest.Name
	}

	if err := checkIndex(indexURL); err != nil {
		return plugin.AttachResult{}, oops.With("plugin", name).Wrap(err)
	}

	h.mu.Lock()
	h.manifest = manifest
	h.handle = "headless-" + ids.NewString()
	h.closed = false
	handle := h.handle
	h.mu.Unlock()

	slog.Info("surface attached",
		"plugin", name,
		"url", indexURL,
		"preload", preloadPath,
		"handle", handle)
	return plugin.AttachResult{URL: indexURL, Handle: handle}, nil
}

// Close detaches the surface. Calling it twice is harmless.
func (h *Headless) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	slog.Debug("surface closed", "plugin", h.pluginName(), "handle", h.handle)
	return nil
}

// SendEvent logs the event and hands it to the forwarder, if any.
func (h *Headless) SendEvent(ctx context.Context, event string, payload any) error {
	h.mu.Lock()
	closed := h.closed
	name := h.pluginName()
	forward := h.forward
	h.mu.Unlock()

	if closed {
		return oops.Code(CodeSurfaceClosed).With("plugin", name).Wrap(ErrClosed)
	}
	slog.Debug("surface event", "plugin", name, "event", event)
	if forward == nil {
		return nil
	}
	return forward(ctx, Event{Plugin: name, Name: event, Data: payload})
}

// Handle returns the handle assigned by the last Attach.
func (h *Headless) Handle() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handle
}

// pluginName must be called with h.mu held.
func (h *Headless) pluginName() string {
	if h.manifest == nil {
		return ""
	}
	return h.manifest.Name
}

func checkIndex(indexURL string) error {
	u, err := url.Parse(indexURL)
	if err != nil {
		return oops.Code(CodeInvalidURL).With("url", indexURL).Wrap(err)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		if _, err := os.Stat(u.Path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return oops.Code(CodeIndexMissing).With("path", u.Path).Errorf("index file %s does not exist", u.Path)
			}
			return oops.Code(CodeIndexMissing).With("path", u.Path).Wrap(err)
		}
		return nil
	case "http", "https":
		if u.Host == "" {
			return oops.Code(CodeInvalidURL).With("url", indexURL).Errorf("dev url %q has no host", indexURL)
		}
		return nil
	default:
		return oops.Code(CodeInvalidURL).With("url", indexURL).Errorf("unsupported index url %q", indexURL)
	}
}

// BusSurface is a Headless surface whose events are forwarded as
// fire-and-forget messages on an endpoint.
type BusSurface struct {
	*Headless
}

// NewBusSurface returns a surface forwarding events for manifest over ep.
func NewBusSurface(manifest *plugin.Manifest, ep *bus.Endpoint) *BusSurface {
	h := NewHeadless(manifest)
	h.forward = func(ctx context.Context, ev Event) error {
		return ep.Send(ctx, EventChannel, ev)
	}
	return &BusSurface{Headless: h}
}

// BusFactory returns a plugin.SurfaceFactory creating BusSurfaces on ep.
func BusFactory(ep *bus.Endpoint) plugin.SurfaceFactory {
	return func(manifest *plugin.Manifest) plugin.Surface {
		return NewBusSurface(manifest, ep)
	}
}
