// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package plugin

import "context"

// AttachResult describes a surface that finished attaching.
type AttachResult struct {
	// URL is the address the surface actually loaded.
	URL string `json:"url"`
	// Handle identifies the surface to the rendering layer.
	Handle string `json:"handle,omitempty"`
}

// Surface is the rendering view of one plugin. The lifecycle attaches it on
// enable and closes it on disable; window management belongs to the
// implementation.
type Surface interface {
	Attach(ctx context.Context, manifest *Manifest, indexURL, preloadPath string) (AttachResult, error)
	Close() error
	SendEvent(ctx context.Context, name string, payload any) error
}

// SurfaceFactory creates the surface for a plugin being enabled.
type SurfaceFactory func(manifest *Manifest) Surface

// detachedSurface accepts every call. It backs managers built without a
// surface factory.
type detachedSurface struct{}

func (detachedSurface) Attach(_ context.Context, _ *Manifest, indexURL, _ string) (AttachResult, error) {
	return AttachResult{URL: indexURL}, nil
}

func (detachedSurface) Close() error { return nil }

func (detachedSurface) SendEvent(context.Context, string, any) error { return nil }
