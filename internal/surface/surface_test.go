// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package surface_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talex-touch/touchhost/internal/bus"
	"github.com/talex-touch/touchhost/internal/plugin"
	"github.com/talex-touch/touchhost/internal/surface"
)

func errCode(t *testing.T, err error) any {
	t.Helper()
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %v", err)
	return oopsErr.Code()
}

func TestHeadless_AttachLocalIndex(t *testing.T) {
	dir := t.TempDir()
	manifest := &plugin.Manifest{Name: "clipboard", Version: "1.0.0"}

	s := surface.NewHeadless(manifest)
	_, err := s.Attach(context.Background(), manifest, manifest.IndexURL(dir), "")
	require.Error(t, err)
	assert.Equal(t, surface.CodeIndexMissing, errCode(t, err))

	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.IndexFile), []byte("<html></html>"), 0o600))
	result, err := s.Attach(context.Background(), manifest, manifest.IndexURL(dir), "")
	require.NoError(t, err)
	assert.Equal(t, manifest.IndexURL(dir), result.URL)
	assert.NotEmpty(t, result.Handle)
	assert.Equal(t, result.Handle, s.Handle())
}

func TestHeadless_AttachDevURL(t *testing.T) {
	manifest := &plugin.Manifest{
		Name:    "clipboard",
		Version: "1.0.0",
		Dev:     &plugin.DevConfig{Enable: true, Source: true, Address: "http://localhost:5173"},
	}

	s := surface.NewHeadless(manifest)
	result, err := s.Attach(context.Background(), manifest, manifest.IndexURL(t.TempDir()), "")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5173", result.URL)
}

func TestHeadless_AttachRejectsUnsupportedURL(t *testing.T) {
	s := surface.NewHeadless(nil)

	for _, raw := range []string{"ftp://host/index.html", "http://", "::not a url"} {
		_, err := s.Attach(context.Background(), nil, raw, "")
		require.Error(t, err, raw)
		assert.Equal(t, surface.CodeInvalidURL, errCode(t, err), raw)
	}
}

func TestHeadless_SendEventAfterClose(t *testing.T) {
	s := surface.NewHeadless(&plugin.Manifest{Name: "clipboard"})
	require.NoError(t, s.SendEvent(context.Background(), "active-changed", nil))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.SendEvent(context.Background(), "active-changed", nil)
	require.ErrorIs(t, err, surface.ErrClosed)
	assert.Equal(t, surface.CodeSurfaceClosed, errCode(t, err))
}

func TestBusSurface_ForwardsEvents(t *testing.T) {
	host, view := bus.NewPipe("host", "view")
	defer func() {
		_ = host.Close()
		_ = view.Close()
	}()

	received := make(chan surface.Event, 1)
	view.Register(surface.EventChannel, func(_ context.Context, req *bus.Request) {
		var ev surface.Event
		if assert.NoError(t, req.Decode(&ev)) {
			received <- ev
		}
	})

	factory := surface.BusFactory(host)
	s := factory(&plugin.Manifest{Name: "clipboard"})
	require.NoError(t, s.SendEvent(context.Background(), "active-changed", map[string]bool{"active": true}))

	select {
	case ev := <-received:
		assert.Equal(t, "clipboard", ev.Plugin)
		assert.Equal(t, "active-changed", ev.Name)
		data, err := json.Marshal(ev.Data)
		require.NoError(t, err)
		assert.JSONEq(t, `{"active":true}`, string(data))
	case <-time.After(time.Second):
		t.Fatal("event not forwarded")
	}
}

func TestHeadlessFactory_WithManager(t *testing.T) {
	pluginsDir := t.TempDir()
	dir := filepath.Join(pluginsDir, "clipboard")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFile),
		[]byte(`{"name":"clipboard","version":"1.0.0"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.IndexFile), []byte("<html></html>"), 0o600))

	m := plugin.NewManager(pluginsDir, plugin.WithSurfaceFactory(surface.HeadlessFactory))
	defer func() { _ = m.Close(context.Background()) }()

	require.NoError(t, m.LoadAll(context.Background()))
	status, err := m.EnablePlugin(context.Background(), "clipboard")
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusEnabled, status)
}
