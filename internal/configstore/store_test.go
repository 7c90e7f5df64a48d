// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package configstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talex-touch/touchhost/internal/bus"
	"github.com/talex-touch/touchhost/internal/configstore"
)

func newStore(t *testing.T) *configstore.Store {
	t.Helper()
	s, err := configstore.New(t.TempDir())
	require.NoError(t, err)
	return s
}

func errCode(t *testing.T, err error) any {
	t.Helper()
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %v", err)
	return oopsErr.Code()
}

func TestStore_GetMissingReturnsEmpty(t *testing.T) {
	s := newStore(t)

	doc, err := s.Get("app-setting")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(doc))
}

func TestStore_SaveAndGet(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.Save("app-setting", []byte(`{"lang":"en","beta":true}`), false))

	doc, err := s.Get("app-setting")
	require.NoError(t, err)
	assert.JSONEq(t, `{"lang":"en","beta":true}`, string(doc))

	data, err := os.ReadFile(filepath.Join(s.Dir(), "app-setting.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"lang":"en","beta":true}`, string(data))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestStore_SaveClear(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save("history", []byte(`{"items":[1,2,3]}`), false))

	require.NoError(t, s.Save("history", []byte(`{"ignored":true}`), true))

	doc, err := s.Get("history")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(doc))
}

func TestStore_SaveEmptyContentPersistsCache(t *testing.T) {
	dir := t.TempDir()
	s, err := configstore.New(dir)
	require.NoError(t, err)
	seed := filepath.Join(s.Dir(), "theme.yaml")
	require.NoError(t, os.WriteFile(seed, []byte("style: dark\nblur: true\n"), 0o600))

	require.NoError(t, s.Save("theme", nil, false))

	data, err := os.ReadFile(filepath.Join(s.Dir(), "theme.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"style":"dark","blur":true}`, string(data))
}

func TestStore_Reload(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save("app-setting", []byte(`{"v":1}`), false))

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "app-setting.json"), []byte(`{"v":2}`), 0o600))

	cached, err := s.Get("app-setting")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(cached))

	fresh, err := s.Reload("app-setting")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(fresh))
}

func TestStore_Errors(t *testing.T) {
	s := newStore(t)

	for _, name := range []string{"", "..", "../escape", "a/b", ".hidden", "with space"} {
		_, err := s.Get(name)
		require.Error(t, err, name)
		assert.Equal(t, configstore.CodeInvalidName, errCode(t, err), name)
	}

	err := s.Save("app-setting", []byte(`{"broken":`), false)
	require.Error(t, err)
	assert.Equal(t, configstore.CodeInvalidConfig, errCode(t, err))

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "corrupt.json"), []byte("not json"), 0o600))
	_, err = s.Get("corrupt")
	require.Error(t, err)
	assert.Equal(t, configstore.CodeInvalidConfig, errCode(t, err))
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save("app-setting", []byte(`{"a":1}`), false))

	doc, err := s.Get("app-setting")
	require.NoError(t, err)
	doc[1] = 'X'

	again, err := s.Get("app-setting")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(again))
}

func TestBindBus(t *testing.T) {
	s := newStore(t)
	host, view := bus.NewPipe("host", "view")
	defer func() {
		_ = host.Close()
		_ = view.Close()
	}()
	unbind := s.BindBus(host)
	defer unbind()
	ctx := context.Background()

	changed := make(chan string, 1)
	view.Register(configstore.ChannelThemeChanged, func(_ context.Context, req *bus.Request) {
		changed <- string(req.Message().Payload)
	})

	_, err := view.Call(ctx, configstore.ChannelSave, map[string]any{
		"name":    "theme",
		"content": map[string]string{"style": "dark"},
	})
	require.NoError(t, err)

	select {
	case payload := <-changed:
		assert.JSONEq(t, `{"style":"dark"}`, payload)
	case <-time.After(time.Second):
		t.Fatal("theme change not broadcast")
	}

	reply, err := view.Call(ctx, configstore.ChannelThemeGet, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"style":"dark"}`, string(reply.Payload()))

	reply, err = view.Call(ctx, configstore.ChannelGet, map[string]string{"name": "theme"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"style":"dark"}`, string(reply.Payload()))

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "theme.json"), []byte(`{"style":"light"}`), 0o600))
	reply, err = view.Call(ctx, configstore.ChannelReload, map[string]string{"name": "theme"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"style":"light"}`, string(reply.Payload()))

	_, err = view.Call(ctx, configstore.ChannelGet, map[string]string{"name": "../etc"})
	var remote *bus.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, configstore.CodeInvalidName, remote.Code)
}
