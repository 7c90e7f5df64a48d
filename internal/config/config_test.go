// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	t.Setenv("XDG_RUNTIME_DIR", "")
	return home
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("config", "", "")
	RegisterFlags(flags)
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestLoad_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".local", "share", "touchhost", "plugins"), cfg.PluginsDir)
	assert.Equal(t, filepath.Join(home, ".local", "share", "touchhost"), cfg.DataDir)
	assert.Equal(t, filepath.Join(home, ".local", "state", "touchhost", "run", "touchhost.sock"), cfg.ControlSocket)
	assert.Equal(t, filepath.Join(home, ".local", "state", "touchhost", "run", "touchhost-bus.sock"), cfg.Bus.Socket)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 10*time.Second, cfg.Bus.CallTimeout)
	assert.Equal(t, 2*time.Second, cfg.Plugins.ReapGrace)
	assert.Equal(t, int64(256<<20), cfg.Plugins.Quota.MaxBytes)
	assert.Equal(t, 10000, cfg.Plugins.Quota.MaxFiles)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
plugins_dir: /srv/plugins
log:
  format: text
bus:
  call_timeout: 3s
plugins:
  reap_grace: 500ms
  auto_enable: [clipboard, translate]
  quota:
    max_files: 12
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/srv/plugins", cfg.PluginsDir)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 3*time.Second, cfg.Bus.CallTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Plugins.ReapGrace)
	assert.Equal(t, []string{"clipboard", "translate"}, cfg.Plugins.AutoEnable)
	assert.Equal(t, 12, cfg.Plugins.Quota.MaxFiles)
	assert.Equal(t, int64(256<<20), cfg.Plugins.Quota.MaxBytes)
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "plugins_dir: /srv/plugins\nlog:\n  format: text\n")
	flags := newFlags(t, "--plugins-dir", "/opt/plugins", "--call-timeout", "1500ms", "--max-bytes", "1024")

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "/opt/plugins", cfg.PluginsDir)
	assert.Equal(t, "text", cfg.Log.Format, "unset flags must not override the file")
	assert.Equal(t, 1500*time.Millisecond, cfg.Bus.CallTimeout)
	assert.Equal(t, int64(1024), cfg.Plugins.Quota.MaxBytes)
}

func TestLoad_XDGConfigFile(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ".config", "touchhost")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("metrics_addr: \"\"\n"), 0o600))

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestLoad_Errors(t *testing.T) {
	isolate(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)

	_, err = Load(writeConfig(t, "log: [unclosed"), nil)
	require.Error(t, err)

	_, err = Load(writeConfig(t, "log:\n  format: xml\n"), nil)
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidConfig, oopsErr.Code())
}

func TestValidate(t *testing.T) {
	isolate(t)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty plugins dir", func(c *Config) { c.PluginsDir = "" }},
		{"empty data dir", func(c *Config) { c.DataDir = " " }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"negative timeout", func(c *Config) { c.Bus.CallTimeout = -time.Second }},
		{"zero reap grace", func(c *Config) { c.Plugins.ReapGrace = 0 }},
		{"negative quota", func(c *Config) { c.Plugins.Quota.MaxFiles = -1 }},
		{"reserved auto enable", func(c *Config) { c.Plugins.AutoEnable = []string{"touch-core"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			require.NoError(t, cfg.Validate())
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
