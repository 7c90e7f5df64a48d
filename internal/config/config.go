// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

// Package config loads the host configuration from defaults, an optional
// YAML file and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/talex-touch/touchhost/internal/archive"
	"github.com/talex-touch/touchhost/internal/bus"
	"github.com/talex-touch/touchhost/internal/logging"
	"github.com/talex-touch/touchhost/internal/plugin"
	"github.com/talex-touch/touchhost/internal/xdg"
)

// CodeInvalidConfig marks configuration errors.
const CodeInvalidConfig = "INVALID_CONFIG"

// LogConfig controls logging output.
type LogConfig struct {
	Format string `koanf:"format" json:"format" yaml:"format"`
	Level  string `koanf:"level" json:"level" yaml:"level"`
}

// BusConfig controls the message bus.
type BusConfig struct {
	CallTimeout time.Duration `koanf:"call_timeout" json:"call_timeout" yaml:"call_timeout"`
	// Socket is where out-of-process shells connect. Empty disables it.
	Socket      string        `koanf:"socket" json:"socket" yaml:"socket"`
}

// PluginConfig controls the plugin lifecycle.
type PluginConfig struct {
	ReapGrace  time.Duration `koanf:"reap_grace" json:"reap_grace" yaml:"reap_grace"`
	AutoEnable []string      `koanf:"auto_enable" json:"auto_enable,omitempty" yaml:"auto_enable,omitempty"`
	Quota      archive.Quota `koanf:"quota" json:"quota" yaml:"quota"`
}

// Config is the host configuration.
type Config struct {
	PluginsDir    string       `koanf:"plugins_dir" json:"plugins_dir" yaml:"plugins_dir"`
	DataDir       string       `koanf:"data_dir" json:"data_dir" yaml:"data_dir"`
	MetricsAddr   string       `koanf:"metrics_addr" json:"metrics_addr" yaml:"metrics_addr"`
	ControlSocket string       `koanf:"control_socket" json:"control_socket" yaml:"control_socket"`
	Log           LogConfig    `koanf:"log" json:"log" yaml:"log"`
	Bus           BusConfig    `koanf:"bus" json:"bus" yaml:"bus"`
	Plugins       PluginConfig `koanf:"plugins" json:"plugins" yaml:"plugins"`
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"plugins-dir":    "plugins_dir",
	"data-dir":       "data_dir",
	"metrics-addr":   "metrics_addr",
	"control-socket": "control_socket",
	"log-format":     "log.format",
	"log-level":      "log.level",
	"call-timeout":   "bus.call_timeout",
	"bus-socket":     "bus.socket",
	"reap-grace":     "plugins.reap_grace",
	"auto-enable":    "plugins.auto_enable",
	"max-bytes":      "plugins.quota.max_bytes",
	"max-files":      "plugins.quota.max_files",
}

// Defaults returns the built-in configuration. Directory defaults follow
// the XDG base directory layout and are left empty when HOME is unset.
func Defaults() Config {
	cfg := Config{
		MetricsAddr: "127.0.0.1:9464",
		Log:         LogConfig{Format: logging.FormatJSON, Level: "info"},
		Bus:         BusConfig{CallTimeout: bus.DefaultCallTimeout},
		Plugins: PluginConfig{
			ReapGrace: plugin.DefaultReapGrace,
			Quota:     archive.Quota{MaxBytes: 256 << 20, MaxFiles: 10000},
		},
	}
	if dir, err := xdg.PluginsDir(); err == nil {
		cfg.PluginsDir = dir
	}
	if dir, err := xdg.DataDir(); err == nil {
		cfg.DataDir = dir
	}
	if path, err := xdg.RuntimeDir(); err == nil {
		cfg.ControlSocket = filepath.Join(path, "touchhost.sock")
		cfg.Bus.Socket = filepath.Join(path, bus.SocketName)
	}
	return cfg
}

// RegisterFlags adds the configuration flags to flags. Flag defaults are
// informational; unset flags never override the file.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Defaults()
	flags.String("plugins-dir", d.PluginsDir, "directory plugins are installed into")
	flags.String("data-dir", d.DataDir, "directory for persisted settings")
	flags.String("metrics-addr", d.MetricsAddr, "listen address for metrics and health probes (empty disables)")
	flags.String("control-socket", d.ControlSocket, "path of the control socket")
	flags.String("log-format", d.Log.Format, "log format (json or text)")
	flags.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	flags.Duration("call-timeout", d.Bus.CallTimeout, "default bus call timeout")
	flags.String("bus-socket", d.Bus.Socket, "path of the bus socket for shell connections (empty disables)")
	flags.Duration("reap-grace", d.Plugins.ReapGrace, "grace period before plugin processes are killed")
	flags.StringSlice("auto-enable", nil, "plugins enabled at startup")
	flags.Int64("max-bytes", d.Plugins.Quota.MaxBytes, "maximum unpacked plugin size in bytes (0 = unbounded)")
	flags.Int("max-files", d.Plugins.Quota.MaxFiles, "maximum number of files in a plugin (0 = unbounded)")
}

// Load builds the configuration. path names a YAML file; an empty path
// falls back to the XDG config file, which may be absent. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := setDefaults(k, Defaults()); err != nil {
		return nil, err
	}

	explicit := path != ""
	if !explicit {
		if p, err := xdg.ConfigFile(); err == nil {
			path = p
		}
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, oops.Code(CodeInvalidConfig).With("path", path).Wrapf(err, "load config file")
			}
		} else if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, oops.Code(CodeInvalidConfig).With("path", path).Wrapf(err, "stat config file")
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				return key, sv.GetSlice()
			}
			return key, f.Value.String()
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code(CodeInvalidConfig).Wrapf(err, "load flags")
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code(CodeInvalidConfig).Wrapf(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(k *koanf.Koanf, d Config) error {
	values := map[string]any{
		"plugins_dir":             d.PluginsDir,
		"data_dir":                d.DataDir,
		"metrics_addr":            d.MetricsAddr,
		"control_socket":          d.ControlSocket,
		"log.format":              d.Log.Format,
		"log.level":               d.Log.Level,
		"bus.call_timeout":        d.Bus.CallTimeout,
		"bus.socket":              d.Bus.Socket,
		"plugins.reap_grace":      d.Plugins.ReapGrace,
		"plugins.auto_enable":     []string{},
		"plugins.quota.max_bytes": d.Plugins.Quota.MaxBytes,
		"plugins.quota.max_files": d.Plugins.Quota.MaxFiles,
	}
	for key, value := range values {
		if err := k.Set(key, value); err != nil {
			return oops.Code(CodeInvalidConfig).With("key", key).Wrap(err)
		}
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.PluginsDir) == "" {
		problems = append(problems, "plugins_dir must be set")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		problems = append(problems, "data_dir must be set")
	}
	if !logging.ValidFormat(c.Log.Format) {
		problems = append(problems, "log.format must be json or text")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, "log.level must be debug, info, warn or error")
	}
	if c.Bus.CallTimeout < 0 {
		problems = append(problems, "bus.call_timeout must not be negative")
	}
	if c.Plugins.ReapGrace <= 0 {
		problems = append(problems, "plugins.reap_grace must be positive")
	}
	if c.Plugins.Quota.MaxBytes < 0 || c.Plugins.Quota.MaxFiles < 0 {
		problems = append(problems, "plugins.quota limits must not be negative")
	}
	for _, name := range c.Plugins.AutoEnable {
		if err := plugin.ValidateName(name); err != nil {
			problems = append(problems, "plugins.auto_enable: "+err.Error())
		}
	}
	if len(problems) > 0 {
		return oops.Code(CodeInvalidConfig).
			With("problems", problems).
			Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
