// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/talex-touch/touchhost/internal/archive"
)

// Notification channels.
const (
	ChannelStatusUpdated = "plugin:status-updated"
	ChannelCrashed       = "plugin:crashed"
)

// Crash notification actions offered to the user.
const (
	CrashActionIgnore = "ignore"
	CrashActionReload = "reload"
)

// Notifier publishes lifecycle notifications. *bus.Endpoint satisfies it.
type Notifier interface {
	Send(ctx context.Context, channel string, payload any) error
}

// StatusEvent is published on every status change.
type StatusEvent struct {
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Previous Status `json:"previous,omitempty"`
}

// CrashEvent is published when a plugin reports a crash.
type CrashEvent struct {
	Name    string   `json:"name"`
	Reason  string   `json:"reason,omitempty"`
	Actions []string `json:"actions"`
}

// Manager discovers plugins and drives their lifecycle. All runtime state
// is owned by the Manager; callers observe it through Snapshots.
type Manager struct {
	pluginsDir string
	surfaces   SurfaceFactory
	reaper     *reaper

	mu        sync.RWMutex
	plugins   map[string]*pluginRuntime
	active    string
	notifiers []*notifierEntry
	closed    bool

	// activation serializes ChangeActivePlugin.
	activation sync.Mutex
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithSurfaceFactory sets how surfaces are created for enabled plugins.
func WithSurfaceFactory(f SurfaceFactory) ManagerOption {
	return func(m *Manager) {
		m.surfaces = f
	}
}

// WithProcessSignaler replaces the OS signaler used to reap processes.
func WithProcessSignaler(s ProcessSignaler) ManagerOption {
	return func(m *Manager) {
		m.reaper.signaler = s
	}
}

// WithReapGrace sets how long a declared process may take to exit after
// SIGTERM.
func WithReapGrace(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.reaper.grace = d
	}
}

// WithNotifier adds a target for lifecycle notifications.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) {
		m.notifiers = append(m.notifiers, &notifierEntry{n: n})
	}
}

// NewManager creates a plugin manager.
func NewManager(pluginsDir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		pluginsDir: pluginsDir,
		surfaces:   func(*Manifest) Surface { return detachedSurface{} },
		reaper:     &reaper{signaler: OSSignaler{}, grace: DefaultReapGrace},
		plugins:    make(map[string]*pluginRuntime),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PluginsDir returns the root directory plugins are installed under.
func (m *Manager) PluginsDir() string {
	return m.pluginsDir
}

// DiscoveredPlugin contains a manifest and its directory.
type DiscoveredPlugin struct {
	Manifest *Manifest
	Dir      string
}

// Discover finds all valid plugins in the plugins directory.
// Invalid plugins are logged and skipped.
func (m *Manager) Discover(_ context.Context) ([]*DiscoveredPlugin, error) {
	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, oops.With("dir", m.pluginsDir).Wrapf(err, "read plugins directory")
	}

	var plugins []*DiscoveredPlugin
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if archive.IsStagingDir(entry.Name()) {
			slog.Warn("leftover staging directory from a failed install",
				"dir", entry.Name())
			continue
		}
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		pluginDir := filepath.Join(m.pluginsDir, entry.Name())
		manifest, err := ReadManifest(pluginDir)
		if err != nil {
			slog.Warn("skipping plugin with invalid manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		plugins = append(plugins, &DiscoveredPlugin{
			Manifest: manifest,
			Dir:      pluginDir,
		})
	}

	return plugins, nil
}

// LoadAll loads every plugin directory under the plugins directory.
// Individual failures are logged and do not stop the others.
func (m *Manager) LoadAll(ctx context.Context) error {
	discovered, err := m.Discover(ctx)
	if err != nil {
		return err
	}

	for _, dp := range discovered {
		name := filepath.Base(dp.Dir)
		if err := m.LoadPlugin(ctx, name); err != nil {
			slog.Error("failed to load plugin",
				"plugin", name,
				"error", err)
		}
	}

	return nil
}

// LoadPlugin reads <pluginsDir>/<name>/init.json and registers the plugin
// in the LOADED state.
func (m *Manager) LoadPlugin(ctx context.Context, name string) error {
	if m.isClosed() {
		return oops.Code(CodeManagerClosed).With("plugin", name).Wrap(ErrManagerClosed)
	}
	if _, ok := m.lookup(name); ok {
		return oops.Code(CodeDuplicatePlugin).With("plugin", name).Wrap(ErrDuplicatePlugin)
	}

	dir := filepath.Join(m.pluginsDir, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return oops.Code(CodePluginNotFound).With("plugin", name).With("dir", dir).Wrap(ErrPluginNotFound)
	}

	manifest, err := ReadManifest(dir)
	if err != nil {
		return oops.With("plugin", name).Wrap(err)
	}
	if manifest.Name != name {
		return oops.Code(CodeNameMismatch).
			With("plugin", name).
			With("manifest_name", manifest.Name).
			Errorf("manifest declares %q but directory is %q", manifest.Name, name)
	}

	rt := newRuntime(manifest, dir)

	m.mu.Lock()
	if _, exists := m.plugins[name]; exists {
		m.mu.Unlock()
		return oops.Code(CodeDuplicatePlugin).With("plugin", name).Wrap(ErrDuplicatePlugin)
	}
	m.plugins[name] = rt
	m.mu.Unlock()

	transitionsTotal.WithLabelValues(string(StatusLoaded)).Inc()
	m.notifyStatus(ctx, name, "", StatusLoaded)

	slog.Info("loaded plugin",
		"plugin", name,
		"version", manifest.Version,
		"dev", manifest.DevMode())

	return nil
}

// EnablePlugin attaches the plugin's surface. It is a no-op returning the
// current status unless the plugin is DISABLED, LOADED or CRASHED.
func (m *Manager) EnablePlugin(ctx context.Context, name string) (Status, error) {
	rt, ok := m.lookup(name)
	if !ok {
		return "", oops.Code(CodePluginNotFound).With("plugin", name).Wrap(ErrPluginNotFound)
	}
	if m.isClosed() {
		return rt.getStatus(), oops.Code(CodeManagerClosed).With("plugin", name).Wrap(ErrManagerClosed)
	}

	rt.transition.Lock()
	defer rt.transition.Unlock()

	current := rt.getStatus()
	if !current.Enableable() {
		return current, nil
	}

	if current == StatusCrashed {
		// Leftovers from the crashed instance.
		m.reapAll(ctx, name, rt)
	}

	m.setStatus(ctx, name, rt, StatusLoading)

	rt.mu.RLock()
	manifest, dir := rt.manifest, rt.dir
	rt.mu.RUnlock()

	surface := m.surfaces(manifest)
	result, err := surface.Attach(ctx, manifest, manifest.IndexURL(dir), manifest.PreloadPath(dir))
	if err != nil {
		if closeErr := surface.Close(); closeErr != nil {
			slog.Warn("failed to close surface after attach failure",
				"plugin", name,
				"error", closeErr)
		}
		rt.setError(err.Error())
		m.setStatus(ctx, name, rt, StatusCrashed)
		slog.Error("plugin surface failed to attach",
			"plugin", name,
			"error", err)
		return StatusCrashed, oops.Code(CodeAttachFailed).With("plugin", name).Wrap(err)
	}

	rt.mu.Lock()
	rt.surface = surface
	rt.lastError = ""
	rt.mu.Unlock()

	m.setStatus(ctx, name, rt, StatusEnabled)
	slog.Info("enabled plugin",
		"plugin", name,
		"url", result.URL)

	return StatusEnabled, nil
}

// DisablePlugin tears a plugin down: declared processes are reaped and the
// surface is closed. Cleanup failures are logged and never stop the plugin
// from reaching DISABLED. Repeated calls are no-ops.
func (m *Manager) DisablePlugin(ctx context.Context, name string) error {
	rt, ok := m.lookup(name)
	if !ok {
		return oops.Code(CodePluginNotFound).With("plugin", name).Wrap(ErrPluginNotFound)
	}

	// Already draining.
	if rt.getStatus() == StatusDisabling {
		return nil
	}

	rt.transition.Lock()
	defer rt.transition.Unlock()

	switch current := rt.getStatus(); {
	case current == StatusLoaded:
		m.setStatus(ctx, name, rt, StatusDisabled)
		return nil
	case !current.Disableable():
		return nil
	}

	m.setStatus(ctx, name, rt, StatusDisabling)
	m.clearActive(name)

	m.reapAll(ctx, name, rt)

	rt.mu.Lock()
	surface := rt.surface
	rt.surface = nil
	rt.mu.Unlock()
	if surface != nil {
		if err := surface.Close(); err != nil {
			slog.Warn("failed to close plugin surface",
				"plugin", name,
				"error", err)
		}
	}

	m.setStatus(ctx, name, rt, StatusDisabled)
	slog.Info("disabled plugin", "plugin", name)
	return nil
}

// ChangeActivePlugin makes name the active plugin, deactivating the
// previous one. An empty name only deactivates. Failures are reported as
// the sentinel strings ActivateNotFound and ActivateNotEnabled; success
// returns "".
func (m *Manager) ChangeActivePlugin(ctx context.Context, name string) string {
	m.activation.Lock()
	defer m.activation.Unlock()

	var target *pluginRuntime
	if name != "" {
		rt, ok := m.lookup(name)
		if !ok {
			return ActivateNotFound
		}
		if m.Active() == name {
			return ""
		}
		if rt.getStatus() != StatusEnabled {
			return ActivateNotEnabled
		}
		target = rt
	}

	if current := m.Active(); current != "" {
		if rt, ok := m.lookup(current); ok {
			m.deactivate(ctx, current, rt)
		}
	}

	if target == nil {
		return ""
	}

	target.transition.Lock()
	defer target.transition.Unlock()

	if target.getStatus() != StatusEnabled {
		return ActivateNotEnabled
	}

	m.mu.Lock()
	m.active = name
	m.mu.Unlock()
	activePlugins.Set(1)

	m.setStatus(ctx, name, target, StatusActive)
	m.sendSurfaceEvent(ctx, name, target, "active-changed", true)
	return ""
}

func (m *Manager) deactivate(ctx context.Context, name string, rt *pluginRuntime) {
	rt.transition.Lock()
	defer rt.transition.Unlock()

	m.clearActive(name)
	if rt.getStatus() != StatusActive {
		return
	}
	m.setStatus(ctx, name, rt, StatusEnabled)
	m.sendSurfaceEvent(ctx, name, rt, "active-changed", false)
}

// DeclareProcess records a child process spawned by a plugin so it can be
// reaped when the plugin is disabled.
func (m *Manager) DeclareProcess(name string, pid int) error {
	rt, ok := m.lookup(name)
	if !ok {
		return oops.Code(CodePluginNotFound).With("plugin", name).Wrap(ErrPluginNotFound)
	}
	if pid <= 1 || pid == os.Getpid() {
		return oops.Code(CodeInvalidPID).With("plugin", name).With("pid", pid).Errorf("invalid pid %d", pid)
	}
	rt.addPID(pid)
	slog.Debug("plugin declared process",
		"plugin", name,
		"pid", pid)
	return nil
}

// ReportCrash moves a running plugin to CRASHED, deactivating it if it was
// active, and publishes a crash notification offering ignore or reload.
// Declared processes are kept until the plugin is disabled or re-enabled.
func (m *Manager) ReportCrash(ctx context.Context, name, reason string) error {
	rt, ok := m.lookup(name)
	if !ok {
		return oops.Code(CodePluginNotFound).With("plugin", name).Wrap(ErrPluginNotFound)
	}

	rt.transition.Lock()
	defer rt.transition.Unlock()

	if current := rt.getStatus(); !current.Running() && current != StatusLoading {
		slog.Debug("ignoring crash report for idle plugin",
			"plugin", name,
			"status", current)
		return nil
	}

	m.clearActive(name)
	rt.setError(reason)

	rt.mu.Lock()
	surface := rt.surface
	rt.surface = nil
	rt.mu.Unlock()
	if surface != nil {
		if err := surface.Close(); err != nil {
			slog.Warn("failed to close crashed plugin surface",
				"plugin", name,
				"error", err)
		}
	}

	m.setStatus(ctx, name, rt, StatusCrashed)
	slog.Error("plugin crashed",
		"plugin", name,
		"reason", reason)

	m.publish(ctx, ChannelCrashed, CrashEvent{
		Name:    name,
		Reason:  reason,
		Actions: []string{CrashActionIgnore, CrashActionReload},
	})
	return nil
}

// ReloadPlugin disables the plugin, re-reads its manifest and enables it
// again.
func (m *Manager) ReloadPlugin(ctx context.Context, name string) (Status, error) {
	rt, ok := m.lookup(name)
	if !ok {
		return "", oops.Code(CodePluginNotFound).With("plugin", name).Wrap(ErrPluginNotFound)
	}

	if err := m.DisablePlugin(ctx, name); err != nil {
		return rt.getStatus(), err
	}

	rt.transition.Lock()
	manifest, err := ReadManifest(rt.dir)
	if err == nil && manifest.Name != name {
		err = oops.Code(CodeNameMismatch).
			With("plugin", name).
			With("manifest_name", manifest.Name).
			Errorf("manifest declares %q but directory is %q", manifest.Name, name)
	}
	if err != nil {
		rt.transition.Unlock()
		return rt.getStatus(), oops.With("plugin", name).Wrap(err)
	}
	rt.mu.Lock()
	rt.manifest = manifest
	rt.mu.Unlock()
	rt.transition.Unlock()

	slog.Info("reloading plugin",
		"plugin", name,
		"version", manifest.Version)

	return m.EnablePlugin(ctx, name)
}

// SendEvent forwards an event to the plugin's surface.
func (m *Manager) SendEvent(ctx context.Context, name, event string, payload any) error {
	rt, ok := m.lookup(name)
	if !ok {
		return oops.Code(CodePluginNotFound).With("plugin", name).Wrap(ErrPluginNotFound)
	}
	rt.mu.RLock()
	surface := rt.surface
	rt.mu.RUnlock()
	if surface == nil || !rt.getStatus().Running() {
		return oops.Code(CodeNotEnabled).With("plugin", name).Wrap(ErrNotEnabled)
	}
	return surface.SendEvent(ctx, event, payload)
}

// Get returns a snapshot of the named plugin.
func (m *Manager) Get(name string) (Snapshot, bool) {
	rt, ok := m.lookup(name)
	if !ok {
		return Snapshot{}, false
	}
	return rt.snapshot(), true
}

// List returns snapshots of every loaded plugin sorted by name.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	runtimes := make([]*pluginRuntime, 0, len(m.plugins))
	for _, rt := range m.plugins {
		runtimes = append(runtimes, rt)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(runtimes))
	for _, rt := range runtimes {
		out = append(out, rt.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListPlugins returns names of all loaded plugins.
func (m *Manager) ListPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Active returns the name of the active plugin or "".
func (m *Manager) Active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Close disables every plugin. Runtime records are kept.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	for _, name := range m.ListPlugins() {
		if err := m.DisablePlugin(ctx, name); err != nil {
			slog.Warn("failed to disable plugin on close",
				"plugin", name,
				"error", err)
		}
	}
	return nil
}

func (m *Manager) lookup(name string) (*pluginRuntime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.plugins[name]
	return rt, ok
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// notifierEntry gives each registration its own identity so the same
// endpoint can be added and removed independently.
type notifierEntry struct {
	n Notifier
}

// addNotifier registers n and returns the function removing it.
func (m *Manager) addNotifier(n Notifier) func() {
	entry := &notifierEntry{n: n}
	m.mu.Lock()
	m.notifiers = append(m.notifiers, entry)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, e := range m.notifiers {
			if e == entry {
				m.notifiers = append(m.notifiers[:i:i], m.notifiers[i+1:]...)
				return
			}
		}
	}
}

// publish sends payload to every notifier. Failures are logged.
func (m *Manager) publish(ctx context.Context, channel string, payload any) {
	m.mu.RLock()
	targets := make([]Notifier, 0, len(m.notifiers))
	for _, e := range m.notifiers {
		targets = append(targets, e.n)
	}
	m.mu.RUnlock()

	for _, n := range targets {
		if err := n.Send(ctx, channel, payload); err != nil {
			slog.Debug("failed to publish notification",
				"channel", channel,
				"error", err)
		}
	}
}

func (m *Manager) clearActive(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == name {
		m.active = ""
		activePlugins.Set(0)
	}
}

func (m *Manager) setStatus(ctx context.Context, name string, rt *pluginRuntime, s Status) {
	prev := rt.setStatus(s)
	transitionsTotal.WithLabelValues(string(s)).Inc()
	slog.Debug("plugin status changed",
		"plugin", name,
		"from", prev,
		"to", s)
	m.notifyStatus(ctx, name, prev, s)
}

func (m *Manager) notifyStatus(ctx context.Context, name string, prev, s Status) {
	m.publish(ctx, ChannelStatusUpdated, StatusEvent{Name: name, Status: s, Previous: prev})
}

func (m *Manager) sendSurfaceEvent(ctx context.Context, name string, rt *pluginRuntime, event string, payload any) {
	rt.mu.RLock()
	surface := rt.surface
	rt.mu.RUnlock()
	if surface == nil {
		return
	}
	if err := surface.SendEvent(ctx, event, payload); err != nil {
		slog.Debug("failed to send surface event",
			"plugin", name,
			"event", event,
			"error", err)
	}
}

func (m *Manager) reapAll(ctx context.Context, name string, rt *pluginRuntime) {
	for _, pid := range rt.takePIDs() {
		if err := m.reaper.reap(ctx, name, pid); err != nil {
			slog.Warn("failed to reap declared process",
				"plugin", name,
				"pid", pid,
				"error", err)
		}
	}
}
