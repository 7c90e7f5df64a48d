// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/talex-touch/touchhost/internal/archive"
	"github.com/talex-touch/touchhost/internal/bus"
	"github.com/talex-touch/touchhost/internal/configstore"
	"github.com/talex-touch/touchhost/internal/plugin"
	"github.com/talex-touch/touchhost/internal/resolver"
	"github.com/talex-touch/touchhost/internal/surface"
)

const notesManifest = `{
  "name": "notes",
  "version": "1.0.0",
  "description": "Quick notes"
}`

// hostEnv wires a host endpoint serving the plugin core to a shell endpoint
// over a stream connection.
type hostEnv struct {
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	pluginsDir string
	manager    *plugin.Manager
	resolver   *resolver.Resolver
	host       *bus.Endpoint
	shell      *bus.Endpoint
	unbind     []func()

	mu       sync.Mutex
	statuses []plugin.StatusEvent
	events   []surface.Event
	themes   []string
}

func setupHostEnv() *hostEnv {
	env := &hostEnv{}
	env.ctx, env.cancel = context.WithTimeout(context.Background(), time.Minute)

	root := GinkgoT().TempDir()
	env.pluginsDir = filepath.Join(root, "plugins")
	Expect(os.MkdirAll(env.pluginsDir, 0o750)).To(Succeed())

	a, b := net.Pipe()
	ta, tb := bus.NewStreamTransport(a), bus.NewStreamTransport(b)
	env.host = bus.NewEndpoint("host", ta, bus.WithDefaultTimeout(5*time.Second))
	env.shell = bus.NewEndpoint("shell", tb, bus.WithDefaultTimeout(5*time.Second))
	env.wg.Add(2)
	go func() { defer env.wg.Done(); _ = ta.Serve(env.ctx, env.host) }()
	go func() { defer env.wg.Done(); _ = tb.Serve(env.ctx, env.shell) }()

	env.manager = plugin.NewManager(env.pluginsDir, plugin.WithSurfaceFactory(surface.BusFactory(env.host)))
	var err error
	env.resolver, err = resolver.New(env.pluginsDir, resolver.WithLoader(env.manager))
	Expect(err).NotTo(HaveOccurred())
	store, err := configstore.New(filepath.Join(root, "data"))
	Expect(err).NotTo(HaveOccurred())

	env.unbind = append(env.unbind,
		env.manager.BindBus(env.host),
		env.resolver.BindBus(env.host),
		store.BindBus(env.host))

	env.shell.Register(plugin.ChannelStatusUpdated, func(_ context.Context, req *bus.Request) {
		var ev plugin.StatusEvent
		if req.Decode(&ev) == nil {
			env.mu.Lock()
			env.statuses = append(env.statuses, ev)
			env.mu.Unlock()
		}
	})
	env.shell.Register(surface.EventChannel, func(_ context.Context, req *bus.Request) {
		var ev surface.Event
		if req.Decode(&ev) == nil {
			env.mu.Lock()
			env.events = append(env.events, ev)
			env.mu.Unlock()
		}
	})
	env.shell.Register(configstore.ChannelThemeChanged, func(_ context.Context, req *bus.Request) {
		env.mu.Lock()
		env.themes = append(env.themes, string(req.Message().Payload))
		env.mu.Unlock()
	})

	return env
}

func (env *hostEnv) teardown() {
	for _, unbind := range env.unbind {
		unbind()
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = env.manager.Close(closeCtx)
	env.cancel()
	_ = env.host.Close()
	_ = env.shell.Close()
	env.wg.Wait()
}

func (env *hostEnv) statusesOf(name string) []plugin.Status {
	env.mu.Lock()
	defer env.mu.Unlock()
	var out []plugin.Status
	for _, ev := range env.statuses {
		if ev.Name == name {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (env *hostEnv) eventNames() []string {
	env.mu.Lock()
	defer env.mu.Unlock()
	var out []string
	for _, ev := range env.events {
		out = append(out, ev.Name)
	}
	return out
}

func (env *hostEnv) themeCount() int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return len(env.themes)
}

func (env *hostEnv) call(channel string, payload any, out any) error {
	reply, err := env.shell.Call(env.ctx, channel, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return reply.Decode(out)
}

// packNotes lays out the notes plugin and packs it into a container.
func packNotes() string {
	src := filepath.Join(GinkgoT().TempDir(), "notes")
	Expect(os.MkdirAll(src, 0o750)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(src, plugin.ManifestFile), []byte(notesManifest), 0o600)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(src, "index.html"), []byte("<html>notes</html>"), 0o600)).To(Succeed())

	r, err := resolver.New("")
	Expect(err).NotTo(HaveOccurred())
	out := filepath.Join(GinkgoT().TempDir(), "notes.touch-plugin")
	_, err = archive.Drain(r.Pack(context.Background(), src, out, archive.Quota{}), nil)
	Expect(err).NotTo(HaveOccurred())
	return out
}

type nameStatus struct {
	Name   string        `json:"name"`
	Status plugin.Status `json:"status"`
}

var _ = Describe("Plugin lifecycle over the bus", func() {
	var env *hostEnv

	BeforeEach(func() {
		env = setupHostEnv()
	})

	AfterEach(func() {
		env.teardown()
	})

	It("installs, enables, activates and disables a packed plugin", func() {
		container := packNotes()

		var insp resolver.Inspection
		Expect(env.call(resolver.ChannelInspect, map[string]string{"path": container}, &insp)).To(Succeed())
		Expect(insp.Name).To(Equal("notes"))
		Expect(insp.Manifest.Version).To(Equal("1.0.0"))

		var installed resolver.InstallResult
		Expect(env.call(resolver.ChannelInstall, map[string]any{"path": container, "manifest": insp.Manifest}, &installed)).To(Succeed())
		Expect(installed).To(Equal(resolver.InstallResult{Name: "notes", Version: "1.0.0"}))
		Expect(filepath.Join(env.pluginsDir, "notes", "index.html")).To(BeAnExistingFile())

		var enabled nameStatus
		Expect(env.call(plugin.ChannelEnable, map[string]string{"name": "notes"}, &enabled)).To(Succeed())
		Expect(enabled.Status).To(Equal(plugin.StatusEnabled))
		Eventually(func() []plugin.Status { return env.statusesOf("notes") }).Should(ContainElement(plugin.StatusEnabled))

		var active struct {
			Active string `json:"active"`
			Error  string `json:"error"`
		}
		Expect(env.call(plugin.ChannelChangeActive, map[string]string{"name": "notes"}, &active)).To(Succeed())
		Expect(active.Active).To(Equal("notes"))
		Expect(active.Error).To(BeEmpty())

		Expect(env.manager.SendEvent(env.ctx, "notes", "clipboard", map[string]string{"text": "hi"})).To(Succeed())
		Eventually(env.eventNames).Should(ContainElement("clipboard"))

		var list []plugin.Snapshot
		Expect(env.call(plugin.ChannelList, nil, &list)).To(Succeed())
		Expect(list).To(HaveLen(1))
		Expect(list[0].Status).To(Equal(plugin.StatusActive))

		var disabled nameStatus
		Expect(env.call(plugin.ChannelDisable, map[string]string{"name": "notes"}, &disabled)).To(Succeed())
		Expect(disabled.Status).To(Equal(plugin.StatusDisabled))
		Expect(env.manager.Active()).To(BeEmpty())
	})

	It("reports a second install with its stable code", func() {
		container := packNotes()
		Expect(env.call(resolver.ChannelInstall, map[string]string{"path": container}, nil)).To(Succeed())

		err := env.call(resolver.ChannelInstall, map[string]string{"path": container}, nil)
		var remote *bus.RemoteError
		Expect(err).To(BeAssignableToTypeOf(remote))
		Expect(err.(*bus.RemoteError).Code).To(Equal("10094"))
	})

	It("refuses to activate a plugin that is not enabled", func() {
		container := packNotes()
		Expect(env.call(resolver.ChannelInstall, map[string]string{"path": container}, nil)).To(Succeed())

		var active struct {
			Active string `json:"active"`
			Error  string `json:"error"`
		}
		Expect(env.call(plugin.ChannelChangeActive, map[string]string{"name": "notes"}, &active)).To(Succeed())
		Expect(active.Active).To(BeEmpty())
		Expect(active.Error).To(Equal(plugin.ActivateNotEnabled))
	})

	It("broadcasts theme changes to the shell", func() {
		Expect(env.call(configstore.ChannelSave, map[string]any{
			"name":    configstore.ThemeConfig,
			"content": map[string]string{"style": "dark"},
		}, nil)).To(Succeed())
		Eventually(env.themeCount).Should(Equal(1))

		var doc map[string]json.RawMessage
		Expect(env.call(configstore.ChannelThemeGet, nil, &doc)).To(Succeed())
		Expect(string(doc["style"])).To(Equal(`"dark"`))
	})
})
