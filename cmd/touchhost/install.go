// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/talex-touch/touchhost/internal/control"
	"github.com/talex-touch/touchhost/internal/plugin"
	"github.com/talex-touch/touchhost/internal/resolver"
	"github.com/talex-touch/touchhost/internal/xdg"
)

const controlTimeout = 5 * time.Second

// controlLoader registers installed plugins with a running host.
type controlLoader struct {
	client *control.Client
}

func (l controlLoader) LoadPlugin(ctx context.Context, name string) error {
	_, err := l.client.Action(ctx, name, control.ActionLoad)
	return err
}

type installConfig struct {
	enable bool
}

// NewInstallCmd creates the install subcommand.
func NewInstallCmd() *cobra.Command {
	cfg := &installConfig{}

	cmd := &cobra.Command{
		Use:   "install FILE",
		Short: "Install a plugin container",
		Long: `Install a plugin container into the plugins directory. When a host is
running, the plugin is loaded into it right away; otherwise the manifest is
validated locally and the plugin is picked up on the next start.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, args[0], cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.enable, "enable", false, "enable the plugin in the running host after installing")

	return cmd
}

func runInstall(cmd *cobra.Command, path string, cfg *installConfig) error {
	appCfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := xdg.EnsureDir(appCfg.PluginsDir); err != nil {
		return err
	}
	ctx := cmd.Context()

	client := control.NewClient(appCfg.ControlSocket, controlTimeout)
	var loader resolver.Loader
	running := false
	if _, err := client.Health(ctx); err == nil {
		loader = controlLoader{client: client}
		running = true
	} else {
		slog.Debug("no running host, validating locally", "error", err)
		local := plugin.NewManager(appCfg.PluginsDir)
		defer func() { _ = local.Close(context.Background()) }()
		loader = local
	}

	res, err := resolver.New(appCfg.PluginsDir,
		resolver.WithLoader(loader),
		resolver.WithExtractQuota(appCfg.Plugins.Quota))
	if err != nil {
		return err
	}

	insp, err := res.Inspect(path)
	if err != nil {
		code := resolver.StableCode(err)
		return oops.With("stable_code", code).Wrapf(err, "install %s (code %s)", path, code)
	}
	installed, err := res.Install(ctx, path, insp.Manifest)
	if err != nil {
		code := resolver.StableCode(err)
		return oops.With("stable_code", code).Wrapf(err, "install %s (code %s)", path, code)
	}
	cmd.Printf("installed %s\n", installed.Manifest)

	if cfg.enable {
		if !running {
			cmd.Println("host is not running; the plugin will be available after the next start")
			return nil
		}
		resp, err := client.Action(ctx, insp.Name, control.ActionEnable)
		if err != nil {
			return err
		}
		cmd.Printf("%s is %s\n", insp.Name, resp.Status)
	}
	return nil
}
