// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/talex-touch/touchhost/internal/archive"
	"github.com/talex-touch/touchhost/internal/plugin"
	"github.com/talex-touch/touchhost/internal/resolver"
)

// ContainerExt is the file extension of packed plugins.
const ContainerExt = ".touch-plugin"

type packConfig struct {
	out      string
	excludes []string
	quiet    bool
}

// NewPackCmd creates the pack subcommand.
func NewPackCmd() *cobra.Command {
	cfg := &packConfig{}

	cmd := &cobra.Command{
		Use:   "pack DIR",
		Short: "Pack a plugin directory into a container file",
		Long: `Pack a plugin directory into a single-file container. The directory's
init.json becomes the container header and its files become the payload.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPack(cmd, args[0], cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.out, "out", "o", "", "output file (default: <name>-<version>.touch-plugin)")
	cmd.Flags().StringSliceVar(&cfg.excludes, "exclude", nil, "extra glob patterns to leave out of the payload")
	cmd.Flags().BoolVarP(&cfg.quiet, "quiet", "q", false, "do not print progress")

	return cmd
}

func runPack(cmd *cobra.Command, dir string, cfg *packConfig) error {
	appCfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	manifest, err := plugin.ReadManifest(dir)
	if err != nil {
		return err
	}

	out := cfg.out
	if out == "" {
		out = fmt.Sprintf("%s-%s%s", manifest.Name, manifest.Version, ContainerExt)
	}
	if abs, err := filepath.Abs(out); err == nil {
		out = abs
	}

	var archiverOpts []archive.Option
	if len(cfg.excludes) > 0 {
		archiverOpts = append(archiverOpts, archive.WithExcludes(append(append([]string(nil), archive.DefaultExcludes...), cfg.excludes...)...))
	}
	a, err := archive.New(archiverOpts...)
	if err != nil {
		return err
	}
	res, err := resolver.New(appCfg.PluginsDir, resolver.WithArchiver(a))
	if err != nil {
		return err
	}

	lastPercent := -1
	flush, err := archive.Drain(res.Pack(cmd.Context(), dir, out, appCfg.Plugins.Quota), func(ev archive.Event) {
		if cfg.quiet {
			return
		}
		p, ok := ev.(archive.ProgressEvent)
		if !ok || p.Total == 0 {
			return
		}
		percent := int(p.Written * 100 / p.Total)
		if percent/10 != lastPercent/10 {
			lastPercent = percent
			cmd.Printf("packing %s: %d%%\n", manifest.Name, percent)
		}
	})
	if err != nil {
		return err
	}

	cmd.Printf("packed %s (%d files, %s) into %s\n", manifest, flush.Files, formatBytes(flush.Written), flush.Path)
	return nil
}
