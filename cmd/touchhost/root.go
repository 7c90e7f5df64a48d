// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/talex-touch/touchhost/internal/config"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the TouchHost CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "touchhost",
		Short: "TouchHost - plugin host for desktop productivity tools",
		Long: `TouchHost runs the plugin core of a desktop productivity host: it packs
and installs single-file plugin containers, drives the plugin lifecycle and
serves the message bus plugins talk over.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/touchhost/config.yaml)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewPackCmd())
	cmd.AddCommand(NewInspectCmd())
	cmd.AddCommand(NewInstallCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewPluginsCmd())
	cmd.AddCommand(NewSchemaCmd())

	return cmd
}

// loadConfig layers the config file and the command's flags over the
// defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(configFile, cmd.Flags())
}
