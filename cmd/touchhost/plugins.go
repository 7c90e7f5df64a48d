// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/talex-touch/touchhost/internal/control"
)

// NewPluginsCmd creates the plugins subcommand and its lifecycle actions.
func NewPluginsCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List plugins of the running host",
		Long: `List the plugins of the running host with their lifecycle status. The
subcommands drive a plugin through its lifecycle.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPluginsList(cmd, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format (text, json or yaml)")

	for _, action := range []struct {
		name  string
		short string
	}{
		{control.ActionEnable, "Enable a plugin"},
		{control.ActionDisable, "Disable a plugin and reap its processes"},
		{control.ActionActivate, "Make a plugin the active one"},
		{control.ActionDeactivate, "Deactivate a plugin"},
		{control.ActionReload, "Disable, re-read and enable a plugin"},
		{control.ActionLoad, "Load a plugin installed after startup"},
	} {
		cmd.AddCommand(newPluginActionCmd(action.name, action.short))
	}

	return cmd
}

func newPluginActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appCfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client := control.NewClient(appCfg.ControlSocket, controlTimeout)
			resp, err := client.Action(cmd.Context(), args[0], action)
			if err != nil {
				return err
			}
			cmd.Printf("%s: %s\n", resp.Plugin, resp.Status)
			return nil
		},
	}
}

func runPluginsList(cmd *cobra.Command, output string) error {
	if err := validateOutput(output); err != nil {
		return err
	}
	appCfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	client := control.NewClient(appCfg.ControlSocket, controlTimeout)
	resp, err := client.Plugins(cmd.Context())
	if err != nil {
		return err
	}

	if done, err := writeStructured(cmd.OutOrStdout(), output, resp); done {
		return err
	}
	cmd.Print(formatPluginsTable(resp))
	return nil
}

// formatPluginsTable renders the plugin list as a table.
func formatPluginsTable(resp control.PluginsResponse) string {
	var buf []byte
	w := tabwriter.NewWriter((*byteWriter)(&buf), 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "NAME\tVERSION\tSTATUS\tPROCESSES\tERROR")
	for _, p := range resp.Plugins {
		lastError := p.LastError
		if lastError == "" {
			lastError = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			p.Name, p.Version, p.Status, len(p.PIDs), strings.ReplaceAll(lastError, "\n", " "))
	}

	_ = w.Flush()
	return string(buf)
}
