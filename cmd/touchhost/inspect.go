// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package main

import (
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/talex-touch/touchhost/internal/resolver"
)

// NewInspectCmd creates the inspect subcommand.
func NewInspectCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Show the manifest of a plugin container",
		Long: `Read the header of a plugin container and print its manifest. Only the
header is read; nothing is written. Failures carry the stable numeric
error code the UI reports.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0], output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format (text, json or yaml)")

	return cmd
}

func runInspect(cmd *cobra.Command, path, output string) error {
	if err := validateOutput(output); err != nil {
		return err
	}

	// Inspect never touches the plugins directory.
	res, err := resolver.New("")
	if err != nil {
		return err
	}

	insp, err := res.Inspect(path)
	if err != nil {
		code := resolver.StableCode(err)
		return oops.With("stable_code", code).Wrapf(err, "inspect %s (code %s)", path, code)
	}

	if done, err := writeStructured(cmd.OutOrStdout(), output, insp); done {
		return err
	}

	m := insp.Manifest
	cmd.Printf("Name:        %s\n", m.Name)
	cmd.Printf("Version:     %s\n", m.Version)
	if m.Description != "" {
		cmd.Printf("Description: %s\n", m.Description)
	}
	if len(m.Authors) > 0 {
		cmd.Printf("Authors:     %s\n", strings.Join(m.Authors, ", "))
	}
	if m.Icon != nil {
		cmd.Printf("Icon:        %s %s\n", m.Icon.Type, m.Icon.Value)
	}
	if m.DevMode() {
		cmd.Printf("Dev server:  %s\n", m.Dev.Address)
	}
	cmd.Printf("Size:        %s (payload %s)\n", formatBytes(insp.Size), formatBytes(insp.PayloadSize))
	return nil
}
