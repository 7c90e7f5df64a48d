// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/talex-touch/touchhost/internal/bus"
	"github.com/talex-touch/touchhost/internal/plugin"
)

// NewSchemaCmd creates the schema subcommand.
func NewSchemaCmd() *cobra.Command {
	var envelope bool

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the plugin manifest JSON Schema",
		Long: `Print the JSON Schema init.json files are validated against. With
--bus, print the schema of the message bus wire envelope instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			generate := plugin.GenerateSchema
			if envelope {
				generate = bus.EnvelopeSchema
			}
			data, err := generate()
			if err != nil {
				return err
			}
			cmd.Println(string(data))
			return nil
		},
	}

	cmd.Flags().BoolVar(&envelope, "bus", false, "print the bus envelope schema")

	return cmd
}
