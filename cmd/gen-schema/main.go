// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

// Command gen-schema writes the JSON Schema files for plugin manifests and
// the bus envelope.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/talex-touch/touchhost/internal/bus"
	"github.com/talex-touch/touchhost/internal/plugin"
)

func main() {
	outDir := pflag.StringP("out", "o", "schemas", "directory the schema files are written to")
	pflag.Parse()

	if err := generate(*outDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func generate(outDir string) error {
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", outDir, err)
	}

	for file, gen := range map[string]func() ([]byte, error){
		"plugin.schema.json":   plugin.GenerateSchema,
		"envelope.schema.json": bus.EnvelopeSchema,
	} {
		schema, err := gen()
		if err != nil {
			return fmt.Errorf("generate %s: %w", file, err)
		}
		outPath := filepath.Join(outDir, file)
		if err := os.WriteFile(outPath, schema, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", outPath, err)
		}
		fmt.Printf("Generated %s\n", outPath)
	}
	return nil
}
