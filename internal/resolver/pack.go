// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/samber/oops"

	"github.com/talex-touch/touchhost/internal/archive"
	"github.com/talex-touch/touchhost/internal/container"
	"github.com/talex-touch/touchhost/internal/plugin"
)

// Pack builds a container at out from the plugin directory dir. The
// directory's init.json becomes the header manifest and the directory
// contents become the payload.
func (r *Resolver) Pack(ctx context.Context, dir, out string, quota archive.Quota) <-chan archive.Event {
	header, err := packHeader(dir)
	if err != nil {
		events := make(chan archive.Event, 1)
		events <- archive.ErrorEvent{Err: err}
		close(events)
		return events
	}
	return r.archiver.Archive(ctx, []string{dir}, out, quota, archive.WithPreamble(header))
}

func packHeader(dir string) ([]byte, error) {
	manifest, err := plugin.ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filepath.Join(dir, plugin.ManifestFile)) //nolint:gosec // dir is chosen by the user
	if err != nil {
		return nil, oops.With("dir", dir).Wrap(err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return nil, oops.With("dir", dir).Wrapf(err, "compact manifest")
	}

	header, err := container.Encode(manifest.Name, compact.Bytes())
	if err != nil {
		return nil, oops.With("plugin", manifest.Name).Wrapf(err, "encode header")
	}
	return header, nil
}
