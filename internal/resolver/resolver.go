// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

// Package resolver inspects plugin containers and installs them into the
// plugins directory.
//
// Inspect only reads the container header. Install validates everything
// before writing, extracts through a staging directory and hands the result
// to the lifecycle loader.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/samber/oops"

	"github.com/talex-touch/touchhost/internal/archive"
	"github.com/talex-touch/touchhost/internal/container"
	"github.com/talex-touch/touchhost/internal/plugin"
	"github.com/talex-touch/touchhost/pkg/errutil"
)

// Loader registers an installed plugin. *plugin.Manager satisfies it.
type Loader interface {
	LoadPlugin(ctx context.Context, name string) error
}

// Inspection is the result of reading a container header.
type Inspection struct {
	Path        string            `json:"path" yaml:"path"`
	Name        string            `json:"name" yaml:"name"`
	Manifest    *plugin.Manifest  `json:"manifest" yaml:"manifest"`
	Header      *container.Header `json:"-" yaml:"-"`
	Size        int64             `json:"size" yaml:"size"`
	PayloadSize int64             `json:"payload_size" yaml:"payload_size"`
}

// Resolver inspects and installs plugin containers.
type Resolver struct {
	pluginsDir   string
	archiver     *archive.Archiver
	loader       Loader
	extractQuota archive.Quota
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLoader sets the loader called after a successful install.
func WithLoader(l Loader) Option {
	return func(r *Resolver) {
		r.loader = l
	}
}

// WithArchiver replaces the default archiver.
func WithArchiver(a *archive.Archiver) Option {
	return func(r *Resolver) {
		r.archiver = a
	}
}

// WithExtractQuota bounds what a container may unpack to.
func WithExtractQuota(q archive.Quota) Option {
	return func(r *Resolver) {
		r.extractQuota = q
	}
}

// New creates a resolver installing into pluginsDir.
func New(pluginsDir string, opts ...Option) (*Resolver, error) {
	r := &Resolver{pluginsDir: pluginsDir}
	for _, opt := range opts {
		opt(r)
	}
	if r.archiver == nil {
		a, err := archive.New()
		if err != nil {
			return nil, oops.Wrapf(err, "create archiver")
		}
		r.archiver = a
	}
	return r, nil
}

// Inspect reads the container header at path and returns its manifest.
// It performs no writes.
func (r *Resolver) Inspect(path string) (*Inspection, error) {
	f, err := os.Open(path) //nolint:gosec // path is chosen by the user
	if err != nil {
		return nil, oops.Code(CodeOpenFailed).With("path", path).Wrap(err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, oops.Code(CodeReadFailed).With("path", path).Wrap(err)
	}
	if info.IsDir() {
		return nil, oops.Code(CodeNotAPluginFile).With("path", path).Errorf("%s is a directory", path)
	}

	return inspect(f, info.Size(), path)
}

func inspect(ra io.ReaderAt, size int64, path string) (*Inspection, error) {
	header, err := container.ReadHeader(ra, size)
	if err != nil {
		var ferr *container.FormatError
		if !errors.As(err, &ferr) {
			return nil, oops.Code(CodeReadFailed).With("path", path).Wrap(err)
		}
		code := CodeBrokenPluginFile
		if ferr.Kind == container.KindNotAContainer {
			code = CodeNotAPluginFile
		}
		return nil, oops.Code(code).With("path", path).With("kind", string(ferr.Kind)).Wrap(err)
	}

	manifest, err := plugin.ParseManifest(header.ManifestJSON)
	if err != nil {
		return nil, oops.Code(CodeBrokenPluginFile).With("path", path).Wrapf(err, "container manifest")
	}
	if manifest.Name != header.Name {
		return nil, oops.Code(CodeBrokenPluginFile).
			With("path", path).
			With("header_name", header.Name).
			With("manifest_name", manifest.Name).
			Errorf("header names %q but manifest declares %q", header.Name, manifest.Name)
	}

	return &Inspection{
		Path:        path,
		Name:        header.Name,
		Manifest:    manifest,
		Header:      header,
		Size:        size,
		PayloadSize: size - header.PayloadOffset,
	}, nil
}

// Install installs the container at path into <pluginsDir>/<name> and loads
// it. The container is always re-inspected; when expected is non-nil it
// must match the container's own manifest. The returned inspection is the
// one the install was validated against.
func (r *Resolver) Install(ctx context.Context, path string, expected *plugin.Manifest) (_ *Inspection, err error) {
	defer func() {
		result := Code(err)
		if err == nil {
			result = "ok"
		}
		installsTotal.WithLabelValues(result).Inc()
	}()

	insp, err := r.Inspect(path)
	if err != nil {
		return nil, err
	}
	name := insp.Name

	if expected != nil && (expected.Name != name || expected.Version != insp.Manifest.Version) {
		return nil, oops.Code(CodeManifestMismatch).
			With("path", path).
			With("expected", expected.String()).
			With("actual", insp.Manifest.String()).
			Errorf("container holds %s, expected %s", insp.Manifest, expected)
	}

	dest := filepath.Join(r.pluginsDir, name)
	if _, statErr := os.Lstat(dest); statErr == nil {
		return nil, oops.Code(CodeAlreadyExists).With("plugin", name).With("dir", dest).Wrap(archive.ErrDestinationExists)
	}

	staged, err := stagePayload(path, insp)
	if err != nil {
		return nil, oops.Code(CodeReadFailed).With("path", path).Wrap(err)
	}
	defer func() {
		_ = staged.Close()
		if rmErr := os.Remove(staged.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			slog.Warn("failed to remove staged payload", "path", staged.Name(), "error", rmErr)
		}
	}()

	err = r.archiver.Unarchive(ctx, staged, dest,
		archive.WithFinalize(finalizeManifest(insp)),
		archive.WithExtractQuota(r.extractQuota))
	if err != nil {
		if errors.Is(err, archive.ErrDestinationExists) {
			return nil, oops.Code(CodeAlreadyExists).With("plugin", name).Wrap(err)
		}
		return nil, oops.Code(CodeInstallFailed).With("plugin", name).With("path", path).Wrap(err)
	}

	slog.Info("installed plugin",
		"plugin", name,
		"version", insp.Manifest.Version,
		"dir", dest)

	if r.loader != nil {
		if err := r.loader.LoadPlugin(ctx, name); err != nil {
			// The loader's own code is kept as context so LOAD_FAILED is
			// what callers see.
			return nil, oops.Code(CodeLoadFailed).
				With("plugin", name).
				With("dir", dest).
				With("cause_code", errutil.Code(err)).
				Errorf("load installed plugin: %v", err)
		}
	}
	return insp, nil
}

// stagePayload copies the archive payload that follows the header into a
// temporary file positioned at its start.
func stagePayload(path string, insp *Inspection) (*os.File, error) {
	src, err := os.Open(path) //nolint:gosec // path was just inspected
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()

	tmp, err := os.CreateTemp("", "touchhost-payload-*.tar.gz")
	if err != nil {
		return nil, err
	}

	payload := io.NewSectionReader(src, insp.Header.PayloadOffset, insp.PayloadSize)
	if _, err := io.Copy(tmp, payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, err
	}
	return tmp, nil
}

// finalizeManifest leaves an init.json in the staging directory: a packaged
// manifest.talex is renamed, and the header manifest is written when the
// payload carries neither. The result must name the same plugin.
func finalizeManifest(insp *Inspection) func(dir string) error {
	return func(dir string) error {
		target := filepath.Join(dir, plugin.ManifestFile)
		legacy := filepath.Join(dir, plugin.LegacyManifestFile)

		if _, err := os.Stat(legacy); err == nil {
			if err := os.Rename(legacy, target); err != nil {
				return oops.Wrapf(err, "rename %s", plugin.LegacyManifestFile)
			}
		} else if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(target, indentJSON(insp.Header.ManifestJSON), 0o600); err != nil {
				return oops.Wrapf(err, "write %s", plugin.ManifestFile)
			}
		}

		m, err := plugin.ReadManifest(dir)
		if err != nil {
			return err
		}
		if m.Name != insp.Name {
			return oops.
				With("header_name", insp.Name).
				With("manifest_name", m.Name).
				Errorf("packaged manifest declares %q", m.Name)
		}
		return nil
	}
}

func indentJSON(raw []byte) []byte {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return raw
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}
