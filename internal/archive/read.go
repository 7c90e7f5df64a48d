// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package archive

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/talex-touch/touchhost/internal/ids"
)

// StagingDirName is the subdirectory of a staging root that receives the
// extracted files.
const StagingDirName = "extracted"

// stagingPrefix marks staging roots left next to plugin directories.
const stagingPrefix = ".staging-"

type unarchiveConfig struct {
	finalize func(dir string) error
	quota    Quota
}

// UnarchiveOption configures a single Unarchive call.
type UnarchiveOption func(*unarchiveConfig)

// WithFinalize runs fn on the fully extracted staging directory before it is
// moved into place. An error from fn aborts the commit.
func WithFinalize(fn func(dir string) error) UnarchiveOption {
	return func(c *unarchiveConfig) {
		c.finalize = fn
	}
}

// WithExtractQuota bounds the bytes and files an extraction may produce.
func WithExtractQuota(q Quota) UnarchiveOption {
	return func(c *unarchiveConfig) {
		c.quota = q
	}
}

// IsStagingDir reports whether name looks like a staging root left by a
// failed extraction.
func IsStagingDir(name string) bool {
	return strings.HasPrefix(name, stagingPrefix)
}

// Unarchive extracts a gzip-compressed tar stream into destDir.
//
// Files are written to <parent>/.staging-<name>-<id>/extracted first and the
// directory is renamed onto destDir only after extraction and the finalize
// hook succeed. destDir must not exist. On failure the staging root is left
// in place and named in the returned error.
func (a *Archiver) Unarchive(ctx context.Context, payload io.Reader, destDir string, opts ...UnarchiveOption) error {
	var cfg unarchiveConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, err := os.Lstat(destDir); err == nil {
		return oops.Code(CodeDestExists).With("dest", destDir).Wrap(ErrDestinationExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return oops.Code(CodeExtractFailed).With("dest", destDir).Wrap(err)
	}

	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return oops.Code(CodeExtractFailed).With("dest", destDir).Wrap(err)
	}

	stagingRoot := filepath.Join(parent, stagingPrefix+filepath.Base(destDir)+"-"+ids.NewString())
	staging := filepath.Join(stagingRoot, StagingDirName)
	if err := os.MkdirAll(staging, 0o750); err != nil {
		return oops.Code(CodeExtractFailed).With("staging", stagingRoot).Wrap(err)
	}

	if err := extract(ctx, payload, staging, cfg.quota); err != nil {
		slog.Warn("extraction failed, staging directory kept",
			"dest", destDir,
			"staging", stagingRoot,
			"error", err)
		return withStaging(err, stagingRoot)
	}

	if cfg.finalize != nil {
		if err := cfg.finalize(staging); err != nil {
			return oops.Code(CodeStagingFinalize).
				With("dest", destDir).
				With("staging", stagingRoot).
				Wrap(err)
		}
	}

	if err := commit(ctx, staging, destDir); err != nil {
		return oops.Code(CodeExtractFailed).
			With("dest", destDir).
			With("staging", stagingRoot).
			Wrap(err)
	}

	if err := os.RemoveAll(stagingRoot); err != nil {
		slog.Warn("failed to remove staging root", "path", stagingRoot, "error", err)
	}
	return nil
}

// withStaging attaches the staging root to an extraction error.
func withStaging(err error, stagingRoot string) error {
	if _, ok := oops.AsOops(err); ok {
		return oops.With("staging", stagingRoot).Wrap(err)
	}
	return oops.Code(CodeExtractFailed).With("staging", stagingRoot).Wrap(err)
}

// commit renames the staging directory onto dest, retrying briefly for
// transient failures such as a scanner holding a handle.
func commit(ctx context.Context, staging, dest string) error {
	backoff := retry.WithMaxRetries(4, retry.NewExponential(25*time.Millisecond))
	return retry.Do(ctx, backoff, func(_ context.Context) error {
		err := os.Rename(staging, dest)
		if err == nil {
			return nil
		}
		if _, statErr := os.Lstat(dest); statErr == nil {
			return oops.Code(CodeDestExists).With("dest", dest).Wrap(ErrDestinationExists)
		}
		return retry.RetryableError(err)
	})
}

func extract(ctx context.Context, payload io.Reader, root string, quota Quota) error {
	gz, err := gzip.NewReader(payload)
	if err != nil {
		return oops.Code(CodeExtractFailed).Wrapf(err, "payload is not gzip compressed")
	}
	defer func() { _ = gz.Close() }()

	var (
		tr    = tar.NewReader(gz)
		bytes int64
		files int
	)
	for {
		if err := ctx.Err(); err != nil {
			return oops.Code(CodeExtractFailed).Wrap(err)
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return oops.Code(CodeExtractFailed).Wrapf(err, "read archive entry")
		}

		target, err := safeJoin(root, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return oops.Code(CodeExtractFailed).With("entry", hdr.Name).Wrap(err)
			}
		case tar.TypeReg:
			files++
			bytes += hdr.Size
			if err := quota.check(bytes, files); err != nil {
				return err
			}
			if err := writeEntry(tr, target, hdr); err != nil {
				return err
			}
		default:
			slog.Debug("skipping unsupported archive entry",
				"entry", hdr.Name,
				"type", string(hdr.Typeflag))
		}
	}
}

// safeJoin resolves an archive entry name under root, rejecting absolute
// names and names that climb out of root.
func safeJoin(root, name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if clean == "." || clean == "/" {
		return root, nil
	}
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") || filepath.VolumeName(clean) != "" {
		return "", oops.Code(CodeUnsafePath).
			With("entry", name).
			Errorf("archive entry %q escapes the extraction root", name)
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

func writeEntry(r io.Reader, target string, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return oops.Code(CodeExtractFailed).With("entry", hdr.Name).Wrap(err)
	}

	mode := hdr.FileInfo().Mode().Perm() | 0o600
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode) //nolint:gosec // target validated by safeJoin
	if err != nil {
		return oops.Code(CodeExtractFailed).With("entry", hdr.Name).Wrap(err)
	}

	if _, err := io.CopyN(f, r, hdr.Size); err != nil {
		_ = f.Close()
		return oops.Code(CodeExtractFailed).With("entry", hdr.Name).Wrap(err)
	}
	if err := f.Close(); err != nil {
		return oops.Code(CodeExtractFailed).With("entry", hdr.Name).Wrap(err)
	}
	if !hdr.ModTime.IsZero() {
		_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
	}
	return nil
}
