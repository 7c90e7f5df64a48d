// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

// Package archive builds and extracts the gzip-compressed tar payload carried
// by plugin containers.
//
// Archive walks its sources first, enforces the quota on the totals it found,
// and only then creates the destination. Progress is reported as a stream of
// events. Unarchive extracts into a staging directory next to the target and
// renames it into place once everything has been written.
package archive

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Error codes for archive failures.
const (
	CodeQuotaExceeded   = "QUOTA_EXCEEDED"
	CodeUnsafePath      = "UNSAFE_PATH"
	CodeDestExists      = "DESTINATION_EXISTS"
	CodeDuplicateEntry  = "DUPLICATE_ENTRY"
	CodeExtractFailed   = "EXTRACT_FAILED"
	CodeArchiveFailed   = "ARCHIVE_FAILED"
	CodeStagingFinalize = "STAGING_FINALIZE_FAILED"
)

// Sentinel errors wrapped by the coded errors above.
var (
	// ErrQuotaExceeded is returned when a byte or file-count bound is crossed.
	ErrQuotaExceeded = errors.New("archive quota exceeded")
	// ErrDestinationExists is returned when the extraction target already exists.
	ErrDestinationExists = errors.New("destination already exists")
)

// DefaultExcludes are skipped when archiving unless replaced with WithExcludes.
var DefaultExcludes = []string{
	"**/.git",
	"**/.git/**",
	"**/node_modules/**",
	"**/.DS_Store",
	"**/Thumbs.db",
}

const defaultChunkSize = 32 * 1024

// Quota bounds an archive. Zero means unbounded.
type Quota struct {
	MaxBytes int64 `koanf:"max_bytes"`
	MaxFiles int   `koanf:"max_files"`
}

// check returns a quota error if bytes or files exceed the bounds.
func (q Quota) check(bytes int64, files int) error {
	if q.MaxFiles > 0 && files > q.MaxFiles {
		return oops.Code(CodeQuotaExceeded).
			With("files", files).
			With("max_files", q.MaxFiles).
			Wrapf(ErrQuotaExceeded, "%d files exceed the limit of %d", files, q.MaxFiles)
	}
	if q.MaxBytes > 0 && bytes > q.MaxBytes {
		return oops.Code(CodeQuotaExceeded).
			With("bytes", bytes).
			With("max_bytes", q.MaxBytes).
			Wrapf(ErrQuotaExceeded, "%d bytes exceed the limit of %d", bytes, q.MaxBytes)
	}
	return nil
}

// Archiver builds and extracts archives. It is safe for concurrent use.
type Archiver struct {
	excludes  []glob.Glob
	chunkSize int
}

// Option configures an Archiver.
type Option func(*Archiver) error

// WithExcludes replaces the default exclude patterns. Patterns are globs
// over slash-separated paths relative to the source root; '*' stays within
// one segment and '**' crosses segments.
func WithExcludes(patterns ...string) Option {
	return func(a *Archiver) error {
		compiled := make([]glob.Glob, 0, len(patterns))
		for _, p := range patterns {
			g, err := glob.Compile(p, '/')
			if err != nil {
				return fmt.Errorf("exclude pattern %q: %w", p, err)
			}
			compiled = append(compiled, g)
		}
		a.excludes = compiled
		return nil
	}
}

// WithChunkSize sets how many bytes are copied between progress events.
func WithChunkSize(n int) Option {
	return func(a *Archiver) error {
		if n <= 0 {
			return fmt.Errorf("chunk size must be positive, got %d", n)
		}
		a.chunkSize = n
		return nil
	}
}

// New creates an Archiver.
func New(opts ...Option) (*Archiver, error) {
	a := &Archiver{chunkSize: defaultChunkSize}
	if err := WithExcludes(DefaultExcludes...)(a); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// excluded reports whether a relative slash path matches an exclude pattern.
func (a *Archiver) excluded(rel string) bool {
	rooted := "/" + strings.TrimPrefix(rel, "/")
	for _, g := range a.excludes {
		if g.Match(rel) || g.Match(rooted) {
			return true
		}
	}
	return false
}
