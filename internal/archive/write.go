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
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/samber/oops"
)

// entry is one item found by the stat walk. size is the snapshot taken
// during the walk and never changes afterwards.
type entry struct {
	abs     string
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
	dir     bool
}

type archiveConfig struct {
	preamble []byte
	buffer   int
}

// ArchiveOption configures a single Archive call.
type ArchiveOption func(*archiveConfig)

// WithPreamble writes b to the destination before the compressed stream.
// Container headers are written this way, so they too are only written once
// the quota check has passed.
func WithPreamble(b []byte) ArchiveOption {
	return func(c *archiveConfig) {
		c.preamble = b
	}
}

// WithEventBuffer sets the capacity of the returned event channel.
func WithEventBuffer(n int) ArchiveOption {
	return func(c *archiveConfig) {
		if n >= 0 {
			c.buffer = n
		}
	}
}

// Archive streams sources into a gzip-compressed tar file at dest.
//
// A directory source contributes its contents relative to itself; a file
// source contributes its base name. The returned channel carries one
// StatEvent per file, then ProgressEvents, and is closed after exactly one
// terminal ErrorEvent or FlushEvent. Callers must drain the channel or
// cancel ctx.
func (a *Archiver) Archive(ctx context.Context, sources []string, dest string, quota Quota, opts ...ArchiveOption) <-chan Event {
	cfg := archiveConfig{buffer: 64}
	for _, opt := range opts {
		opt(&cfg)
	}

	ch := make(chan Event, cfg.buffer)
	go func() {
		defer close(ch)
		em := emitter{ctx: ctx, ch: ch}
		flush, err := a.archive(ctx, em, sources, dest, quota, cfg)
		if err != nil {
			archiveResults.WithLabelValues(resultLabel(err)).Inc()
			em.emit(ErrorEvent{Err: err})
			return
		}
		archiveResults.WithLabelValues("ok").Inc()
		em.emit(flush)
	}()
	return ch
}

func (a *Archiver) archive(ctx context.Context, em emitter, sources []string, dest string, quota Quota, cfg archiveConfig) (FlushEvent, error) {
	entries, total, files, err := a.walk(em, sources)
	if err != nil {
		return FlushEvent{}, err
	}
	if err := quota.check(total, files); err != nil {
		quotaRejections.Inc()
		return FlushEvent{}, err
	}
	if err := ctx.Err(); err != nil {
		return FlushEvent{}, oops.Code(CodeArchiveFailed).Wrap(err)
	}

	written, err := a.writeArchive(ctx, em, entries, total, dest, cfg)
	if err != nil {
		return FlushEvent{}, err
	}
	return FlushEvent{Path: dest, Written: written, Files: files}, nil
}

// walk expands sources into entries and returns total bytes and file count.
func (a *Archiver) walk(em emitter, sources []string) ([]entry, int64, int, error) {
	var (
		entries []entry
		total   int64
		files   int
		seen    = make(map[string]string)
	)

	add := func(e entry) error {
		if prev, dup := seen[e.name]; dup {
			return oops.Code(CodeDuplicateEntry).
				With("name", e.name).
				With("first", prev).
				With("second", e.abs).
				Errorf("archive entry %q provided twice", e.name)
		}
		seen[e.name] = e.abs
		entries = append(entries, e)
		if !e.dir {
			total += e.size
			files++
			if !em.emit(StatEvent{Path: e.abs, Size: e.size}) {
				return em.ctx.Err()
			}
		}
		return nil
	}

	for _, src := range sources {
		info, err := os.Stat(src)
		if err != nil {
			return nil, 0, 0, oops.Code(CodeArchiveFailed).With("source", src).Wrap(err)
		}

		if !info.IsDir() {
			if err := add(entry{abs: src, name: filepath.Base(src), size: info.Size(), mode: info.Mode(), modTime: info.ModTime()}); err != nil {
				return nil, 0, 0, err
			}
			continue
		}

		err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			rel, err := filepath.Rel(src, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			name := filepath.ToSlash(rel)
			if a.excluded(name) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.IsDir() && !d.Type().IsRegular() {
				slog.Debug("skipping non-regular file", "path", path, "type", d.Type().String())
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			return add(entry{
				abs:     path,
				name:    name,
				size:    sizeOf(fi),
				mode:    fi.Mode(),
				modTime: fi.ModTime(),
				dir:     fi.IsDir(),
			})
		})
		if err != nil {
			if _, ok := oops.AsOops(err); ok {
				return nil, 0, 0, err
			}
			return nil, 0, 0, oops.Code(CodeArchiveFailed).With("source", src).Wrap(err)
		}
	}

	return entries, total, files, nil
}

func sizeOf(fi fs.FileInfo) int64 {
	if fi.IsDir() {
		return 0
	}
	return fi.Size()
}

// writeArchive writes the preamble and the tar.gz stream into a sibling temp
// file and renames it onto dest once it is synced.
func (a *Archiver) writeArchive(ctx context.Context, em emitter, entries []entry, total int64, dest string, cfg archiveConfig) (written int64, err error) {
	if dir := filepath.Dir(dest); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return 0, oops.Code(CodeArchiveFailed).With("dest", dest).Wrap(err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.partial")
	if err != nil {
		return 0, oops.Code(CodeArchiveFailed).With("dest", dest).Wrap(err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			if rmErr := os.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				slog.Warn("failed to remove partial archive", "path", tmpPath, "error", rmErr)
			}
		}
	}()

	if len(cfg.preamble) > 0 {
		if _, err := tmp.Write(cfg.preamble); err != nil {
			return 0, oops.Code(CodeArchiveFailed).With("dest", dest).Wrap(err)
		}
	}

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)
	buf := make([]byte, a.chunkSize)

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return 0, oops.Code(CodeArchiveFailed).Wrap(err)
		}
		if err := tw.WriteHeader(tarHeader(e)); err != nil {
			return 0, oops.Code(CodeArchiveFailed).With("entry", e.name).Wrap(err)
		}
		if e.dir {
			continue
		}
		if err := copySnapshot(em, tw, e, buf, &written, total); err != nil {
			return 0, err
		}
	}

	if err := tw.Close(); err != nil {
		return 0, oops.Code(CodeArchiveFailed).Wrap(err)
	}
	if err := gz.Close(); err != nil {
		return 0, oops.Code(CodeArchiveFailed).Wrap(err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, oops.Code(CodeArchiveFailed).Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return 0, oops.Code(CodeArchiveFailed).Wrap(err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return 0, oops.Code(CodeArchiveFailed).With("dest", dest).Wrap(err)
	}
	archivedBytes.Add(float64(written))
	return written, nil
}

func tarHeader(e entry) *tar.Header {
	h := &tar.Header{
		Name:    e.name,
		Mode:    int64(e.mode.Perm()),
		ModTime: e.modTime,
		Format:  tar.FormatPAX,
	}
	if e.dir {
		h.Name += "/"
		h.Typeflag = tar.TypeDir
		return h
	}
	h.Typeflag = tar.TypeReg
	h.Size = e.size
	return h
}

// copySnapshot writes exactly e.size bytes of the file. A file that shrank
// after the walk is padded with zeros, one that grew is cut off.
func copySnapshot(em emitter, w io.Writer, e entry, buf []byte, written *int64, total int64) error {
	var src io.Reader
	f, err := os.Open(e.abs)
	switch {
	case err == nil:
		defer func() { _ = f.Close() }()
		src = f
	case errors.Is(err, fs.ErrNotExist):
		slog.Warn("file vanished while archiving", "path", e.abs)
	default:
		return oops.Code(CodeArchiveFailed).With("path", e.abs).Wrap(err)
	}

	remaining := e.size
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		chunk := buf[:n]

		if src != nil {
			read, err := io.ReadFull(src, chunk)
			switch {
			case err == nil:
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				slog.Warn("file shrank while archiving",
					"path", e.abs,
					"snapshot_size", e.size,
					"missing", remaining-int64(read))
				clear(chunk[read:])
				src = nil
			default:
				return oops.Code(CodeArchiveFailed).With("path", e.abs).Wrap(err)
			}
		} else {
			clear(chunk)
		}

		if _, err := w.Write(chunk); err != nil {
			return oops.Code(CodeArchiveFailed).With("entry", e.name).Wrap(err)
		}
		remaining -= n
		*written += n
		if !em.emit(ProgressEvent{Written: *written, Total: total}) {
			return oops.Code(CodeArchiveFailed).Wrap(em.ctx.Err())
		}
	}
	return nil
}

func resultLabel(err error) string {
	if errors.Is(err, ErrQuotaExceeded) {
		return "quota_exceeded"
	}
	return "error"
}
