// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

// Package container encodes and decodes the single-file plugin package header.
//
// A container is laid out as:
//
//	"TalexTouch-PluginPackage@@" | 5-digit decimal length L | metadata block (L bytes) | archive payload
//
// where the metadata block is "@@@" + name + "\n" + manifest JSON + "\n\n\n".
// Decoding never panics on malformed input; it returns a *FormatError whose
// Kind tells the caller how the file is broken.
package container

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"
)

// Magic is the literal every container starts with.
const Magic = "TalexTouch-PluginPackage@@"

// Layout constants.
const (
	lengthWidth = 5
	// PrefixSize is the size of the magic plus the length field.
	PrefixSize = len(Magic) + lengthWidth
	// MaxBlockLength is the largest metadata block the length field can describe.
	MaxBlockLength = 99999

	blockMarker = "@@@"
	terminator  = "\n\n\n"
)

// Kind classifies a decoding failure.
type Kind string

// Format error kinds.
const (
	KindNotAContainer   Kind = "NOT_A_CONTAINER"
	KindTruncated       Kind = "TRUNCATED"
	KindCorruptMetadata Kind = "CORRUPT_METADATA"
)

// FormatError reports why a byte sequence is not a valid container header.
type FormatError struct {
	Kind   Kind
	Reason string
}

// Error implements the error interface.
func (e *FormatError) Error() string {
	return fmt.Sprintf("container %s: %s", e.Kind, e.Reason)
}

func formatErr(kind Kind, format string, args ...any) *FormatError {
	return &FormatError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Header is the decoded metadata that precedes the archive payload.
type Header struct {
	// MetadataLength is the block length declared in the length field.
	MetadataLength int
	Name           string
	ManifestJSON   []byte
	// PayloadOffset is the absolute offset of the first archive byte.
	PayloadOffset int64
}

// Encode renders the header for name and manifest. The declared length is
// the exact byte length of the metadata block.
func Encode(name string, manifestJSON []byte) ([]byte, error) {
	if name == "" {
		return nil, errors.New("container: plugin name is empty")
	}
	if bytes.ContainsAny([]byte(name), "\r\n") {
		return nil, fmt.Errorf("container: plugin name %q contains a line break", name)
	}
	if len(bytes.TrimSpace(manifestJSON)) == 0 {
		return nil, errors.New("container: manifest is empty")
	}
	if bytes.Contains(manifestJSON, []byte(terminator)) {
		return nil, errors.New("container: manifest contains the block terminator")
	}
	if !utf8.ValidString(name) || !utf8.Valid(manifestJSON) {
		return nil, errors.New("container: metadata is not valid UTF-8")
	}

	blockLen := len(blockMarker) + len(name) + 1 + len(manifestJSON) + len(terminator)
	if blockLen > MaxBlockLength {
		return nil, fmt.Errorf("container: metadata block is %d bytes, limit is %d", blockLen, MaxBlockLength)
	}

	var buf bytes.Buffer
	buf.Grow(PrefixSize + blockLen)
	buf.WriteString(Magic)
	fmt.Fprintf(&buf, "%0*d", lengthWidth, blockLen)
	buf.WriteString(blockMarker)
	buf.WriteString(name)
	buf.WriteByte('\n')
	buf.Write(manifestJSON)
	buf.WriteString(terminator)
	return buf.Bytes(), nil
}

// Decode parses a header from the start of data. data may contain trailing
// payload bytes; they are ignored.
//
// The terminator is searched inside the declared window and the payload is
// taken to start right after it, so containers whose declared length
// overshoots the block still decode.
func Decode(data []byte) (*Header, *FormatError) {
	if len(data) < len(Magic) || string(data[:len(Magic)]) != Magic {
		return nil, formatErr(KindNotAContainer, "magic marker mismatch")
	}
	if len(data) < PrefixSize {
		return nil, formatErr(KindTruncated, "length field cut short")
	}

	declared, ferr := parseLength(data[len(Magic):PrefixSize])
	if ferr != nil {
		return nil, ferr
	}

	end := PrefixSize + declared
	truncated := end > len(data)
	if truncated {
		end = len(data)
	}
	window := data[PrefixSize:end]

	// brokenKind reports a missing structural piece: if the file ended early
	// the piece may simply not have arrived.
	brokenKind := KindCorruptMetadata
	if truncated {
		brokenKind = KindTruncated
	}

	if len(window) < len(blockMarker) {
		return nil, formatErr(brokenKind, "metadata block shorter than its marker")
	}
	if string(window[:len(blockMarker)]) != blockMarker {
		return nil, formatErr(KindCorruptMetadata, "metadata block marker missing")
	}

	rest := window[len(blockMarker):]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		return nil, formatErr(brokenKind, "plugin name line not terminated")
	}
	name := rest[:nl]
	if len(name) == 0 {
		return nil, formatErr(KindCorruptMetadata, "plugin name is empty")
	}

	body := rest[nl+1:]
	t := bytes.Index(body, []byte(terminator))
	if t < 0 {
		return nil, formatErr(brokenKind, "metadata block terminator missing")
	}
	manifest := body[:t]
	if len(bytes.TrimSpace(manifest)) == 0 {
		return nil, formatErr(KindCorruptMetadata, "manifest is empty")
	}
	if !utf8.Valid(name) || !utf8.Valid(manifest) {
		return nil, formatErr(KindCorruptMetadata, "metadata is not valid UTF-8")
	}

	offset := PrefixSize + len(blockMarker) + nl + 1 + t + len(terminator)
	return &Header{
		MetadataLength: declared,
		Name:           string(name),
		ManifestJSON:   bytes.Clone(manifest),
		PayloadOffset:  int64(offset),
	}, nil
}

func parseLength(field []byte) (int, *FormatError) {
	for _, c := range field {
		if c < '0' || c > '9' {
			return 0, formatErr(KindNotAContainer, "length field %q is not numeric", field)
		}
	}
	n, err := strconv.Atoi(string(field))
	if err != nil {
		return 0, formatErr(KindNotAContainer, "length field %q: %v", field, err)
	}
	return n, nil
}

// ReadHeader reads and decodes the header of a container of the given size.
// Only the prefix and the declared metadata window are read, clamped to size.
// The returned error is either a *FormatError or an I/O error.
func ReadHeader(r io.ReaderAt, size int64) (*Header, error) {
	prefixLen := int64(PrefixSize)
	if size < prefixLen {
		prefixLen = size
	}
	prefix := make([]byte, prefixLen)
	if _, err := r.ReadAt(prefix, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read container prefix: %w", err)
	}

	// Let Decode classify short or foreign prefixes.
	if prefixLen < int64(PrefixSize) || string(prefix[:len(Magic)]) != Magic {
		return decodeErr(Decode(prefix))
	}
	declared, ferr := parseLength(prefix[len(Magic):])
	if ferr != nil {
		return nil, ferr
	}

	end := int64(PrefixSize + declared)
	if end > size {
		end = size
	}
	buf := make([]byte, end)
	copy(buf, prefix)
	if end > prefixLen {
		if _, err := r.ReadAt(buf[prefixLen:], prefixLen); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read container metadata: %w", err)
		}
	}
	return decodeErr(Decode(buf))
}

// decodeErr converts Decode's concrete error into an interface without
// producing a typed nil.
func decodeErr(h *Header, ferr *FormatError) (*Header, error) {
	if ferr != nil {
		return nil, ferr
	}
	return h, nil
}
