// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

// Package ids generates lexically sortable unique identifiers.
package ids

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// New returns a ULID: a millisecond timestamp followed by monotonic random
// bits, unique for the lifetime of the process.
func New() ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// NewString returns New rendered in canonical form.
func NewString() string {
	return New().String()
}

// Parse parses a ULID string.
func Parse(s string) (ulid.ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ulid.ULID{}, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}

// Time returns the wall-clock time encoded in a ULID string.
func Time(s string) (time.Time, error) {
	id, err := Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()), nil
}
