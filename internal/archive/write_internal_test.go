// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package archive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopySnapshot_HoldsSnapshotSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))

	tests := []struct {
		name string
		abs  string
		size int64
		want []byte
	}{
		{name: "unchanged", abs: path, size: 10, want: []byte("0123456789")},
		{name: "shrank is zero padded", abs: path, size: 14, want: append([]byte("0123456789"), 0, 0, 0, 0)},
		{name: "grew is cut off", abs: path, size: 4, want: []byte("0123")},
		{name: "vanished is all zeros", abs: filepath.Join(t.TempDir(), "gone"), size: 3, want: []byte{0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := make(chan Event, 64)
			em := emitter{ctx: context.Background(), ch: ch}
			var out bytes.Buffer
			var written int64

			err := copySnapshot(em, &out, entry{abs: tt.abs, name: "data.bin", size: tt.size}, make([]byte, 3), &written, tt.size)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Bytes())
			assert.Equal(t, tt.size, written)

			close(ch)
			var last ProgressEvent
			for ev := range ch {
				p, ok := ev.(ProgressEvent)
				require.True(t, ok)
				assert.GreaterOrEqual(t, p.Written, last.Written)
				assert.Equal(t, tt.size, p.Total)
				last = p
			}
			assert.Equal(t, tt.size, last.Written)
		})
	}
}
