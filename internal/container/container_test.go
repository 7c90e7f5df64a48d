// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package container_test

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talex-touch/touchhost/internal/container"
)

const demoManifest = `{"name":"demo","version":"1.0.0"}`

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		plugin   string
		manifest string
	}{
		{"simple", "demo", demoManifest},
		{"unicode name", "démo-插件", `{"name":"démo-插件","version":"0.1.0"}`},
		{"pretty manifest", "pretty", "{\n  \"name\": \"pretty\",\n  \"version\": \"2.0.0\"\n}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, err := container.Encode(tt.plugin, []byte(tt.manifest))
			require.NoError(t, err)

			payload := []byte("archive-bytes")
			h, ferr := container.Decode(append(bytes.Clone(header), payload...))
			require.Nil(t, ferr)

			assert.Equal(t, tt.plugin, h.Name)
			assert.Equal(t, tt.manifest, string(h.ManifestJSON))
			assert.Equal(t, int64(len(header)), h.PayloadOffset)
			assert.Equal(t, len(header)-container.PrefixSize, h.MetadataLength)
		})
	}
}

func TestEncode_WritesExactLength(t *testing.T) {
	header, err := container.Encode("demo", []byte(demoManifest))
	require.NoError(t, err)

	block := "@@@demo\n" + demoManifest + "\n\n\n"
	want := container.Magic + fmt.Sprintf("%05d", len(block)) + block
	assert.Equal(t, want, string(header))
}

func TestEncode_RejectsInvalidInput(t *testing.T) {
	_, err := container.Encode("", []byte(demoManifest))
	assert.Error(t, err)

	_, err = container.Encode("two\nlines", []byte(demoManifest))
	assert.Error(t, err)

	_, err = container.Encode("demo", nil)
	assert.Error(t, err)

	_, err = container.Encode("demo", []byte("{}\n\n\n{}"))
	assert.Error(t, err)

	_, err = container.Encode("demo", []byte(`{"x":"`+strings.Repeat("a", container.MaxBlockLength)+`"}`))
	assert.Error(t, err)
}

func TestDecode_Failures(t *testing.T) {
	tests := []struct {
		name string
		data string
		kind container.Kind
	}{
		{"empty", "", container.KindNotAContainer},
		{"foreign file", "PK\x03\x04 this is a zip", container.KindNotAContainer},
		{"magic typo", "TalexTouch-PluginPackagE@@00010@@@a\n{}\n\n\n", container.KindNotAContainer},
		{"non numeric length", container.Magic + "00a42@@@demo\n{}\n\n\n", container.KindNotAContainer},
		{"length cut short", container.Magic + "000", container.KindTruncated},
		{"block marker missing", container.Magic + "00012###demo\n{}\n\n\n", container.KindCorruptMetadata},
		{"empty name", container.Magic + "00008@@@\n{}\n\n\n", container.KindCorruptMetadata},
		{"file ends inside block", container.Magic + "00100@@@demo\n{\"na", container.KindTruncated},
		{"empty manifest", container.Magic + "00011@@@demo\n\n\n\n", container.KindCorruptMetadata},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, ferr := container.Decode([]byte(tt.data))
			assert.Nil(t, h)
			require.NotNil(t, ferr)
			assert.Equal(t, tt.kind, ferr.Kind)
		})
	}
}

func TestDecode_BlockWithoutTerminator(t *testing.T) {
	block := "@@@demo\n" + `{"name":"demo","version":"1.0"}`
	block += strings.Repeat(" ", 42-len(block))
	require.Len(t, block, 42)

	data := container.Magic + "00042" + block + "\x1f\x8b payload follows"
	h, ferr := container.Decode([]byte(data))
	assert.Nil(t, h)
	require.NotNil(t, ferr)
	assert.Equal(t, container.KindCorruptMetadata, ferr.Kind)
}

func TestDecode_InvalidUTF8(t *testing.T) {
	block := "@@@demo\n{\"name\":\"\xff\xfe\"}\n\n\n"
	data := container.Magic + fmt.Sprintf("%05d", len(block)) + block
	_, ferr := container.Decode([]byte(data))
	require.NotNil(t, ferr)
	assert.Equal(t, container.KindCorruptMetadata, ferr.Kind)
}

func TestDecode_DeclaredLengthWithSlack(t *testing.T) {
	block := "@@@demo\n" + demoManifest + "\n\n\n"
	payload := "0123456789012345678901234567890123456789"
	data := container.Magic + fmt.Sprintf("%05d", len(block)+25) + block + payload

	h, ferr := container.Decode([]byte(data))
	require.Nil(t, ferr)
	assert.Equal(t, "demo", h.Name)
	assert.Equal(t, int64(container.PrefixSize+len(block)), h.PayloadOffset)
	assert.Equal(t, payload, data[h.PayloadOffset:])
}

func TestReadHeader_ClampsToSize(t *testing.T) {
	block := "@@@demo\n" + demoManifest + "\n\n\n"
	// Declared length far beyond the file: the reader must not over-read.
	data := container.Magic + "99999" + block

	h, err := container.ReadHeader(strings.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, "demo", h.Name)
	assert.Equal(t, 99999, h.MetadataLength)
}

func TestReadHeader_ReturnsFormatError(t *testing.T) {
	data := "not a container at all, just text"
	_, err := container.ReadHeader(strings.NewReader(data), int64(len(data)))
	require.Error(t, err)

	var ferr *container.FormatError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, container.KindNotAContainer, ferr.Kind)
}

func TestReadHeader_TinyFile(t *testing.T) {
	data := "Tal"
	_, err := container.ReadHeader(strings.NewReader(data), int64(len(data)))

	var ferr *container.FormatError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, container.KindNotAContainer, ferr.Kind)
}

func FuzzDecode(f *testing.F) {
	valid, err := container.Encode("demo", []byte(demoManifest))
	require.NoError(f, err)
	f.Add(valid)
	f.Add([]byte(container.Magic + "00042"))
	f.Add([]byte(container.Magic + "00003@@@"))

	f.Fuzz(func(t *testing.T, data []byte) {
		h, ferr := container.Decode(data)
		if ferr == nil {
			require.NotNil(t, h)
			require.LessOrEqual(t, h.PayloadOffset, int64(len(data)))
		}
	})
}
