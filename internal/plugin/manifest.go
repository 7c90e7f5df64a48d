// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

// Package plugin provides plugin management and lifecycle control.
package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
)

// Manifest file names inside a plugin directory.
const (
	ManifestFile       = "init.json"
	LegacyManifestFile = "manifest.talex"
	IndexFile          = "index.html"
	PreloadFile        = "preload.js"
)

// IconType identifies how an icon value is interpreted.
type IconType string

// Icon types.
const (
	IconInline IconType = "inline"
	IconRemix  IconType = "remix"
	IconURL    IconType = "url"
	IconFile   IconType = "file"
)

// Icon is either an inline value or a path relative to the plugin directory.
type Icon struct {
	Type  IconType `json:"type" jsonschema:"enum=inline,enum=remix,enum=url,enum=file"`
	Value string   `json:"value" jsonschema:"minLength=1"`
}

// Resolve returns the icon contents. File icons are read from dir on
// demand; every other type returns its value unchanged.
func (i *Icon) Resolve(dir string) ([]byte, error) {
	if i.Type != IconFile {
		return []byte(i.Value), nil
	}
	if filepath.IsAbs(i.Value) || !filepath.IsLocal(filepath.FromSlash(i.Value)) {
		return nil, oops.Code(CodeInvalidManifest).
			With("icon", i.Value).
			Errorf("icon path must stay inside the plugin directory")
	}
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(i.Value))) //nolint:gosec // path checked with filepath.IsLocal
	if err != nil {
		return nil, oops.With("icon", i.Value).Wrapf(err, "read icon")
	}
	return data, nil
}

// DevConfig points a plugin at a development server.
type DevConfig struct {
	Enable  bool   `json:"enable,omitempty"`
	Address string `json:"address,omitempty"`
	Source  bool   `json:"source,omitempty"`
}

// Manifest represents an init.json file.
type Manifest struct {
	Name        string     `json:"name" jsonschema:"minLength=1,maxLength=64"`
	Version     string     `json:"version" jsonschema:"minLength=1"`
	Description string     `json:"description,omitempty"`
	Icon        *Icon      `json:"icon,omitempty"`
	Authors     []string   `json:"authors,omitempty"`
	Dev         *DevConfig `json:"dev,omitempty"`
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: lowercase letters and digits, with
// dots, underscores and hyphens after the first character.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Names owned by the host itself.
var (
	reservedNames    = []string{"touch", "talex"}
	reservedPrefixes = []string{"touch-", "talex-"}
)

// ParseManifest parses and validates an init.json document.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, oops.Code(CodeInvalidManifest).Errorf("manifest data is empty")
	}

	if err := ValidateSchema(data); err != nil {
		return nil, oops.Code(CodeInvalidManifest).Wrap(err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, oops.Code(CodeInvalidManifest).Wrapf(err, "invalid JSON")
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// ReadManifest loads the manifest of the plugin stored in dir.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path) //nolint:gosec // path is built from the plugins directory
	if err != nil {
		return nil, oops.Code(CodeInvalidManifest).With("path", path).Wrapf(err, "read manifest")
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}
	return m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if err := ValidateName(m.Name); err != nil {
		return err
	}

	if m.Version == "" {
		return oops.Code(CodeInvalidManifest).Errorf("version is required")
	}
	if _, err := semver.StrictNewVersion(strings.TrimPrefix(m.Version, "v")); err != nil {
		return oops.Code(CodeInvalidManifest).
			With("version", m.Version).
			Wrapf(err, "version must be a semantic version")
	}

	if m.Icon != nil {
		switch m.Icon.Type {
		case IconInline, IconRemix, IconURL, IconFile:
		default:
			return oops.Code(CodeInvalidManifest).Errorf("icon type %q is not supported", m.Icon.Type)
		}
	}

	if m.Dev != nil && m.Dev.Enable && m.Dev.Source && m.Dev.Address == "" {
		return oops.Code(CodeInvalidManifest).Errorf("dev.address is required when dev.source is enabled")
	}

	return nil
}

// ValidateName checks a plugin name against the naming rules and the
// reserved namespace.
func ValidateName(name string) error {
	if name == "" || !namePattern.MatchString(name) {
		return oops.Code(CodeInvalidManifest).
			Errorf("name %q must start with a-z or 0-9 and contain only a-z, 0-9, '.', '_' and '-'", name)
	}
	if len(name) > maxNameLength {
		return oops.Code(CodeInvalidManifest).
			Errorf("name must be %d characters or less, got %d", maxNameLength, len(name))
	}
	for _, reserved := range reservedNames {
		if name == reserved {
			return oops.Code(CodeReservedName).Errorf("name %q is reserved", name)
		}
	}
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return oops.Code(CodeReservedName).Errorf("name %q uses the reserved prefix %q", name, prefix)
		}
	}
	return nil
}

// DevMode reports whether the plugin should be served from its dev server.
func (m *Manifest) DevMode() bool {
	return m.Dev != nil && m.Dev.Enable && m.Dev.Source
}

// IndexURL returns the URL the rendering surface loads for a plugin
// installed in dir.
func (m *Manifest) IndexURL(dir string) string {
	if m.DevMode() {
		return m.Dev.Address
	}
	return "file://" + filepath.ToSlash(filepath.Join(dir, IndexFile))
}

// PreloadPath returns the preload script path when the plugin ships one.
func (m *Manifest) PreloadPath(dir string) string {
	path := filepath.Join(dir, PreloadFile)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// String implements fmt.Stringer.
func (m *Manifest) String() string {
	return fmt.Sprintf("%s@%s", m.Name, m.Version)
}
