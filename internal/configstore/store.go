// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

// Package configstore persists named JSON settings documents for the host
// and its plugins.
package configstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// Error codes.
const (
	CodeInvalidName   = "INVALID_CONFIG_NAME"
	CodeInvalidConfig = "INVALID_CONFIG"
	CodeStoreFailed   = "CONFIG_STORE_FAILED"
)

// Empty is the document returned for configs that were never saved.
var Empty = json.RawMessage(`{}`)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Store keeps one JSON document per name under <dataDir>/config. Documents
// are cached after the first read.
type Store struct {
	dir string

	mu    sync.RWMutex
	cache map[string]json.RawMessage
}

// New creates a store rooted at <dataDir>/config.
func New(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "config")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, oops.Code(CodeStoreFailed).With("dir", dir).Wrapf(err, "create config directory")
	}
	return &Store{
		dir:   dir,
		cache: make(map[string]json.RawMessage),
	}, nil
}

// Dir returns the directory documents are stored in.
func (s *Store) Dir() string {
	return s.dir
}

// ValidateName rejects names that are not plain file stems.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) || name == "." || name == ".." {
		return oops.Code(CodeInvalidName).With("name", name).Errorf("invalid config name %q", name)
	}
	return nil
}

// Get returns the named document. A document that only exists as
// <name>.yaml is converted to JSON; a missing document reads as {}.
func (s *Store) Get(name string) (json.RawMessage, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	doc, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return clone(doc), nil
	}

	return s.Reload(name)
}

// Reload drops the cached copy and reads the document from disk again.
func (s *Store) Reload(name string) (json.RawMessage, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	doc, err := s.read(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[name] = doc
	s.mu.Unlock()
	return clone(doc), nil
}

// Save persists content under name. With clear set the document is reset
// to {} and content is ignored. An empty content writes the cached
// document back to disk.
func (s *Store) Save(name string, content json.RawMessage, clear bool) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	var doc json.RawMessage
	switch {
	case clear:
		doc = clone(Empty)
	case len(bytes.TrimSpace(content)) == 0:
		cached, err := s.Get(name)
		if err != nil {
			return err
		}
		doc = cached
	default:
		if !json.Valid(content) {
			return oops.Code(CodeInvalidConfig).With("name", name).Errorf("config %q is not valid JSON", name)
		}
		doc = clone(content)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(name, doc); err != nil {
		return err
	}
	s.cache[name] = doc
	return nil
}

func (s *Store) path(name, ext string) string {
	return filepath.Join(s.dir, name+ext)
}

func (s *Store) read(name string) (json.RawMessage, error) {
	data, err := os.ReadFile(s.path(name, ".json"))
	switch {
	case err == nil:
		if len(bytes.TrimSpace(data)) == 0 {
			return clone(Empty), nil
		}
		if !json.Valid(data) {
			return nil, oops.Code(CodeInvalidConfig).With("name", name).Errorf("stored config %q is not valid JSON", name)
		}
		return data, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, oops.Code(CodeStoreFailed).With("name", name).Wrap(err)
	}

	seed, err := os.ReadFile(s.path(name, ".yaml"))
	if errors.Is(err, fs.ErrNotExist) {
		return clone(Empty), nil
	}
	if err != nil {
		return nil, oops.Code(CodeStoreFailed).With("name", name).Wrap(err)
	}
	doc, err := yamlToJSON(seed)
	if err != nil {
		return nil, oops.Code(CodeInvalidConfig).With("name", name).Wrapf(err, "convert YAML seed")
	}
	slog.Debug("loaded config from YAML seed", "name", name)
	return doc, nil
}

// write replaces the document atomically.
func (s *Store) write(name string, doc json.RawMessage) error {
	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return oops.Code(CodeStoreFailed).With("name", name).Wrap(err)
	}
	if _, err := tmp.Write(doc); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return oops.Code(CodeStoreFailed).With("name", name).Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return oops.Code(CodeStoreFailed).With("name", name).Wrap(err)
	}
	if err := os.Rename(tmp.Name(), s.path(name, ".json")); err != nil {
		_ = os.Remove(tmp.Name())
		return oops.Code(CodeStoreFailed).With("name", name).Wrap(err)
	}
	return nil
}

func yamlToJSON(data []byte) (json.RawMessage, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if v == nil {
		return clone(Empty), nil
	}
	return json.Marshal(v)
}

func clone(doc json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), doc...)
}
