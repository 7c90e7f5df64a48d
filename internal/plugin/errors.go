// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package plugin

import "errors"

// Error codes for lifecycle failures.
const (
	CodeDuplicatePlugin = "DUPLICATE_PLUGIN"
	CodeNameMismatch    = "NAME_MISMATCH"
	CodePluginNotFound  = "PLUGIN_NOT_FOUND"
	CodeNotEnabled      = "NOT_ENABLED"
	CodeInvalidManifest = "INVALID_MANIFEST"
	CodeReservedName    = "RESERVED_NAME"
	CodeAttachFailed    = "ATTACH_FAILED"
	CodeManagerClosed   = "MANAGER_CLOSED"
	CodeInvalidPID      = "INVALID_PID"
	CodeNotPermitted    = "NOT_PERMITTED"
)

// Sentinel strings returned by ChangeActivePlugin.
const (
	ActivateNotFound   = "plugin not found"
	ActivateNotEnabled = "plugin not enabled"
)

// Sentinel errors for programmatic error checking.
var (
	// ErrPluginNotFound is returned when operating on an unknown plugin.
	ErrPluginNotFound = errors.New("plugin not found")
	// ErrDuplicatePlugin is returned when loading a plugin twice.
	ErrDuplicatePlugin = errors.New("plugin already loaded")
	// ErrNotEnabled is returned when a transition requires an enabled plugin.
	ErrNotEnabled = errors.New("plugin not enabled")
	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("manager is closed")
	// ErrNotPermitted is returned when a plugin acts on another plugin.
	ErrNotPermitted = errors.New("plugin may only act on itself")
)
