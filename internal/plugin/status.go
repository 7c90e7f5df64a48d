// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package plugin

// Status is the lifecycle state of a loaded plugin.
type Status string

// Lifecycle states.
const (
	StatusDisabled  Status = "DISABLED"
	StatusDisabling Status = "DISABLING"
	StatusCrashed   Status = "CRASHED"
	StatusLoaded    Status = "LOADED"
	StatusLoading   Status = "LOADING"
	StatusEnabled   Status = "ENABLED"
	StatusActive    Status = "ACTIVE"
)

// Enableable reports whether enable may start from s.
func (s Status) Enableable() bool {
	switch s {
	case StatusDisabled, StatusLoaded, StatusCrashed:
		return true
	default:
		return false
	}
}

// Disableable reports whether disable has work to do from s.
func (s Status) Disableable() bool {
	switch s {
	case StatusEnabled, StatusActive, StatusLoading, StatusCrashed:
		return true
	default:
		return false
	}
}

// Running reports whether the plugin has an attached surface.
func (s Status) Running() bool {
	return s == StatusEnabled || s == StatusActive
}

func (s Status) String() string {
	return string(s)
}
