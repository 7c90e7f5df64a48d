// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

// Package errutil holds helpers for oops errors shared by the host and its
// tools.
package errutil

import (
	"log/slog"

	"github.com/samber/oops"
)

// Code returns the oops code of err as a string, or "" when err carries
// none.
func Code(err error) string {
	if oopsErr, ok := oops.AsOops(err); ok {
		if code, ok := oopsErr.Code().(string); ok {
			return code
		}
	}
	return ""
}

// LogError logs err at error level with its code and context when it is
// an oops error. attrs are appended as given.
func LogError(logger *slog.Logger, msg string, err error, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	fields := append([]any{}, attrs...)
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		logger.Error(msg, append(fields, "error", err)...)
		return
	}
	fields = append(fields, "error", oopsErr.Error())
	if code := Code(err); code != "" {
		fields = append(fields, "code", code)
	}
	if ctx := oopsErr.Context(); len(ctx) > 0 {
		fields = append(fields, "context", ctx)
	}
	logger.Error(msg, fields...)
}
