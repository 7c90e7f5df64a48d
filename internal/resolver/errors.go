// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package resolver

import (
	"github.com/talex-touch/touchhost/internal/archive"
	"github.com/talex-touch/touchhost/internal/plugin"
	"github.com/talex-touch/touchhost/pkg/errutil"
)

// Resolver error codes.
const (
	CodeOpenFailed       = "OPEN_FAILED"
	CodeReadFailed       = "READ_FAILED"
	CodeNotAPluginFile   = "NOT_A_PLUGIN_FILE"
	CodeBrokenPluginFile = "BROKEN_PLUGIN_FILE"
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodeManifestMismatch = "MANIFEST_MISMATCH"
	CodeInstallFailed    = "INSTALL_FAILED"
	CodeLoadFailed       = "LOAD_FAILED"
)

// stableCodes are the numeric codes the UI dispatches on. They must never
// change.
var stableCodes = map[string]string{
	CodeOpenFailed:       "10090",
	CodeBrokenPluginFile: "10091",
	CodeNotAPluginFile:   "10092",
	CodeReadFailed:       "10093",
	CodeAlreadyExists:    "10094",
	CodeManifestMismatch: "10095",
	CodeInstallFailed:    "10096",
	CodeLoadFailed:       "10097",
}

// causeCodes translate codes raised below the resolver. oops reports the
// deepest code in a chain, so these win over the resolver's own wrapping.
var causeCodes = map[string]string{
	plugin.CodeInvalidManifest:  CodeBrokenPluginFile,
	archive.CodeDestExists:      CodeAlreadyExists,
	archive.CodeQuotaExceeded:   CodeInstallFailed,
	archive.CodeUnsafePath:      CodeInstallFailed,
	archive.CodeExtractFailed:   CodeInstallFailed,
	archive.CodeStagingFinalize: CodeInstallFailed,
}

// Code returns the resolver code of err, or "" when err did not come from
// the resolver.
func Code(err error) string {
	code := errutil.Code(err)
	if mapped, ok := causeCodes[code]; ok {
		return mapped
	}
	if _, ok := stableCodes[code]; ok {
		return code
	}
	return ""
}

// StableCode maps err to its numeric user-facing code. Errors that did not
// come from the resolver are reported as install failures; nil maps to "".
func StableCode(err error) string {
	if err == nil {
		return ""
	}
	if code, ok := stableCodes[Code(err)]; ok {
		return code
	}
	return stableCodes[CodeInstallFailed]
}
