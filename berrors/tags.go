// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package berrors defines the error-kind tags shared across the builder,
// following the go.chromium.org/luci/common/errors tagging idiom (see
// cmd/cloudbuildhelper/cmdbase.go's isCLIError) rather than a sealed
// error-kind enum: any error can be tagged with the kinds it matches,
// and callers check membership with errors.Tag.In(err).
package berrors

import (
	"os/exec"

	"go.chromium.org/luci/common/errors"
)

// Kind tags distinguish the error categories of spec §7. They compose
// with go.chromium.org/luci/common/errors.Annotate wrapping, so a tag
// applied deep in the source/cache/module layers survives up to the
// driver's top-level handler.
var (
	// ConfigInvalid: missing required manifest field, invalid identifier,
	// malformed CLI invocation.
	ConfigInvalid = errors.BoolTag{Key: errors.NewTagKey("config invalid")}

	// SourceFetch: HTTP failure, non-success status, network timeout while
	// acquiring a source.
	SourceFetch = errors.BoolTag{Key: errors.NewTagKey("source fetch failed")}

	// DigestMismatch: computed archive hash differs from the declared one.
	DigestMismatch = errors.BoolTag{Key: errors.NewTagKey("digest mismatch")}

	// NotFound: patch path, makefile, or autogen script missing.
	NotFound = errors.BoolTag{Key: errors.NewTagKey("not found")}

	// SubprocessFailed: non-zero exit from an external tool.
	SubprocessFailed = errors.BoolTag{Key: errors.NewTagKey("subprocess failed")}

	// CacheIO: store creation, open, read, write, or transaction failure.
	CacheIO = errors.BoolTag{Key: errors.NewTagKey("cache i/o failed")}
)

// Subprocess annotates err with tool's name and, if err is an
// *exec.ExitError, its exit code, and tags the result SubprocessFailed.
func Subprocess(err error, tool string) error {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return errors.Annotate(err, "%s exited with code %d", tool, exitErr.ExitCode()).Tag(SubprocessFailed).Err()
	}
	return errors.Annotate(err, "%s failed to run", tool).Tag(SubprocessFailed).Err()
}
