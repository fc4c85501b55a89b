// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package source

import (
	"context"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"bundlebuilder/berrors"
	"bundlebuilder/buildctx"
	"bundlebuilder/fingerprint"
)

// Patch is a local patch file, applied against the module's extracted
// source tree after any archives in the same module.
type Patch struct {
	Path            string
	StripComponents int
	Dest            string
}

func (p *Patch) SubDest() string { return p.Dest }

func (p *Patch) resolved(bctx *buildctx.Context) string {
	return filepath.Join(bctx.BaseDir, filepath.FromSlash(p.Path))
}

// Download verifies the patch file resolves under the base directory and
// exists; patches are local so there's nothing to fetch.
func (p *Patch) Download(ctx context.Context, bctx *buildctx.Context) error {
	full := p.resolved(bctx)
	rel, err := filepath.Rel(bctx.BaseDir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return errors.Reason("patch path %q escapes the base directory", p.Path).Tag(berrors.ConfigInvalid).Err()
	}
	if _, err := os.Stat(full); err != nil {
		return errors.Annotate(err, "patch %q", p.Path).Tag(berrors.NotFound).Err()
	}
	return nil
}

// Extract invokes the system patch utility with cwd = dest.
func (p *Patch) Extract(ctx context.Context, dest string, bctx *buildctx.Context) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return errors.Annotate(err, "creating %s", dest).Err()
	}
	cmd := exec.CommandContext(ctx, "patch",
		"-p"+strconv.Itoa(p.StripComponents),
		"-i", p.resolved(bctx),
	)
	cmd.Dir = dest
	out, err := cmd.CombinedOutput()
	if err != nil {
		logging.Errorf(ctx, "patch output:\n%s", out)
		return berrors.Subprocess(err, "patch")
	}
	return nil
}

func (p *Patch) Digest(acc *fingerprint.Acc, bctx *buildctx.Context) {
	acc.U32(tagPatch).
		U32(fingerprint.SourceV).
		StringVal(p.Path).
		U32(uint32(p.StripComponents)).
		StringVal(p.Dest)

	content, err := ioutil.ReadFile(p.resolved(bctx))
	if err != nil {
		// Path is validated to exist by Download before Digest is ever called
		// in a real build; a missing patch here contributes its absence
		// rather than panicking, so a configuration error still surfaces as a
		// cache-miss rebuild instead of a crash mid-digest.
		acc.Blob(nil)
		return
	}
	acc.Blob(content)
}
