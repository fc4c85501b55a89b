// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package gitutil holds the small pieces of gopkg.in/src-d/go-git.v4
// plumbing shared between the cache (which snapshots the staging tree
// into commits) and the repository source variant (which materializes a
// resolved ref out of a cloned mirror).
package gitutil

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.chromium.org/luci/common/errors"
	git "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/filemode"
	"gopkg.in/src-d/go-git.v4/plumbing/object"
)

var unsafeNameRE = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// URLSafeName turns a repository URL into a directory-safe name, used to
// lay out bare mirrors under downloads/git/<name> so that repeated builds
// referencing the same URL reuse one mirror instead of re-cloning.
func URLSafeName(url string) string {
	name := unsafeNameRE.ReplaceAllString(url, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "repo"
	}
	return name
}

// ResolveCommit resolves a ref (branch name, tag, full ref, or commit
// hash) against repo and returns the commit it points at.
func ResolveCommit(repo *git.Repository, ref string) (*object.Commit, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, errors.Annotate(err, "resolving ref %q", ref).Err()
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, errors.Annotate(err, "loading commit %s", hash).Err()
	}
	return commit, nil
}

// CheckoutTree materializes every blob reachable from tree into destDir,
// preserving the regular/executable/symlink distinction git tracks.
// Unlike a Worktree.Checkout, destDir need not be (and usually isn't) the
// worktree of the repository tree belongs to: this just copies content
// out, which is what extracting a repository source into a module's
// scratch build directory needs.
func CheckoutTree(tree *object.Tree, destDir string) error {
	return tree.Files().ForEach(func(f *object.File) error {
		full := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return err
		}

		rc, err := f.Reader()
		if err != nil {
			return errors.Annotate(err, "reading %s", f.Name).Err()
		}
		defer rc.Close()

		if f.Mode == filemode.Symlink {
			target, err := io.ReadAll(rc)
			if err != nil {
				return errors.Annotate(err, "reading symlink %s", f.Name).Err()
			}
			return os.Symlink(string(target), full)
		}

		perm := os.FileMode(0644)
		if f.Mode == filemode.Executable {
			perm = 0755
		}
		out, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
		if err != nil {
			return errors.Annotate(err, "creating %s", full).Err()
		}
		defer out.Close()
		if _, err := io.Copy(out, rc); err != nil {
			return errors.Annotate(err, "writing %s", full).Err()
		}
		return nil
	})
}

// Subject returns the first line of a git commit message, the convention
// this package relies on for storing a fingerprint hex digest as a
// commit's identity.
func Subject(message string) string {
	if idx := strings.IndexByte(message, '\n'); idx >= 0 {
		return message[:idx]
	}
	return message
}
