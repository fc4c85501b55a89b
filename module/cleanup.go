// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package module

import (
	"os"
	"path/filepath"
	"strings"

	"go.chromium.org/luci/common/errors"
	"gopkg.in/src-d/go-git.v4/plumbing/format/gitignore"
)

// applyCleanup removes files and directories under stagingDir that match
// any of the given gitignore-style glob patterns. Restores a feature
// present in the original builder's module implementation but missing
// from the minimal source → sink build pipeline described in the core
// spec: letting a module discard build-time-only artifacts (headers,
// static libs, man pages) it installed into /app before the cache
// snapshots the tree.
func applyCleanup(stagingDir string, patterns []string) error {
	if len(patterns) == 0 {
		return nil
	}

	compiled := make([]gitignore.Pattern, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, gitignore.ParsePattern(p, nil))
	}
	matcher := gitignore.NewMatcher(compiled)

	var toRemove []string
	err := filepath.Walk(stagingDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == stagingDir {
			return nil
		}
		rel, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if matcher.Match(parts, info.IsDir()) {
			toRemove = append(toRemove, path)
			if info.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return errors.Annotate(err, "walking %s", stagingDir).Err()
	}

	for _, path := range toRemove {
		if err := os.RemoveAll(path); err != nil {
			return errors.Annotate(err, "removing %s", path).Err()
		}
	}
	return nil
}
