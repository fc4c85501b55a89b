// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package driver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	. "go.chromium.org/luci/common/testing/assertions"
)

// These exercise Run's early-exit paths, which fail before any external
// sandbox tooling or network access would be needed — the parts of §4.6
// that don't require a live bundle-runtime binary on PATH.

func TestRunRejectsMissingManifest(t *testing.T) {
	t.Parallel()

	Convey("A manifest path that doesn't exist is a fatal error", t, func() {
		dir := t.TempDir()
		err := Run(context.Background(), Options{
			StagingDir:   filepath.Join(dir, "staging"),
			ManifestPath: filepath.Join(dir, "does-not-exist.json"),
		})
		So(err, ShouldErrLike, "reading manifest")
	})
}

func TestRunRejectsInvalidManifest(t *testing.T) {
	t.Parallel()

	Convey("A manifest missing required fields is a fatal error", t, func() {
		dir := t.TempDir()
		manifestPath := filepath.Join(dir, "app.json")
		if err := os.WriteFile(manifestPath, []byte(`{"runtime":"r","sdk":"s"}`), 0644); err != nil {
			t.Fatal(err)
		}
		err := Run(context.Background(), Options{
			StagingDir:   filepath.Join(dir, "staging"),
			ManifestPath: manifestPath,
		})
		So(err, ShouldErrLike, `"app-id" is required`)
	})
}
