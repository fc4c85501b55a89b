// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package module

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	. "go.chromium.org/luci/common/testing/assertions"

	"bundlebuilder/buildctx"
	"bundlebuilder/fingerprint"
)

func TestParse(t *testing.T) {
	t.Parallel()

	Convey("Decodes a well-formed module", t, func() {
		m, err := Parse(json.RawMessage(`{
			"name": "zlib",
			"sources": [{"type":"archive","url":"https://x/zlib.tar.gz","sha256":"abc"}],
			"config-opts": ["--static"],
			"rm-configure": true,
			"cleanup": ["/share/man"]
		}`))
		So(err, ShouldBeNil)
		So(m.Name, ShouldEqual, "zlib")
		So(len(m.Sources), ShouldEqual, 1)
		So(m.ConfigOpts, ShouldResemble, []string{"--static"})
		So(m.RmConfigure, ShouldBeTrue)
		So(m.Cleanup, ShouldResemble, []string{"/share/man"})
	})

	Convey("Requires a name", t, func() {
		_, err := Parse(json.RawMessage(`{"sources": []}`))
		So(err, ShouldErrLike, `"name" is required`)
	})

	Convey("Propagates a bad source's error", t, func() {
		_, err := Parse(json.RawMessage(`{"name":"x","sources":[{"type":"bogus"}]}`))
		So(err, ShouldErrLike, `module "x"`)
	})
}

func TestDigest(t *testing.T) {
	t.Parallel()

	bctx := buildctx.New(t.TempDir(), t.TempDir(), "amd64")

	digestOf := func(body string) string {
		m, err := Parse(json.RawMessage(body))
		if err != nil {
			t.Fatal(err)
		}
		acc := fingerprint.New()
		m.Digest(acc, bctx)
		return acc.Hex()
	}

	Convey("Changing make-args changes the digest", t, func() {
		a := digestOf(`{"name":"x","sources":[],"make-args":["-k"]}`)
		b := digestOf(`{"name":"x","sources":[],"make-args":["-j1"]}`)
		So(a, ShouldNotEqual, b)
	})

	Convey("Toggling no-autogen changes the digest", t, func() {
		a := digestOf(`{"name":"x","sources":[]}`)
		b := digestOf(`{"name":"x","sources":[],"no-autogen":true}`)
		So(a, ShouldNotEqual, b)
	})

	Convey("Changing cleanup patterns changes the digest", t, func() {
		a := digestOf(`{"name":"x","sources":[]}`)
		b := digestOf(`{"name":"x","sources":[],"cleanup":["/share/man"]}`)
		So(a, ShouldNotEqual, b)
	})

	Convey("Changing module-local build-options changes the digest", t, func() {
		a := digestOf(`{"name":"x","sources":[]}`)
		b := digestOf(`{"name":"x","sources":[],"build-options":{"cflags":"-O2"}}`)
		So(a, ShouldNotEqual, b)
	})
}

func TestFindFirstExisting(t *testing.T) {
	t.Parallel()

	Convey("Returns the first candidate present in dir", t, func() {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "GNUmakefile"), nil, 0644); err != nil {
			t.Fatal(err)
		}
		got, err := findFirstExisting(dir, makefileCandidates)
		So(err, ShouldBeNil)
		So(got, ShouldEqual, "GNUmakefile")
	})

	Convey("Errors naming all candidates when none exist", t, func() {
		_, err := findFirstExisting(t.TempDir(), autogenCandidates)
		So(err, ShouldErrLike, "autogen, autogen.sh, bootstrap")
	})
}

func TestHasNotParallel(t *testing.T) {
	t.Parallel()

	Convey("Detects a leading directive", t, func() {
		So(hasNotParallel(".NOTPARALLEL:\nall:\n"), ShouldBeTrue)
	})
	Convey("Detects a directive mid-file", t, func() {
		So(hasNotParallel("all:\n\t@echo hi\n.NOTPARALLEL:\n"), ShouldBeTrue)
	})
	Convey("Absent by default", t, func() {
		So(hasNotParallel("all:\n\t@echo hi\n"), ShouldBeFalse)
	})
}
