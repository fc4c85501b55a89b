// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package manifest

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	. "go.chromium.org/luci/common/testing/assertions"

	"bundlebuilder/fingerprint"
)

const validManifest = `{
	"app-id": "org.test.Hello",
	"version": "1.0",
	"runtime": "org.test.Runtime",
	"sdk": "org.test.Sdk",
	"modules": [
		{
			"name": "hello",
			"sources": [
				{"type": "archive", "url": "https://example.com/hello.tar.gz", "sha256": "abc"}
			]
		}
	]
}`

func TestParse(t *testing.T) {
	t.Parallel()

	Convey("Parses a well-formed manifest", t, func() {
		m, err := Parse([]byte(validManifest), "/tmp/app.json")
		So(err, ShouldBeNil)
		So(m.AppID, ShouldEqual, "org.test.Hello")
		So(m.Runtime, ShouldEqual, "org.test.Runtime")
		So(m.SDK, ShouldEqual, "org.test.Sdk")
		So(len(m.Modules), ShouldEqual, 1)
		So(m.Modules[0].Name, ShouldEqual, "hello")
	})

	Convey("RuntimeVersion defaults to master", t, func() {
		m, err := Parse([]byte(validManifest), "/tmp/app.json")
		So(err, ShouldBeNil)
		So(m.RuntimeVersion, ShouldEqual, "master")
	})

	Convey("An explicit RuntimeVersion is kept", t, func() {
		body := `{"app-id":"a","runtime":"r","sdk":"s","runtime-version":"21.08","modules":[]}`
		m, err := Parse([]byte(body), "/tmp/app.json")
		So(err, ShouldBeNil)
		So(m.RuntimeVersion, ShouldEqual, "21.08")
	})

	Convey("Rejects missing required fields", t, func() {
		Convey("app-id", func() {
			_, err := Parse([]byte(`{"runtime":"r","sdk":"s"}`), "x")
			So(err, ShouldErrLike, `"app-id" is required`)
		})
		Convey("runtime", func() {
			_, err := Parse([]byte(`{"app-id":"a","sdk":"s"}`), "x")
			So(err, ShouldErrLike, `"runtime" is required`)
		})
		Convey("sdk", func() {
			_, err := Parse([]byte(`{"app-id":"a","runtime":"r"}`), "x")
			So(err, ShouldErrLike, `"sdk" is required`)
		})
	})

	Convey("Rejects malformed JSON", t, func() {
		_, err := Parse([]byte(`not json`), "x")
		So(err, ShouldErrLike, "decoding manifest")
	})

	Convey("Propagates a bad module's error annotated with its index", t, func() {
		body := `{"app-id":"a","runtime":"r","sdk":"s","modules":[{"sources":[]}]}`
		_, err := Parse([]byte(body), "x")
		So(err, ShouldErrLike, "module #1")
	})
}

func TestBranchName(t *testing.T) {
	t.Parallel()

	Convey("BranchName is the manifest file's basename", t, func() {
		m, err := Parse([]byte(validManifest), "/some/dir/hello.json")
		So(err, ShouldBeNil)
		So(m.BranchName(), ShouldEqual, "hello.json")
	})
}

func TestDigest(t *testing.T) {
	t.Parallel()

	Convey("Changing app-id changes the digest", t, func() {
		m1, err := Parse([]byte(validManifest), "x")
		So(err, ShouldBeNil)
		m2, err := Parse([]byte(`{"app-id":"org.test.Other","runtime":"org.test.Runtime","sdk":"org.test.Sdk","modules":[]}`), "x")
		So(err, ShouldBeNil)

		a1 := fingerprint.New()
		m1.Digest(a1)
		a2 := fingerprint.New()
		m2.Digest(a2)
		So(a1.Hex(), ShouldNotEqual, a2.Hex())
	})

	Convey("Digest is deterministic for the same manifest", t, func() {
		m, err := Parse([]byte(validManifest), "x")
		So(err, ShouldBeNil)

		a1 := fingerprint.New()
		m.Digest(a1)
		a2 := fingerprint.New()
		m.Digest(a2)
		So(a1.Hex(), ShouldEqual, a2.Hex())
	})
}
