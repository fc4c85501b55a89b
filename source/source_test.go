// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package source

import (
	"encoding/json"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	. "go.chromium.org/luci/common/testing/assertions"

	"bundlebuilder/buildctx"
	"bundlebuilder/fingerprint"
)

func raw(t *testing.T, body string) json.RawMessage {
	t.Helper()
	return json.RawMessage(body)
}

func TestParse(t *testing.T) {
	t.Parallel()

	Convey("Dispatches on type", t, func() {
		Convey("archive", func() {
			s, err := Parse(raw(t, `{"type":"archive","url":"https://x/y.tar.gz","sha256":"DEAD"}`))
			So(err, ShouldBeNil)
			a, ok := s.(*Archive)
			So(ok, ShouldBeTrue)
			So(a.URL, ShouldEqual, "https://x/y.tar.gz")
			So(a.SHA256, ShouldEqual, "DEAD")
			So(a.StripComponents, ShouldEqual, 1)
		})

		Convey("archive honors an explicit strip-components of 0", func() {
			s, err := Parse(raw(t, `{"type":"archive","url":"https://x/y.tar.gz","sha256":"DEAD","strip-components":0}`))
			So(err, ShouldBeNil)
			So(s.(*Archive).StripComponents, ShouldEqual, 0)
		})

		Convey("patch", func() {
			s, err := Parse(raw(t, `{"type":"patch","path":"fix.patch"}`))
			So(err, ShouldBeNil)
			p, ok := s.(*Patch)
			So(ok, ShouldBeTrue)
			So(p.Path, ShouldEqual, "fix.patch")
			So(p.StripComponents, ShouldEqual, 1)
		})

		Convey("git defaults branch to master", func() {
			s, err := Parse(raw(t, `{"type":"git","url":"https://x/repo.git"}`))
			So(err, ShouldBeNil)
			r, ok := s.(*Repository)
			So(ok, ShouldBeTrue)
			So(r.Branch, ShouldEqual, "master")
		})

		Convey("git keeps a declared branch", func() {
			s, err := Parse(raw(t, `{"type":"git","url":"https://x/repo.git","branch":"release"}`))
			So(err, ShouldBeNil)
			So(s.(*Repository).Branch, ShouldEqual, "release")
		})

		Convey("file by path", func() {
			s, err := Parse(raw(t, `{"type":"file","path":"local.txt"}`))
			So(err, ShouldBeNil)
			f, ok := s.(*File)
			So(ok, ShouldBeTrue)
			So(f.Path, ShouldEqual, "local.txt")
		})

		Convey("unrecognized type", func() {
			_, err := Parse(raw(t, `{"type":"zip"}`))
			So(err, ShouldErrLike, `unrecognized source type "zip"`)
		})
	})

	Convey("Validates required per-kind fields", t, func() {
		Convey("archive needs url and sha256", func() {
			_, err := Parse(raw(t, `{"type":"archive","url":"https://x/y.tar.gz"}`))
			So(err, ShouldErrLike, "requires url and sha256")
		})
		Convey("patch needs path", func() {
			_, err := Parse(raw(t, `{"type":"patch"}`))
			So(err, ShouldErrLike, "requires path")
		})
		Convey("git needs url", func() {
			_, err := Parse(raw(t, `{"type":"git"}`))
			So(err, ShouldErrLike, "requires url")
		})
		Convey("file needs path or url", func() {
			_, err := Parse(raw(t, `{"type":"file"}`))
			So(err, ShouldErrLike, "requires path or url")
		})
	})

	Convey("ParseAll preserves declared order", t, func() {
		srcs, err := ParseAll([]json.RawMessage{
			raw(t, `{"type":"archive","url":"https://x/a.tar.gz","sha256":"A"}`),
			raw(t, `{"type":"patch","path":"b.patch"}`),
		})
		So(err, ShouldBeNil)
		So(len(srcs), ShouldEqual, 2)
		_, isArchive := srcs[0].(*Archive)
		_, isPatch := srcs[1].(*Patch)
		So(isArchive, ShouldBeTrue)
		So(isPatch, ShouldBeTrue)
	})
}

func TestDigestDiscrimination(t *testing.T) {
	t.Parallel()

	bctx := buildctx.New(t.TempDir(), t.TempDir(), "amd64")

	digestOf := func(s Source) string {
		acc := fingerprint.New()
		s.Digest(acc, bctx)
		return acc.Hex()
	}

	Convey("Same field values across kinds never collide", t, func() {
		archive := digestOf(&Archive{URL: "x", SHA256: "y", StripComponents: 1, Dest: "d"})
		repo := digestOf(&Repository{URL: "x", Branch: "y", Dest: "d"})
		file := digestOf(&File{Path: "x", URL: "y", Dest: "d"})
		all := []string{archive, repo, file}
		for i := range all {
			for j := range all {
				if i != j {
					So(all[i], ShouldNotEqual, all[j])
				}
			}
		}
	})

	Convey("Differing strip-components changes the digest", t, func() {
		a1 := digestOf(&Archive{URL: "x", SHA256: "y", StripComponents: 1})
		a2 := digestOf(&Archive{URL: "x", SHA256: "y", StripComponents: 2})
		So(a1, ShouldNotEqual, a2)
	})
}
