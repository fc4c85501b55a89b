// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package options

import (
	"encoding/json"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"bundlebuilder/fingerprint"
)

func strp(s string) *string { return &s }

func TestUnmarshalJSON(t *testing.T) {
	t.Parallel()

	Convey("Preserves env declaration order", t, func() {
		var o Options
		err := json.Unmarshal([]byte(`{"env":{"B":"2","A":"1","C":"3"}}`), &o)
		So(err, ShouldBeNil)
		So(o.Env, ShouldResemble, []EnvVar{{"B", "2"}, {"A", "1"}, {"C", "3"}})
	})

	Convey("Absent env is nil, not empty", t, func() {
		var o Options
		err := json.Unmarshal([]byte(`{"cflags":"-O2"}`), &o)
		So(err, ShouldBeNil)
		So(o.Env, ShouldBeNil)
		So(*o.CFlags, ShouldEqual, "-O2")
	})

	Convey("Decodes nested arch overlays", t, func() {
		var o Options
		err := json.Unmarshal([]byte(`{"arch":{"arm":{"cflags":"-mfpu=neon"}}}`), &o)
		So(err, ShouldBeNil)
		So(*o.Arch["arm"].CFlags, ShouldEqual, "-mfpu=neon")
	})
}

func TestResolve(t *testing.T) {
	t.Parallel()

	Convey("Module-arch overlay wins over module, global-arch, and global", t, func() {
		global := &Options{CFlags: strp("-global")}
		module := &Options{
			CFlags: strp("-module"),
			Arch: map[string]*Options{
				"arm": {CFlags: strp("-module-arm")},
			},
		}
		r := Resolve(global, module, "arm")
		So(r.CFlags, ShouldEqual, "-module-arm")
	})

	Convey("Falls through to global when module declares nothing", t, func() {
		global := &Options{CFlags: strp("-global")}
		r := Resolve(global, nil, "arm")
		So(r.CFlags, ShouldEqual, "-global")
	})

	Convey("Env assignments concatenate with earlier levels winning", t, func() {
		global := &Options{Env: []EnvVar{{"A", "global-a"}, {"B", "global-b"}}}
		module := &Options{Env: []EnvVar{{"A", "module-a"}}}
		r := Resolve(global, module, "amd64")
		So(r.Env, ShouldResemble, []EnvVar{{"A", "module-a"}, {"B", "global-b"}})
	})

	Convey("A nil global and nil module resolve to zero values", t, func() {
		r := Resolve(nil, nil, "amd64")
		So(r.CFlags, ShouldEqual, "")
		So(r.Env, ShouldBeNil)
	})
}

func TestStrings(t *testing.T) {
	t.Parallel()

	Convey("Appends CFLAGS/CXXFLAGS after env assignments", t, func() {
		r := Resolved{
			Env:      []EnvVar{{"FOO", "bar"}},
			CFlags:   "-O2",
			CXXFlags: "-std=c++17",
		}
		So(r.Strings(), ShouldResemble, []string{"FOO=bar", "CFLAGS=-O2", "CXXFLAGS=-std=c++17"})
	})
}

func TestDigest(t *testing.T) {
	t.Parallel()

	Convey("A nil Options digests distinctly from an empty one", t, func() {
		a := fingerprint.New()
		(*Options)(nil).Digest(a)

		b := fingerprint.New()
		(&Options{}).Digest(b)

		So(a.Hex(), ShouldNotEqual, b.Hex())
	})

	Convey("Arch overlays are digested in sorted key order regardless of map iteration", t, func() {
		o := &Options{Arch: map[string]*Options{
			"arm":   {CFlags: strp("-arm")},
			"amd64": {CFlags: strp("-amd64")},
		}}
		a := fingerprint.New()
		o.Digest(a)
		b := fingerprint.New()
		o.Digest(b)
		So(a.Hex(), ShouldEqual, b.Hex())
	})
}
