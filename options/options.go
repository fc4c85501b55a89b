// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package options implements hierarchical build-flag resolution: global,
// per-module, and per-architecture overlays are merged into one
// effective set of compiler flags and environment variables.
package options

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"go.chromium.org/luci/common/errors"

	"bundlebuilder/fingerprint"
)

// EnvVar is one KEY=VALUE environment assignment, preserving the order it
// was declared in the manifest JSON.
type EnvVar struct {
	Key   string
	Value string
}

// String renders the assignment in "KEY=VALUE" form.
func (e EnvVar) String() string { return e.Key + "=" + e.Value }

// Options is one level of flag/environment/arch-overlay configuration.
// It appears at the manifest's global scope, at a module's local scope,
// and (without further nesting) inside an Arch overlay of either.
type Options struct {
	CFlags   *string
	CXXFlags *string
	Env      []EnvVar // nil if the "env" key was absent from the JSON
	Arch     map[string]*Options
}

// jsonShape mirrors Options' JSON schema for the fields that don't need
// special order-preserving treatment.
type jsonShape struct {
	CFlags   *string             `json:"cflags,omitempty"`
	CXXFlags *string             `json:"cxxflags,omitempty"`
	Arch     map[string]*Options `json:"arch,omitempty"`
}

// UnmarshalJSON is hand-rolled (rather than relying on struct-tag
// reflection for the "env" field) because encoding/json decodes JSON
// objects into Go maps, which discards key order — and the manifest
// schema requires environment assignments to keep their declaration
// order so that resolution's "earlier entries winning" rule is
// well-defined. The decoder below walks the "env" object token-by-token
// to recover that order; all other fields delegate to the standard
// struct-tag path.
func (o *Options) UnmarshalJSON(data []byte) error {
	var shape jsonShape
	if err := json.Unmarshal(data, &shape); err != nil {
		return errors.Annotate(err, "bad options object").Err()
	}
	o.CFlags = shape.CFlags
	o.CXXFlags = shape.CXXFlags
	o.Arch = shape.Arch

	var probe struct {
		Env json.RawMessage `json:"env"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return errors.Annotate(err, "bad options object").Err()
	}
	if probe.Env == nil {
		o.Env = nil
		return nil
	}
	env, err := decodeOrderedEnv(probe.Env)
	if err != nil {
		return errors.Annotate(err, "bad `env`").Err()
	}
	o.Env = env
	return nil
}

// decodeOrderedEnv decodes a JSON object of string->string pairs while
// preserving the source order of its keys.
func decodeOrderedEnv(raw json.RawMessage) ([]EnvVar, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected a JSON object")
	}

	out := []EnvVar{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string key")
		}
		var val string
		if err := dec.Decode(&val); err != nil {
			return nil, fmt.Errorf("bad value for %q: %w", key, err)
		}
		out = append(out, EnvVar{Key: key, Value: val})
	}
	return out, nil
}

// overlay returns o.Arch[arch], or nil if o is nil or has no such overlay.
func (o *Options) overlay(arch string) *Options {
	if o == nil || o.Arch == nil {
		return nil
	}
	return o.Arch[arch]
}

// Resolved is the effective, fully-merged configuration for one module
// build at one architecture.
type Resolved struct {
	CFlags   string
	CXXFlags string
	Env      []EnvVar
}

// Resolve implements §4.5: search [module-arch, module-base, global-arch,
// global-base] in order for the first non-null scalar flag, and
// concatenate environment assignments from the same four levels in the
// same order with earlier entries winning on key collision.
func Resolve(global, module *Options, arch string) Resolved {
	levels := []*Options{module.overlay(arch), module, global.overlay(arch), global}

	var r Resolved
	var haveC, haveCXX bool
	for _, lvl := range levels {
		if lvl == nil {
			continue
		}
		if !haveC && lvl.CFlags != nil {
			r.CFlags, haveC = *lvl.CFlags, true
		}
		if !haveCXX && lvl.CXXFlags != nil {
			r.CXXFlags, haveCXX = *lvl.CXXFlags, true
		}
	}

	seen := map[string]bool{}
	for _, lvl := range levels {
		if lvl == nil {
			continue
		}
		for _, e := range lvl.Env {
			if seen[e.Key] {
				continue
			}
			seen[e.Key] = true
			r.Env = append(r.Env, e)
		}
	}
	return r
}

// Strings renders the resolved environment as "KEY=VALUE" strings, with
// CFLAGS/CXXFLAGS appended if they resolved to a non-empty value.
func (r Resolved) Strings() []string {
	out := make([]string, 0, len(r.Env)+2)
	for _, e := range r.Env {
		out = append(out, e.String())
	}
	if r.CFlags != "" {
		out = append(out, "CFLAGS="+r.CFlags)
	}
	if r.CXXFlags != "" {
		out = append(out, "CXXFLAGS="+r.CXXFlags)
	}
	return out
}

// Digest contributes this Options' schema version and fields to acc, per
// §4.1's OPTIONS_V versioning. A presence flag follows the version, so a
// nil receiver (an absent Options section) digests differently from an
// empty Options; after it, a nil receiver contributes every field as
// absent.
func (o *Options) Digest(acc *fingerprint.Acc) {
	acc.U32(fingerprint.OptionsV).Bool(o != nil)
	if o == nil {
		acc.String(nil).String(nil)
		acc.StringList(nil)
		acc.U32(0)
		return
	}
	acc.String(o.CFlags)
	acc.String(o.CXXFlags)

	envStrs := make([]string, 0, len(o.Env))
	for _, e := range o.Env {
		envStrs = append(envStrs, e.String())
	}
	if o.Env == nil {
		acc.StringList(nil)
	} else {
		acc.StringList(envStrs)
	}

	keys := make([]string, 0, len(o.Arch))
	for k := range o.Arch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	acc.U32(uint32(len(keys)))
	for _, k := range keys {
		acc.StringVal(k)
		o.Arch[k].Digest(acc)
	}
}
