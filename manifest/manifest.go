// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package manifest defines the structure of the JSON file describing what
// to build: application identity, target runtime/SDK, global options, and
// an ordered list of modules.
package manifest

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"path/filepath"

	"go.chromium.org/luci/common/errors"

	"bundlebuilder/berrors"
	"bundlebuilder/buildctx"
	"bundlebuilder/fingerprint"
	"bundlebuilder/module"
	"bundlebuilder/options"
)

// Manifest is the whole-recipe root object.
type Manifest struct {
	// AppID is the application's reverse-DNS identifier, required.
	AppID string

	// Version is an optional human-readable version string.
	Version string

	// Runtime is the required runtime identifier this application targets.
	Runtime string

	// RuntimeVersion defaults to "master" when absent from the JSON.
	RuntimeVersion string

	// SDK is the required SDK identifier.
	SDK string

	// Options is the manifest's global build-options, nil if absent.
	Options *options.Options

	// Modules is the ordered list of modules to build.
	Modules []*module.Module

	// Path is the filesystem path this manifest was loaded from.
	Path string
}

// wireManifest is the literal on-disk JSON shape (§6).
type wireManifest struct {
	AppID          string            `json:"app-id"`
	Version        string            `json:"version"`
	Runtime        string            `json:"runtime"`
	RuntimeVersion string            `json:"runtime-version"`
	SDK            string            `json:"sdk"`
	BuildOptions   *options.Options  `json:"build-options"`
	Modules        []json.RawMessage `json:"modules"`
}

// Load reads and parses the manifest at path, validating that app-id,
// runtime, and sdk are all non-empty. RuntimeVersion defaults to "master".
func Load(path string) (*Manifest, error) {
	body, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading manifest").Tag(berrors.ConfigInvalid).Err()
	}
	return Parse(body, path)
}

// Parse decodes body into a Manifest, as if loaded from path (used as the
// branch name in the cache; relative source paths resolve against the
// build context's base directory, not this path).
func Parse(body []byte, path string) (*Manifest, error) {
	var w wireManifest
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, errors.Annotate(err, "decoding manifest").Tag(berrors.ConfigInvalid).Err()
	}

	m := &Manifest{
		AppID:          w.AppID,
		Version:        w.Version,
		Runtime:        w.Runtime,
		RuntimeVersion: w.RuntimeVersion,
		SDK:            w.SDK,
		Options:        w.BuildOptions,
		Path:           path,
	}
	if m.RuntimeVersion == "" {
		m.RuntimeVersion = "master"
	}

	if err := m.validate(); err != nil {
		return nil, err
	}

	m.Modules = make([]*module.Module, len(w.Modules))
	for i, raw := range w.Modules {
		mod, err := module.Parse(raw)
		if err != nil {
			return nil, errors.Annotate(err, "module #%d", i+1).Err()
		}
		m.Modules[i] = mod
	}
	return m, nil
}

func (m *Manifest) validate() error {
	switch {
	case m.AppID == "":
		return errors.Reason(`manifest: "app-id" is required`).Tag(berrors.ConfigInvalid).Err()
	case m.Runtime == "":
		return errors.Reason(`manifest: "runtime" is required`).Tag(berrors.ConfigInvalid).Err()
	case m.SDK == "":
		return errors.Reason(`manifest: "sdk" is required`).Tag(berrors.ConfigInvalid).Err()
	}
	return nil
}

// BranchName is the cache branch derived from this manifest's basename
// (§4.6 step 6).
func (m *Manifest) BranchName() string {
	return filepath.Base(m.Path)
}

// Digest contributes the manifest-level fields (§4.6 step 7): schema
// version, app id, runtime, runtime version, sdk, and global options.
// Per-module digests are contributed separately by the driver as it
// iterates modules, extending the same accumulator.
func (m *Manifest) Digest(acc *fingerprint.Acc) {
	acc.U32(fingerprint.ManifestV).
		StringVal(m.AppID).
		StringVal(m.Runtime).
		StringVal(m.RuntimeVersion).
		StringVal(m.SDK)
	m.Options.Digest(acc)
}

// Download acquires every module's sources, bottom-up, verifying archive
// digests as it goes (§4.6 step 5).
func (m *Manifest) Download(ctx context.Context, bctx *buildctx.Context) error {
	for _, mod := range m.Modules {
		if err := mod.Download(ctx, bctx); err != nil {
			return errors.Annotate(err, "module %q", mod.Name).Err()
		}
	}
	return nil
}
