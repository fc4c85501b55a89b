// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package source implements the per-kind source variants a module pulls
// its inputs from: remote archive, local patch, remote repository, or a
// plain file. Each is a small closed case in a tagged union dispatched on
// the JSON "type" field, mirroring the way the rest of this codebase
// models a disjoint set of step kinds as one struct with a resolved
// concrete implementation rather than an open class hierarchy.
package source

import (
	"context"
	"encoding/json"

	"go.chromium.org/luci/common/errors"

	"bundlebuilder/berrors"
	"bundlebuilder/buildctx"
	"bundlebuilder/fingerprint"
)

// Source is implemented by each of the four source kinds.
type Source interface {
	// Download acquires (and for archives, verifies) the source. Remote
	// archives and files are persisted under the build context's download
	// directory and a second call finds them there and does no network
	// I/O; a repository's mirror is fetched into again on every call; local
	// patches and files are only checked to exist.
	Download(ctx context.Context, bctx *buildctx.Context) error

	// Extract materializes the source into dest. The caller has already
	// joined this source's SubDest onto dest; Extract does not read it.
	Extract(ctx context.Context, dest string, bctx *buildctx.Context) error

	// Digest contributes this source's build-affecting fields to acc. Takes
	// bctx because the patch variant's digest includes its file content,
	// which is only resolvable relative to the base directory.
	Digest(acc *fingerprint.Acc, bctx *buildctx.Context)

	// SubDest is the optional subdirectory, relative to dest, this source
	// should be extracted into. Empty means dest itself.
	SubDest() string
}

// Kind discriminators, matching the manifest JSON schema's "type" field.
const (
	kindArchive    = "archive"
	kindPatch      = "patch"
	kindRepository = "git"
	kindFile       = "file"

	// Tags written ahead of each variant's digest contribution so that an
	// archive and a file with coincidentally equal field values never
	// collide.
	tagArchive    uint32 = 1
	tagPatch      uint32 = 2
	tagRepository uint32 = 3
	tagFile       uint32 = 4
)

// wireSource is the literal shape of one entry in the manifest's
// "sources" list, covering every per-type field needed to dispatch into a
// concrete Source. Hand-rolled rather than bound through per-kind structs
// decoded via a discriminator-aware json.Unmarshaler, matching this
// codebase's preference for explicit schema mapping over reflection.
type wireSource struct {
	Type            string `json:"type"`
	Dest            string `json:"dest"`
	URL             string `json:"url"`
	SHA256          string `json:"sha256"`
	StripComponents *int   `json:"strip-components"`
	Path            string `json:"path"`
	Branch          string `json:"branch"`
}

// Parse decodes one manifest source entry into its concrete Source.
func Parse(data json.RawMessage) (Source, error) {
	var w wireSource
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Annotate(err, "decoding source").Tag(berrors.ConfigInvalid).Err()
	}

	strip := 1
	if w.StripComponents != nil {
		strip = *w.StripComponents
	}

	switch w.Type {
	case kindArchive:
		if w.URL == "" || w.SHA256 == "" {
			return nil, errors.Reason("archive source requires url and sha256").Tag(berrors.ConfigInvalid).Err()
		}
		return &Archive{URL: w.URL, SHA256: w.SHA256, StripComponents: strip, Dest: w.Dest}, nil
	case kindPatch:
		if w.Path == "" {
			return nil, errors.Reason("patch source requires path").Tag(berrors.ConfigInvalid).Err()
		}
		return &Patch{Path: w.Path, StripComponents: strip, Dest: w.Dest}, nil
	case kindRepository:
		if w.URL == "" {
			return nil, errors.Reason("git source requires url").Tag(berrors.ConfigInvalid).Err()
		}
		branch := w.Branch
		if branch == "" {
			branch = "master"
		}
		return &Repository{URL: w.URL, Branch: branch, Dest: w.Dest}, nil
	case kindFile:
		if w.Path == "" && w.URL == "" {
			return nil, errors.Reason("file source requires path or url").Tag(berrors.ConfigInvalid).Err()
		}
		return &File{Path: w.Path, URL: w.URL, Dest: w.Dest}, nil
	default:
		return nil, errors.Reason("unrecognized source type %q", w.Type).Tag(berrors.ConfigInvalid).Err()
	}
}

// ParseAll decodes a manifest's "sources" array, preserving declared order
// (extraction is order-sensitive: patches apply after archives).
func ParseAll(raws []json.RawMessage) ([]Source, error) {
	out := make([]Source, len(raws))
	for i, raw := range raws {
		s, err := Parse(raw)
		if err != nil {
			return nil, errors.Annotate(err, "source #%d", i+1).Err()
		}
		out[i] = s
	}
	return out, nil
}
