// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package source

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"bundlebuilder/berrors"
	"bundlebuilder/buildctx"
	"bundlebuilder/fingerprint"
)

// File is a plain file, either local (resolved under the base directory)
// or fetched over HTTP, copied verbatim into the module's dest.
type File struct {
	Path string
	URL  string
	Dest string
}

func (f *File) SubDest() string { return f.Dest }

func (f *File) downloadedPath(bctx *buildctx.Context) string {
	if f.Path != "" {
		return filepath.Join(bctx.BaseDir, filepath.FromSlash(f.Path))
	}
	return filepath.Join(bctx.DownloadsDir, "file", sanitizeURLName(f.URL))
}

// Download verifies a local path exists under the base directory, or
// fetches a remote URL into the downloads directory if not already
// present there.
func (f *File) Download(ctx context.Context, bctx *buildctx.Context) error {
	if f.Path != "" {
		full := filepath.Join(bctx.BaseDir, filepath.FromSlash(f.Path))
		rel, err := filepath.Rel(bctx.BaseDir, full)
		if err != nil || strings.HasPrefix(rel, "..") {
			return errors.Reason("file path %q escapes the base directory", f.Path).Tag(berrors.ConfigInvalid).Err()
		}
		if _, err := os.Stat(full); err != nil {
			return errors.Annotate(err, "file %q", f.Path).Tag(berrors.NotFound).Err()
		}
		return nil
	}

	dest := f.downloadedPath(bctx)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errors.Annotate(err, "creating download directory").Tag(berrors.CacheIO).Err()
	}

	logging.Infof(ctx, "fetching %s", f.URL)
	body, err := fetchFollowingRedirects(ctx, bctx, f.URL)
	if err != nil {
		return errors.Annotate(err, "fetching %s", f.URL).Tag(berrors.SourceFetch).Err()
	}
	defer body.Close()

	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return errors.Annotate(err, "creating %s", tmp).Tag(berrors.CacheIO).Err()
	}
	_, copyErr := io.Copy(out, body)
	closeErr := out.Close()
	if copyErr != nil {
		os.Remove(tmp)
		return errors.Annotate(copyErr, "downloading %s", f.URL).Tag(berrors.SourceFetch).Err()
	}
	if closeErr != nil {
		os.Remove(tmp)
		return errors.Annotate(closeErr, "writing %s", tmp).Tag(berrors.CacheIO).Err()
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return errors.Annotate(err, "finalizing %s", dest).Tag(berrors.CacheIO).Err()
	}
	return nil
}

// Extract copies the resolved file into dest, which already includes any
// SubDest.
func (f *File) Extract(ctx context.Context, dest string, bctx *buildctx.Context) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return errors.Annotate(err, "creating %s", dest).Err()
	}

	src := f.downloadedPath(bctx)
	name := path.Base(f.Path)
	if f.Path == "" {
		name = path.Base(f.URL)
	}
	target := filepath.Join(dest, name)

	in, err := os.Open(src)
	if err != nil {
		return errors.Annotate(err, "opening %s", src).Tag(berrors.NotFound).Err()
	}
	defer in.Close()
	out, err := os.Create(target)
	if err != nil {
		return errors.Annotate(err, "creating %s", target).Err()
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return errors.Annotate(err, "copying to %s", target).Err()
	}
	return nil
}

func (f *File) Digest(acc *fingerprint.Acc, bctx *buildctx.Context) {
	acc.U32(tagFile).
		U32(fingerprint.SourceV).
		StringVal(f.Path).
		StringVal(f.URL).
		StringVal(f.Dest)
}

func sanitizeURLName(u string) string {
	replacer := strings.NewReplacer("://", "_", "/", "_", "?", "_", "&", "_")
	return replacer.Replace(u)
}
