// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"bundlebuilder/berrors"
	"bundlebuilder/buildctx"
	"bundlebuilder/fingerprint"
)

const maxRedirects = 10

// Archive is a remote tarball verified against a declared SHA-256 digest.
type Archive struct {
	URL             string
	SHA256          string
	StripComponents int
	Dest            string
}

func (a *Archive) SubDest() string { return a.Dest }

func (a *Archive) path(bctx *buildctx.Context) string {
	return filepath.Join(bctx.DownloadsDir, strings.ToLower(a.SHA256), path.Base(a.URL))
}

// Download fetches a.URL, verifying the payload's SHA-256 matches a.SHA256
// before persisting it. A second call against an already-downloaded
// archive is a no-op.
func (a *Archive) Download(ctx context.Context, bctx *buildctx.Context) error {
	dest := a.path(bctx)
	if _, err := os.Stat(dest); err == nil {
		logging.Debugf(ctx, "archive %s already downloaded", a.URL)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errors.Annotate(err, "creating download directory").Tag(berrors.CacheIO).Err()
	}

	logging.Infof(ctx, "fetching %s", a.URL)
	body, err := fetchFollowingRedirects(ctx, bctx, a.URL)
	if err != nil {
		return errors.Annotate(err, "fetching %s", a.URL).Tag(berrors.SourceFetch).Err()
	}
	defer body.Close()

	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Annotate(err, "creating %s", tmp).Tag(berrors.CacheIO).Err()
	}
	h := sha256.New()
	_, copyErr := io.Copy(io.MultiWriter(f, h), body)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(tmp)
		return errors.Annotate(copyErr, "downloading %s", a.URL).Tag(berrors.SourceFetch).Err()
	}
	if closeErr != nil {
		os.Remove(tmp)
		return errors.Annotate(closeErr, "writing %s", tmp).Tag(berrors.CacheIO).Err()
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, a.SHA256) {
		os.Remove(tmp)
		return errors.Reason("sha256 mismatch for %s: got %s, want %s", a.URL, got, a.SHA256).
			Tag(berrors.DigestMismatch).Err()
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return errors.Annotate(err, "finalizing %s", dest).Tag(berrors.CacheIO).Err()
	}

	if fi, err := os.Stat(dest); err == nil {
		logging.Infof(ctx, "fetched %s: %s", a.URL, humanize.Bytes(uint64(fi.Size())))
	}
	return nil
}

// Extract invokes the system tar to unpack the archive into dest,
// stripping a.StripComponents leading path components.
func (a *Archive) Extract(ctx context.Context, dest string, bctx *buildctx.Context) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return errors.Annotate(err, "creating %s", dest).Err()
	}
	cmd := exec.CommandContext(ctx, "tar",
		"-xf", a.path(bctx),
		"--strip-components="+strconv.Itoa(a.StripComponents),
		"-C", dest,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		logging.Errorf(ctx, "tar output:\n%s", out)
		return berrors.Subprocess(err, "tar")
	}
	return nil
}

func (a *Archive) Digest(acc *fingerprint.Acc, bctx *buildctx.Context) {
	acc.U32(tagArchive).
		U32(fingerprint.SourceV).
		StringVal(a.URL).
		StringVal(a.SHA256).
		U32(uint32(a.StripComponents)).
		StringVal(a.Dest)
}

// fetchFollowingRedirects issues a GET against addr, manually following
// redirects (the shared client refuses to do so itself, see
// buildctx.Context.HTTPClient) so each hop's Location is resolved
// relative to the current URL; an absolute Location is followed as given.
func fetchFollowingRedirects(ctx context.Context, bctx *buildctx.Context, addr string) (io.ReadCloser, error) {
	current := addr
	client := bctx.HTTPClient()

	for i := 0; i < maxRedirects; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, errors.Annotate(err, "building request for %s", current).Err()
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, errors.Annotate(err, "requesting %s", current).Err()
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return nil, errors.Reason("redirect from %s has no Location header", current).Err()
			}
			base, err := url.Parse(current)
			if err != nil {
				return nil, errors.Annotate(err, "parsing %s", current).Err()
			}
			ref, err := url.Parse(loc)
			if err != nil {
				return nil, errors.Annotate(err, "parsing redirect target %s", loc).Err()
			}
			current = base.ResolveReference(ref).String()
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, errors.Reason("unexpected status %s fetching %s", resp.Status, current).Err()
		}
		return resp.Body, nil
	}
	return nil, errors.Reason("too many redirects fetching %s", addr).Err()
}
