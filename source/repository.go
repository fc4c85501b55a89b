// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package source

import (
	"context"
	"path/filepath"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	git "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/config"

	"bundlebuilder/berrors"
	"bundlebuilder/buildctx"
	"bundlebuilder/fingerprint"
	"bundlebuilder/gitutil"
)

// Repository is a remote git repository, mirrored bare under the
// downloads directory and checked out to a ref at extraction time.
type Repository struct {
	URL    string
	Branch string
	Dest   string
}

func (r *Repository) SubDest() string { return r.Dest }

func (r *Repository) mirrorDir(bctx *buildctx.Context) string {
	return filepath.Join(bctx.DownloadsDir, "git", gitutil.URLSafeName(r.URL))
}

// Download clones a bare mirror of r.URL if it doesn't exist yet,
// otherwise fetches into the existing mirror.
func (r *Repository) Download(ctx context.Context, bctx *buildctx.Context) error {
	mirror := r.mirrorDir(bctx)

	repo, err := git.PlainOpen(mirror)
	if err == git.ErrRepositoryNotExists {
		logging.Infof(ctx, "cloning %s into %s", r.URL, mirror)
		_, err = git.PlainCloneContext(ctx, mirror, true, &git.CloneOptions{
			URL:  r.URL,
			Tags: git.AllTags,
		})
		if err != nil {
			return errors.Annotate(err, "cloning %s", r.URL).Tag(berrors.SourceFetch).Err()
		}
		return nil
	}
	if err != nil {
		return errors.Annotate(err, "opening mirror %s", mirror).Tag(berrors.CacheIO).Err()
	}

	logging.Infof(ctx, "fetching %s into %s", r.URL, mirror)
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{"+refs/*:refs/*"},
		Tags:       git.AllTags,
		Force:      true,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return errors.Annotate(err, "fetching %s", r.URL).Tag(berrors.SourceFetch).Err()
	}
	return nil
}

// Extract resolves r.Branch against the mirror and copies that commit's
// tree into dest.
func (r *Repository) Extract(ctx context.Context, dest string, bctx *buildctx.Context) error {
	mirror := r.mirrorDir(bctx)
	repo, err := git.PlainOpen(mirror)
	if err != nil {
		return errors.Annotate(err, "opening mirror %s", mirror).Tag(berrors.CacheIO).Err()
	}

	commit, err := gitutil.ResolveCommit(repo, r.Branch)
	if err != nil {
		return errors.Annotate(err, "resolving %s in %s", r.Branch, r.URL).Tag(berrors.NotFound).Err()
	}
	tree, err := commit.Tree()
	if err != nil {
		return errors.Annotate(err, "loading tree for %s", commit.Hash).Tag(berrors.CacheIO).Err()
	}

	if err := gitutil.CheckoutTree(tree, dest); err != nil {
		return errors.Annotate(err, "extracting %s@%s", r.URL, r.Branch).Err()
	}
	return nil
}

func (r *Repository) Digest(acc *fingerprint.Acc, bctx *buildctx.Context) {
	acc.U32(tagRepository).
		U32(fingerprint.SourceV).
		StringVal(r.URL).
		StringVal(r.Branch).
		StringVal(r.Dest)
}
