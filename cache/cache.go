// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package cache implements the content-addressed build cache: an
// append-only commit graph, one branch per manifest, where each commit's
// subject line is the hex fingerprint it was taken at and the tree is a
// full snapshot of the staging directory at that point.
//
// The object store is a real git repository (gopkg.in/src-d/go-git.v4),
// with its object database rooted at .buildcache and its worktree
// pointed directly at the staging directory being built — go-git
// supports exactly this "separate git-dir from work-tree" split via
// Open/Init taking a storage.Storer and a billy.Filesystem independently.
// Reusing a real commit graph for this, rather than hand-rolling a
// tarball-keyed store, gets parent-chain lookup, ancestor checkout, and
// atomic ref advancement for free from a library already in the stack.
package cache

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	git "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/cache"
	"gopkg.in/src-d/go-git.v4/plumbing/object"
	"gopkg.in/src-d/go-git.v4/storage/filesystem"

	billyosfs "gopkg.in/src-d/go-billy.v4/osfs"

	"bundlebuilder/berrors"
	"bundlebuilder/gitutil"
)

// State is the monotone lookup state machine of §4.2/§8: once a run sees
// a miss, every subsequent Lookup call on the same Cache reports a miss,
// regardless of whether a later module's digest would otherwise have
// matched an older, now-divergent commit further down the graph.
type State int

const (
	StateFresh State = iota
	StateHit
	StateMiss
)

// Cache is the cache for a single manifest within a single driver run. It
// is not safe for concurrent use; the driver owns it serially.
type Cache struct {
	repo   *git.Repository
	branch plumbing.ReferenceName

	state    State
	disabled bool

	lastParent plumbing.Hash
	hasParent  bool

	unlock func() error
}

// Open creates the .buildcache store under baseDir if absent, points its
// worktree at stagingDir, and selects the branch for manifestBasename.
// The returned Cache starts in StateFresh with no known parent.
func Open(ctx context.Context, baseDir, stagingDir, manifestBasename string) (*Cache, error) {
	cacheDir := filepath.Join(baseDir, ".buildcache")
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, errors.Annotate(err, "creating %s", cacheDir).Tag(berrors.CacheIO).Err()
	}
	unlock, err := lockFS(ctx, filepath.Join(cacheDir, "lock"), 5*time.Minute)
	if err != nil {
		return nil, errors.Annotate(err, "acquiring build cache lock").Tag(berrors.CacheIO).Err()
	}

	storerFS := billyosfs.New(cacheDir)
	worktreeFS := billyosfs.New(stagingDir)
	storer := filesystem.NewStorage(storerFS, cache.NewObjectLRUDefault())

	repo, err := git.Open(storer, worktreeFS)
	if err == git.ErrRepositoryNotExists {
		repo, err = git.Init(storer, worktreeFS)
	}
	if err != nil {
		unlock()
		return nil, errors.Annotate(err, "opening build cache at %s", cacheDir).Tag(berrors.CacheIO).Err()
	}

	branch := plumbing.NewBranchReferenceName(manifestBasename)
	if err := storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branch)); err != nil {
		unlock()
		return nil, errors.Annotate(err, "pointing HEAD at %s", branch).Tag(berrors.CacheIO).Err()
	}

	return &Cache{
		repo:   repo,
		branch: branch,
		state:  StateFresh,
		unlock: unlock,
	}, nil
}

// Close releases the filesystem lock taken by Open. It does not close the
// underlying repository handle; go-git holds no OS resources beyond what
// the filesystem abstraction already manages.
func (c *Cache) Close() error {
	if c.unlock == nil {
		return nil
	}
	return c.unlock()
}

// DisableLookups forces every subsequent Lookup call to report a miss,
// without checking anything out: used by --disable-cache to force a full
// rebuild while still letting the run commit each step's result.
func (c *Cache) DisableLookups() {
	c.disabled = true
}

// State reports the cache's current position in the monotone state
// machine.
func (c *Cache) State() State {
	if c.disabled {
		return StateMiss
	}
	return c.state
}

// Lookup reports whether hexDigest matches some commit reachable from the
// manifest's branch tip by walking first-parent ancestry. The first match
// found scanning from the tip backward wins.
//
// On a miss, if a match was found earlier in this same run (hasParent),
// the last-known matching ancestor is checked out into the staging
// directory, discarding any partial work done past that point. On the
// very first miss of a run, with no earlier match to fall back on,
// nothing is checked out and the caller is expected to populate the
// staging directory from scratch.
func (c *Cache) Lookup(ctx context.Context, hexDigest string) (bool, error) {
	if c.disabled || c.state == StateMiss {
		return false, nil
	}

	ref, err := c.repo.Reference(c.branch, true)
	switch {
	case err == plumbing.ErrReferenceNotFound:
		c.state = StateMiss
		return false, nil
	case err != nil:
		return false, errors.Annotate(err, "resolving %s", c.branch).Tag(berrors.CacheIO).Err()
	}

	commit, err := c.repo.CommitObject(ref.Hash())
	if err != nil {
		return false, errors.Annotate(err, "loading commit %s", ref.Hash()).Tag(berrors.CacheIO).Err()
	}

	for {
		if gitutil.Subject(commit.Message) == hexDigest {
			c.lastParent = commit.Hash
			c.hasParent = true
			c.state = StateHit
			return true, nil
		}
		if commit.NumParents() == 0 {
			break
		}
		commit, err = commit.Parent(0)
		if err != nil {
			return false, errors.Annotate(err, "walking parent chain").Tag(berrors.CacheIO).Err()
		}
	}

	c.state = StateMiss
	if c.hasParent {
		logging.Infof(ctx, "cache miss on %s, restoring last matching ancestor %s", hexDigest, c.lastParent)
		wt, err := c.repo.Worktree()
		if err != nil {
			return false, errors.Annotate(err, "opening worktree").Tag(berrors.CacheIO).Err()
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: c.lastParent, Force: true}); err != nil {
			return false, errors.Annotate(err, "checking out %s", c.lastParent).Tag(berrors.CacheIO).Err()
		}
		// Checkout leaves HEAD detached at the restored commit; point it
		// back at the manifest's branch so the next Commit advances it
		// rather than creating a detached, unreferenced commit.
		if err := c.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, c.branch)); err != nil {
			return false, errors.Annotate(err, "re-pointing HEAD at %s", c.branch).Tag(berrors.CacheIO).Err()
		}
	}
	return false, nil
}

// Commit snapshots the current staging directory as a new commit whose
// subject is subject and whose body is body, parented on the last-known
// matching ancestor, and advances the branch to it. When this run has no
// known ancestor yet, go-git parents the commit on the branch's current
// tip; only the very first commit of a branch is rootless. Legal in both
// StateHit and StateMiss.
func (c *Cache) Commit(ctx context.Context, subject, body string) error {
	wt, err := c.repo.Worktree()
	if err != nil {
		return errors.Annotate(err, "opening worktree").Tag(berrors.CacheIO).Err()
	}
	if _, err := wt.Add("."); err != nil {
		return errors.Annotate(err, "staging build output").Tag(berrors.CacheIO).Err()
	}

	var parents []plumbing.Hash
	if c.hasParent {
		parents = []plumbing.Hash{c.lastParent}
	}

	message := subject
	if body != "" {
		message = subject + "\n\n" + body
	}

	sig := object.Signature{Name: "bundlebuilder", When: clock.Now(ctx)}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:    &sig,
		Committer: &sig,
		Parents:   parents,
	})
	if err != nil {
		return errors.Annotate(err, "committing %s", subject).Tag(berrors.CacheIO).Err()
	}

	logging.Debugf(ctx, "cache: committed %s as %s on %s", subject, hash, c.branch)
	c.lastParent = hash
	c.hasParent = true
	return nil
}
