// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package driver implements the end-to-end orchestration of one build:
// load the manifest, download every source, walk the cumulative
// fingerprint through the cache one module at a time, and invoke the
// external sandbox tooling only where the cache says work is actually
// needed.
package driver

import (
	"context"
	"os"
	"os/exec"
	goruntime "runtime"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"bundlebuilder/berrors"
	"bundlebuilder/buildctx"
	"bundlebuilder/cache"
	"bundlebuilder/fingerprint"
	"bundlebuilder/manifest"
)

// Options are the driver's entry parameters, populated from the CLI.
type Options struct {
	// StagingDir is the DIRECTORY argument: recreated, then accumulates
	// installed files at what the sandbox mounts as /app.
	StagingDir string

	// ManifestPath is the MANIFEST argument.
	ManifestPath string

	// DisableCache forces every module to rebuild, per --disable-cache.
	DisableCache bool
}

// Run executes one full build per §4.6.
func Run(ctx context.Context, opts Options) error {
	baseDir, err := os.Getwd()
	if err != nil {
		return errors.Annotate(err, "resolving base directory").Err()
	}

	m, err := manifest.Load(opts.ManifestPath)
	if err != nil {
		return err
	}

	logging.Infof(ctx, "building %s (runtime %s/%s, sdk %s)", m.AppID, m.Runtime, m.RuntimeVersion, m.SDK)

	if err := os.RemoveAll(opts.StagingDir); err != nil {
		return errors.Annotate(err, "clearing staging directory").Err()
	}
	if err := os.MkdirAll(opts.StagingDir, 0755); err != nil {
		return errors.Annotate(err, "creating staging directory").Err()
	}

	bctx := buildctx.New(baseDir, opts.StagingDir, goruntime.GOARCH)
	if err := bctx.EnsureDirs(); err != nil {
		return err
	}

	if err := m.Download(ctx, bctx); err != nil {
		return err
	}

	c, err := cache.Open(ctx, baseDir, opts.StagingDir, m.BranchName())
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logging.Warningf(ctx, "failed to release build cache lock: %s", err)
		}
	}()
	if opts.DisableCache {
		c.DisableLookups()
	}

	acc := fingerprint.New()
	m.Digest(acc)

	hit, err := c.Lookup(ctx, acc.Hex())
	if err != nil {
		return err
	}
	if !hit {
		logging.Infof(ctx, "initializing staging tree for %s", m.AppID)
		if err := runBuildInit(ctx, opts.StagingDir, m.AppID, m.SDK, m.Runtime, m.RuntimeVersion); err != nil {
			return err
		}
		if err := c.Commit(ctx, acc.Hex(), "Initialized "+m.AppID); err != nil {
			return err
		}
	} else {
		logging.Infof(ctx, "staging tree for %s already initialized, reusing", m.AppID)
	}

	bctx.SetOptions(m.Options)

	for _, mod := range m.Modules {
		mod.Digest(acc, bctx)

		hit, err := c.Lookup(ctx, acc.Hex())
		if err != nil {
			return err
		}
		if hit {
			logging.Infof(ctx, "module %q: cache hit, skipping", mod.Name)
			continue
		}

		logging.Infof(ctx, "module %q: cache miss, building", mod.Name)
		if err := mod.Build(ctx, bctx); err != nil {
			return errors.Annotate(err, "building module %q", mod.Name).Err()
		}
		if err := c.Commit(ctx, acc.Hex(), "Built "+mod.Name); err != nil {
			return err
		}
	}

	return nil
}

// runBuildInit invokes the external sandbox's build-init subcommand,
// which populates an empty staging tree for appID/sdk/runtimeVersion
// (§6).
func runBuildInit(ctx context.Context, stagingDir, appID, sdk, rt, rtVersion string) error {
	cmd := exec.CommandContext(ctx, "bundle-runtime", "build-init", stagingDir, appID, sdk, rt, rtVersion)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return berrors.Subprocess(err, "bundle-runtime build-init")
	}
	return nil
}
