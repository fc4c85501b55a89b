// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package buildctx holds the process-wide state shared (read-only,
// except for the one controlled options mutation) across a single
// driver invocation: directory layout, chosen architecture, the lazily
// constructed HTTP client, and the currently-effective Options.
package buildctx

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.chromium.org/luci/common/errors"

	"bundlebuilder/options"
)

// Context is created once per driver invocation and threaded explicitly
// through manifest/module/source operations. It is safe to read
// concurrently; the only mutation is SetOptions, which the driver calls
// once, before iterating modules.
type Context struct {
	// BaseDir is the input tree: contains the manifest file and any local
	// patches referenced by relative path.
	BaseDir string

	// StagingDir is the accumulating install tree, mounted as /app by the
	// sandbox-build wrapper.
	StagingDir string

	// DownloadsDir is <BaseDir>/downloads, persistent across runs.
	DownloadsDir string

	// Arch is the requested architecture tag used for Options overlay
	// resolution.
	Arch string

	httpOnce   sync.Once
	httpClient *http.Client

	mu        sync.RWMutex
	effective *options.Options
}

// New constructs a Context rooted at baseDir/stagingDir for the given
// architecture. It does not touch the filesystem.
func New(baseDir, stagingDir, arch string) *Context {
	return &Context{
		BaseDir:      baseDir,
		StagingDir:   stagingDir,
		DownloadsDir: filepath.Join(baseDir, "downloads"),
		Arch:         arch,
	}
}

// SetOptions installs o as the currently-effective global options. This
// is the only controlled mutation of Context; the driver performs it
// once before iterating modules.
func (c *Context) SetOptions(o *options.Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.effective = o
}

// GlobalOptions returns the currently-effective global options.
func (c *Context) GlobalOptions() *options.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.effective
}

// HTTPClient returns the lazily-constructed, proxy-aware HTTP client
// shared by all source downloads in this run. Honours http_proxy per
// §6, exactly the way a Transport built from http.ProxyFromEnvironment
// would, made explicit here so it is constructed exactly once.
func (c *Context) HTTPClient() *http.Client {
	c.httpOnce.Do(func() {
		transport := &http.Transport{
			Proxy: func(req *http.Request) (*url.URL, error) {
				return http.ProxyFromEnvironment(req)
			},
		}
		c.httpClient = &http.Client{
			Transport: transport,
			Timeout:   30 * time.Minute,
			// Redirects are followed manually by callers so that each hop is
			// resolved relative to the current URL (§4.3); the client itself
			// never needs to redirect.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	})
	return c.httpClient
}

// StateDir returns <BaseDir>/.state, the parent of per-module transient
// build directories.
func (c *Context) StateDir() string {
	return filepath.Join(c.BaseDir, ".state")
}

// CacheDir returns <BaseDir>/.buildcache, the root of the content-addressed
// build cache.
func (c *Context) CacheDir() string {
	return filepath.Join(c.BaseDir, ".buildcache")
}

// EnsureDirs creates the download, state, and cache parent directories if
// they don't already exist.
func (c *Context) EnsureDirs() error {
	for _, d := range []string{c.DownloadsDir, c.StateDir(), c.BaseDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return errors.Annotate(err, "failed to create %q", d).Err()
		}
	}
	return nil
}
