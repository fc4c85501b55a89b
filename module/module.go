// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package module implements one buildable unit of a manifest: an ordered
// source set plus the configure/make/install sequence that turns it into
// files under the staging tree's /app.
package module

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"bundlebuilder/berrors"
	"bundlebuilder/buildctx"
	"bundlebuilder/fingerprint"
	"bundlebuilder/options"
	"bundlebuilder/source"
)

// autogenCandidates is the fallback chain tried, in order, when a module's
// source tree has no configure script yet.
var autogenCandidates = []string{"autogen", "autogen.sh", "bootstrap"}

// makefileCandidates is the set of filenames recognized as the makefile.
var makefileCandidates = []string{"Makefile", "makefile", "GNUmakefile"}

// requireBuilddirMarker is the literal substring that, when present in a
// configure script, indicates it must be invoked from a sibling _build
// directory rather than in place.
const requireBuilddirMarker = "buildapi-variable-require-builddir"

// Module is one manifest module.
type Module struct {
	Name            string
	Sources         []source.Source
	ConfigOpts      []string
	MakeArgs        []string
	MakeInstallArgs []string
	RmConfigure     bool
	NoAutogen       bool
	Options         *options.Options
	Cleanup         []string
}

// wireModule is the literal on-disk JSON shape (§6).
type wireModule struct {
	Name            string            `json:"name"`
	Sources         []json.RawMessage `json:"sources"`
	ConfigOpts      []string          `json:"config-opts"`
	MakeArgs        []string          `json:"make-args"`
	MakeInstallArgs []string          `json:"make-install-args"`
	RmConfigure     bool              `json:"rm-configure"`
	NoAutogen       bool              `json:"no-autogen"`
	BuildOptions    *options.Options  `json:"build-options"`
	Cleanup         []string          `json:"cleanup"`
}

// Parse decodes one manifest module entry.
func Parse(raw json.RawMessage) (*Module, error) {
	var w wireModule
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, errors.Annotate(err, "decoding module").Tag(berrors.ConfigInvalid).Err()
	}
	if w.Name == "" {
		return nil, errors.Reason(`module: "name" is required`).Tag(berrors.ConfigInvalid).Err()
	}

	srcs, err := source.ParseAll(w.Sources)
	if err != nil {
		return nil, errors.Annotate(err, "module %q", w.Name).Err()
	}

	return &Module{
		Name:            w.Name,
		Sources:         srcs,
		ConfigOpts:      w.ConfigOpts,
		MakeArgs:        w.MakeArgs,
		MakeInstallArgs: w.MakeInstallArgs,
		RmConfigure:     w.RmConfigure,
		NoAutogen:       w.NoAutogen,
		Options:         w.BuildOptions,
		Cleanup:         w.Cleanup,
	}, nil
}

// tagCleanup precedes the cleanup pattern list in Digest so that an empty
// cleanup list can never coincide with the byte sequence some other
// string-list contribution would produce at the same position.
const tagCleanup uint32 = 1

// Digest contributes, in order: module schema version, name, configure
// flags, make args, make install args, remove-configure, skip-autogen,
// the module's own build-options, each source's digest in source order,
// and finally the cleanup pattern list (§4.4, §4.8).
func (m *Module) Digest(acc *fingerprint.Acc, bctx *buildctx.Context) {
	acc.U32(fingerprint.ModuleV).
		StringVal(m.Name).
		StringList(m.ConfigOpts).
		StringList(m.MakeArgs).
		StringList(m.MakeInstallArgs).
		Bool(m.RmConfigure).
		Bool(m.NoAutogen)
	m.Options.Digest(acc)
	for _, s := range m.Sources {
		s.Digest(acc, bctx)
	}
	acc.U32(tagCleanup).StringList(m.Cleanup)
}

// Download acquires every source of this module, in declared order.
func (m *Module) Download(ctx context.Context, bctx *buildctx.Context) error {
	for i, s := range m.Sources {
		if err := s.Download(ctx, bctx); err != nil {
			return errors.Annotate(err, "source #%d", i+1).Err()
		}
	}
	return nil
}

// Build runs the full configure/make/install sequence against a fresh
// scratch directory, leaving its output in bctx.StagingDir (§4.4).
func (m *Module) Build(ctx context.Context, bctx *buildctx.Context) error {
	workDir, err := ioutil.TempDir(bctx.StateDir(), "build-"+m.Name+"-")
	if err != nil {
		return errors.Annotate(err, "creating work directory for %q", m.Name).Err()
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logging.Warningf(ctx, "failed to clean up %s: %s", workDir, err)
		}
	}()

	for i, s := range m.Sources {
		dest := workDir
		if sub := s.SubDest(); sub != "" {
			dest = filepath.Join(workDir, sub)
		}
		if err := os.MkdirAll(dest, 0755); err != nil {
			return errors.Annotate(err, "creating %s", dest).Err()
		}
		if err := s.Extract(ctx, dest, bctx); err != nil {
			return errors.Annotate(err, "extracting source #%d of %q", i+1, m.Name).Err()
		}
	}

	resolved := options.Resolve(bctx.GlobalOptions(), m.Options, bctx.Arch)
	env := resolved.Strings()

	configurePath := filepath.Join(workDir, "configure")
	if m.RmConfigure {
		if err := os.Remove(configurePath); err != nil && !os.IsNotExist(err) {
			return errors.Annotate(err, "removing configure").Err()
		}
	}

	if _, err := os.Stat(configurePath); err != nil && !m.NoAutogen {
		script, err := findFirstExisting(workDir, autogenCandidates)
		if err != nil {
			return errors.Annotate(err, "%q has no configure and no autogen script", m.Name).Tag(berrors.NotFound).Err()
		}
		autogenEnv := append(append([]string{}, env...), "NOCONFIGURE=1")
		if err := runSandboxed(ctx, bctx, workDir, autogenEnv, "./"+script); err != nil {
			return errors.Annotate(err, "running %s for %q", script, m.Name).Err()
		}
		if _, err := os.Stat(configurePath); err != nil {
			return errors.Reason("%s did not produce a configure script", script).Tag(berrors.NotFound).Err()
		}
	}

	configureDir := workDir
	configureCmd := "./configure"
	content, err := ioutil.ReadFile(configurePath)
	if err != nil {
		return errors.Annotate(err, "%q has no configure script", m.Name).Tag(berrors.NotFound).Err()
	}
	if strings.Contains(string(content), requireBuilddirMarker) {
		configureDir = filepath.Join(workDir, "_build")
		if err := os.MkdirAll(configureDir, 0755); err != nil {
			return errors.Annotate(err, "creating _build for %q", m.Name).Err()
		}
		configureCmd = "../configure"
	}

	configureArgs := append([]string{configureCmd, "--prefix=/app"}, m.ConfigOpts...)
	if err := runSandboxed(ctx, bctx, configureDir, env, configureArgs...); err != nil {
		return errors.Annotate(err, "configuring %q", m.Name).Err()
	}

	makefile, err := findFirstExisting(workDir, makefileCandidates)
	if err != nil {
		return errors.Reason("%q has no Makefile", m.Name).Tag(berrors.NotFound).Err()
	}
	makefileBody, err := ioutil.ReadFile(filepath.Join(workDir, makefile))
	if err != nil {
		return errors.Annotate(err, "reading %s", makefile).Err()
	}
	notparallel := hasNotParallel(string(makefileBody))

	makeAllArgs := []string{"make", "all"}
	if !notparallel {
		n := runtime.NumCPU()
		makeAllArgs = append(makeAllArgs,
			"-j"+strconv.Itoa(n),
			"-l"+strconv.Itoa(2*n),
		)
	}
	makeAllArgs = append(makeAllArgs, m.MakeArgs...)
	if err := runSandboxed(ctx, bctx, workDir, env, makeAllArgs...); err != nil {
		return errors.Annotate(err, "building %q", m.Name).Err()
	}

	makeInstallArgs := append([]string{"make", "install"}, m.MakeInstallArgs...)
	if err := runSandboxed(ctx, bctx, workDir, env, makeInstallArgs...); err != nil {
		return errors.Annotate(err, "installing %q", m.Name).Err()
	}

	if err := applyCleanup(bctx.StagingDir, m.Cleanup); err != nil {
		return errors.Annotate(err, "cleanup for %q", m.Name).Err()
	}

	return nil
}

// findFirstExisting returns the first of candidates that exists directly
// under dir, or a NotFound error naming all candidates tried.
func findFirstExisting(dir string, candidates []string) (string, error) {
	for _, c := range candidates {
		if _, err := os.Stat(filepath.Join(dir, c)); err == nil {
			return c, nil
		}
	}
	return "", errors.Reason("none of %s found in %s", strings.Join(candidates, ", "), dir).Tag(berrors.NotFound).Err()
}

// hasNotParallel reports whether makefile content declares .NOTPARALLEL,
// either as its first line or anywhere else preceded by a newline.
func hasNotParallel(content string) bool {
	return strings.HasPrefix(content, ".NOTPARALLEL") || strings.Contains(content, "\n.NOTPARALLEL")
}

// runSandboxed shells out to the external sandbox-build wrapper (§6),
// which makes bctx.StagingDir visible to argv as /app and applies env.
func runSandboxed(ctx context.Context, bctx *buildctx.Context, cwd string, env []string, argv ...string) error {
	args := make([]string, 0, len(env)+len(argv)+2)
	args = append(args, "build")
	for _, kv := range env {
		args = append(args, "--env="+kv)
	}
	args = append(args, bctx.StagingDir)
	args = append(args, argv...)

	cmd := exec.CommandContext(ctx, "bundle-runtime", args...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "GIO_USE_VFS=local")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return berrors.Subprocess(err, "bundle-runtime build "+strings.Join(argv, " "))
	}
	return nil
}
