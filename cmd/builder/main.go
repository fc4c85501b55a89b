// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Binary builder runs a manifest-driven, cache-accelerated application
// bundle build: builder [--verbose] [--version] [--disable-cache]
// DIRECTORY MANIFEST.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"
	"go.chromium.org/luci/common/system/signals"

	"bundlebuilder/driver"
)

// Version is the builder tool's version, printed by --version.
const Version = "1.0.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("builder", flag.ContinueOnError)
	verbose := fs.Bool("verbose", false, "enable debug logging")
	showVersion := fs.Bool("version", false, "print the tool's version and exit")
	disableCache := fs.Bool("disable-cache", false, "rebuild every module, ignoring the build cache")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: builder [--verbose] [--version] [--disable-cache] DIRECTORY MANIFEST")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *showVersion {
		fmt.Println("builder version " + Version)
		return 0
	}

	if fs.NArg() != 2 {
		fs.Usage()
		return 1
	}

	ctx := gologger.StdConfig.Use(context.Background())
	if *verbose {
		ctx = logging.SetLevel(ctx, logging.Debug)
	}

	ctx, cancel := context.WithCancel(ctx)
	signals.HandleInterrupt(cancel)

	err := driver.Run(ctx, driver.Options{
		StagingDir:   fs.Arg(0),
		ManifestPath: fs.Arg(1),
		DisableCache: *disableCache,
	})
	return handleErr(ctx, err)
}

// handleErr prints the error and returns the process exit code.
func handleErr(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Contains(err, context.Canceled):
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return 1
	default:
		logging.Errorf(ctx, "%s", err)
		logging.Errorf(ctx, "Full context:")
		errors.Log(ctx, err)
		return 1
	}
}
