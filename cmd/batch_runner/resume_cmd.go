// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"

	"go.chromium.org/batchrunner/internal/executor"
	"go.chromium.org/batchrunner/internal/logging"
	"go.chromium.org/batchrunner/internal/results"
)

// resumeCmd implements subcommands.Command to continue an interrupted batch.
type resumeCmd struct{}

func (*resumeCmd) Name() string     { return "resume" }
func (*resumeCmd) Synopsis() string { return "continue an interrupted batch" }
func (*resumeCmd) Usage() string {
	return `resume <results-path>:
	Continues a batch from the state recorded in its results directory.
`
}

func (*resumeCmd) SetFlags(f *flag.FlagSet) {}

func (*resumeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		logging.Info(ctx, "Missing results path.")
		return subcommands.ExitUsageError
	}
	dir := f.Arg(0)

	sup, err := executor.Resume(ctx, dir)
	if err != nil {
		logging.Info(ctx, "Failed to load batch state: ", err)
		return subcommands.ExitFailure
	}
	if err := sup.Run(ctx); err != nil {
		logging.Info(ctx, "Batch execution failed: ", err)
		return subcommands.ExitFailure
	}
	if err := results.WriteResults(ctx, dir); err != nil {
		logging.Info(ctx, "Failed to generate results: ", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
