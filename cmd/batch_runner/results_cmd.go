// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"

	"go.chromium.org/batchrunner/internal/logging"
	"go.chromium.org/batchrunner/internal/results"
)

// resultsCmd implements subcommands.Command to regenerate results.json from
// the captured output of an already executed batch.
type resultsCmd struct{}

func (*resultsCmd) Name() string     { return "results" }
func (*resultsCmd) Synopsis() string { return "generate results.json for a batch" }
func (*resultsCmd) Usage() string {
	return `results <results-path>:
	Parses the captured output in a results directory into results.json.
`
}

func (*resultsCmd) SetFlags(f *flag.FlagSet) {}

func (*resultsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		logging.Info(ctx, "Missing results path.")
		return subcommands.ExitUsageError
	}
	if err := results.WriteResults(ctx, f.Arg(0)); err != nil {
		logging.Info(ctx, "Failed to generate results: ", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
