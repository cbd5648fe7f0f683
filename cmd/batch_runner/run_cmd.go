// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"time"

	"github.com/google/subcommands"

	"go.chromium.org/batchrunner/internal/executor"
	"go.chromium.org/batchrunner/internal/logging"
	"go.chromium.org/batchrunner/internal/results"
	"go.chromium.org/batchrunner/internal/settings"
)

// runCmd implements subcommands.Command to execute a fresh batch.
type runCmd struct {
	set     settings.Settings
	jobList string
	prune   string
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "execute a batch of test binaries" }
func (*runCmd) Usage() string {
	return `run <flags> -job-list <file> <test-root> <results-path>:
	Executes the listed jobs and generates results.json.
`
}

func (rc *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&rc.jobList, "job-list", "", "job list file to execute (required)")
	f.StringVar(&rc.set.Name, "name", "", "name of the batch, recorded in results")
	f.BoolVar(&rc.set.DryRun, "dry-run", false, "serialize the batch but do not execute it")
	f.BoolVar(&rc.set.Sync, "sync", false, "sync results to disk after every write")
	f.BoolVar(&rc.set.Overwrite, "overwrite", false, "allow reusing a non-empty results directory")
	f.BoolVar(&rc.set.MultipleMode, "multiple-mode", false, "job entries may list multiple subtests")
	f.DurationVar(&rc.set.InactivityTimeout, "inactivity-timeout", 0, "kill a job after this long without output")
	f.DurationVar(&rc.set.PerTestTimeout, "per-test-timeout", 0, "kill a job after this much total wall time")
	f.DurationVar(&rc.set.OverallTimeout, "overall-timeout", 0, "stop the whole batch after this long")
	f.BoolVar(&rc.set.UseWatchdog, "use-watchdog", false, "arm hardware watchdogs while jobs run")
	f.BoolVar(&rc.set.PiglitStyleDmesg, "piglit-style-dmesg", false, "use piglit-style dmesg warning classification")
	f.IntVar(&rc.set.DmesgWarnLevel, "dmesg-warn-level", -1, "kernel log level threshold for dmesg warnings")
	f.StringVar(&rc.prune, "prune-mode", "", "result pruning mode (keep-dynamic, keep-subtests, keep-all, keep-requested)")
}

func (rc *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if rc.jobList == "" || f.NArg() != 2 {
		logging.Info(ctx, "Missing job list or paths.\n\n"+rc.Usage())
		return subcommands.ExitUsageError
	}
	rc.set.TestRoot = f.Arg(0)
	rc.set.ResultsPath = f.Arg(1)
	rc.set.Prune = settings.PruneMode(rc.prune)
	if rc.set.Name == "" {
		rc.set.Name = defaultBatchName()
	}

	jobs, err := settings.LoadJobListFile(rc.jobList)
	if err != nil {
		logging.Info(ctx, "Failed to load job list: ", err)
		return subcommands.ExitFailure
	}

	sup := executor.New(&rc.set, jobs)
	if err := sup.Prepare(ctx); err != nil {
		logging.Info(ctx, "Failed to prepare batch: ", err)
		return subcommands.ExitFailure
	}
	if err := sup.Run(ctx); err != nil {
		logging.Info(ctx, "Batch execution failed: ", err)
		return subcommands.ExitFailure
	}
	if rc.set.DryRun {
		return subcommands.ExitSuccess
	}
	if err := results.WriteResults(ctx, rc.set.ResultsPath); err != nil {
		logging.Info(ctx, "Failed to generate results: ", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// defaultBatchName names batches the start time when the caller doesn't.
func defaultBatchName() string {
	return "batch-" + time.Now().Format("20060102-150405")
}
