// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package main implements the batch_runner executable, used to execute
// batches of test binaries and to turn their captured output into a results
// document.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"go.chromium.org/batchrunner/internal/logging"
)

// doMain implements the main body of the program. It's a separate function
// so that its deferred functions run before os.Exit makes the program exit
// immediately.
func doMain() int {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&resumeCmd{}, "")
	subcommands.Register(&resultsCmd{}, "")
	subcommands.Register(&decodeCmd{}, "")

	verbose := flag.Bool("verbose", false, "use verbose logging")
	logTime := flag.Bool("logtime", true, "include timestamps in logs")
	flag.Parse()

	level := logging.LevelInfo
	if *verbose {
		level = logging.LevelDebug
	}
	logger := logging.NewSinkLogger(level, *logTime, logging.NewWriterSink(os.Stdout))
	ctx := logging.AttachLogger(context.Background(), logger)

	return int(subcommands.Execute(ctx))
}

func main() {
	os.Exit(doMain())
}
