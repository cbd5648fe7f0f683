// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"

	"go.chromium.org/batchrunner/internal/comms"
	"go.chromium.org/batchrunner/internal/logging"
)

// decodeCmd implements subcommands.Command to print a structured-event dump
// in human-readable form.
type decodeCmd struct{}

func (*decodeCmd) Name() string     { return "decode" }
func (*decodeCmd) Synopsis() string { return "print a structured-event dump" }
func (*decodeCmd) Usage() string {
	return `decode <comms-file>:
	Prints every packet of a structured-event dump in readable form.
`
}

func (*decodeCmd) SetFlags(f *flag.FlagSet) {}

func (*decodeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		logging.Info(ctx, "Missing dump file.")
		return subcommands.ExitUsageError
	}
	file, err := os.Open(f.Arg(0))
	if err != nil {
		logging.Info(ctx, "Failed to open dump: ", err)
		return subcommands.ExitFailure
	}
	defer file.Close()

	if _, err := comms.ReadDump(ctx, file, func(p comms.Packet) error {
		printPacket(os.Stdout, p)
		return nil
	}); err != nil {
		logging.Info(ctx, "Failed to decode dump: ", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func printPacket(w io.Writer, p comms.Packet) {
	// Free-form texts keep their own newlines; everything else gets one.
	text := func(s string) string {
		if !strings.HasSuffix(s, "\n") {
			s += "\n"
		}
		return s
	}
	switch p := p.(type) {
	case comms.Log:
		fmt.Fprintf(w, "LOG\tstream=%d,text=%s", p.Stream, text(p.Text))
	case comms.Exec:
		fmt.Fprintf(w, "EXEC\tcmdline=%s\n", p.Cmdline)
	case comms.Exit:
		fmt.Fprintf(w, "EXIT\texitcode=%d,timeused=%s\n", p.Code, p.TimeUsed)
	case comms.SubtestStart:
		fmt.Fprintf(w, "SUBTEST_START\tname=%s\n", p.Name)
	case comms.SubtestResult:
		fmt.Fprintf(w, "SUBTEST_RESULT\tname=%s,result=%s,timeused=%s,reason=%s\n",
			p.Name, p.Result, p.TimeUsed, p.Reason)
	case comms.DynamicSubtestStart:
		fmt.Fprintf(w, "DYNAMIC_SUBTEST_START\tname=%s\n", p.Name)
	case comms.DynamicSubtestResult:
		fmt.Fprintf(w, "DYNAMIC_SUBTEST_RESULT\tname=%s,result=%s,timeused=%s,reason=%s\n",
			p.Name, p.Result, p.TimeUsed, p.Reason)
	case comms.VersionString:
		fmt.Fprintf(w, "VERSIONSTRING\ttext=%s", text(p.Text))
	case comms.ResultOverride:
		fmt.Fprintf(w, "RESULT_OVERRIDE\tresult=%s\n", p.Result)
	}
}
