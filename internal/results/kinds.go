// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package results

// Result kinds appearing in the results document.
const (
	KindPass       = "pass"
	KindWarn       = "warn"
	KindSkip       = "skip"
	KindFail       = "fail"
	KindCrash      = "crash"
	KindTimeout    = "timeout"
	KindIncomplete = "incomplete"
	KindAbort      = "abort"
	KindNotRun     = "notrun"
	KindDmesgWarn  = "dmesg-warn"
	KindDmesgFail  = "dmesg-fail"
)

// Normalized exit status values with special classification. See
// executor.ExitStatus for how raw wait statuses are folded into this space.
const (
	exitSuccess  = 0
	exitSkip     = 77
	exitInvalid  = 79
	exitAbort    = 112
	exitGraceful = -1    // killed by SIGHUP on operator request
	exitUnreaped = -1234 // process never reaped, status unknown
)

// resultFromExitCode classifies a normalized exit status into a result kind.
// Used whenever a node's result cannot be read from its own result line.
func resultFromExitCode(code int) string {
	switch code {
	case exitSuccess:
		return KindPass
	case exitSkip, exitInvalid:
		return KindSkip
	case exitAbort:
		return KindAbort
	case exitGraceful:
		return KindNotRun
	case exitUnreaped:
		return KindIncomplete
	default:
		return KindFail
	}
}

// resultFromWord maps the <RESULT> word of a result line to a result kind.
// Unrecognized words classify as incomplete rather than failing the parse.
func resultFromWord(word string) string {
	switch word {
	case "SUCCESS":
		return KindPass
	case "SKIP":
		return KindSkip
	case "FAIL":
		return KindFail
	case "CRASH":
		return KindCrash
	case "TIMEOUT":
		return KindTimeout
	default:
		return KindIncomplete
	}
}

// abnormalExit reports whether a normalized exit status should override the
// results of still-open scopes when the process terminates.
func abnormalExit(code int) bool {
	return code == exitAbort || code == exitGraceful
}
