// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package executor

import (
	"os"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// statusUnknown is journaled when the child's wait status cannot be
// determined.
const statusUnknown = 9999

// normalizeExit turns a reaped process state into the single status code the
// journal and the result generator use.
func normalizeExit(ps *os.ProcessState) int {
	if ps == nil {
		return statusUnknown
	}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		return statusUnknown
	}
	return normalizeWaitStatus(ws)
}

// normalizeWaitStatus folds a wait status into one int: the exit code for a
// normal exit, with codes at or above 128 made negative to distinguish them
// from codes the test can return on purpose, and the negated signal number
// for a signal death.
func normalizeWaitStatus(ws syscall.WaitStatus) int {
	switch {
	case ws.Exited():
		code := ws.ExitStatus()
		if code >= 128 {
			return 128 - code
		}
		return code
	case ws.Signaled():
		return -int(ws.Signal())
	default:
		return statusUnknown
	}
}

// killChild delivers sig to the child's process group and to the child
// itself, then sweeps up any descendants that escaped the group. It reports
// false if the child process no longer exists.
func killChild(sig unix.Signal, pid int) bool {
	unix.Kill(-pid, sig)
	if err := unix.Kill(pid, sig); err == unix.ESRCH {
		return false
	}
	sweepDescendants(int32(pid), sig)
	return true
}

// sweepDescendants signals every live descendant of pid. Tests that daemonize
// helpers out of the process group would otherwise outlive the job.
func sweepDescendants(pid int32, sig unix.Signal) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return
	}
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, c := range children {
		sweepDescendants(c.Pid, sig)
		unix.Kill(int(c.Pid), sig)
	}
}
