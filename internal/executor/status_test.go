// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package executor

import (
	"syscall"
	"testing"
)

func exitStatus(code int) syscall.WaitStatus {
	return syscall.WaitStatus(code << 8)
}

func signalStatus(sig syscall.Signal) syscall.WaitStatus {
	return syscall.WaitStatus(sig)
}

func TestNormalizeWaitStatus(t *testing.T) {
	for _, tc := range []struct {
		name string
		ws   syscall.WaitStatus
		want int
	}{
		{"success", exitStatus(0), 0},
		{"failure", exitStatus(1), 1},
		{"skip", exitStatus(77), 77},
		{"high code folded", exitStatus(139), -11},
		{"code 128", exitStatus(128), 0},
		{"sigterm", signalStatus(syscall.SIGTERM), -15},
		{"sigkill", signalStatus(syscall.SIGKILL), -9},
		{"stopped", syscall.WaitStatus(0x7f), statusUnknown},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := normalizeWaitStatus(tc.ws); got != tc.want {
				t.Errorf("normalizeWaitStatus(%#x) = %d; want %d", uint32(tc.ws), got, tc.want)
			}
		})
	}
}
