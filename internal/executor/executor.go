// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package executor runs the jobs of a batch and supervises their processes.
//
// Each job gets a numbered subdirectory of the results directory holding its
// captured stdout, stderr, kernel log and lifecycle journal. The supervisor
// watches for output inactivity and escalates through SIGTERM and SIGKILL
// when a job hangs, keeping any armed hardware watchdogs pinged so the host
// survives the cleanup. A batch interrupted by a timeout or a reboot can be
// resumed from the journals alone.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/sys/unix"

	"go.chromium.org/batchrunner/errors"
	"go.chromium.org/batchrunner/internal/logging"
	"go.chromium.org/batchrunner/internal/settings"
	"go.chromium.org/batchrunner/internal/watchdog"
)

// Supervisor executes one batch of jobs.
type Supervisor struct {
	// Settings is the batch configuration. Required.
	Settings *settings.Settings
	// Jobs is the job list to execute. Required.
	Jobs *settings.JobList
	// Watchdog manages hardware watchdog devices. Filled in by New.
	Watchdog *watchdog.Manager
	// Clock drives all supervision timers. Filled in by New; tests
	// substitute a fake.
	Clock clock.Clock

	// next indexes the first job that has not completed.
	next int
	// kmsgPath is the kernel log device. Tests point it elsewhere.
	kmsgPath string
}

// New creates a Supervisor for a fresh batch.
func New(set *settings.Settings, jobs *settings.JobList) *Supervisor {
	return &Supervisor{
		Settings: set,
		Jobs:     jobs,
		Watchdog: watchdog.NewManager(),
		Clock:    clock.NewClock(),
		kmsgPath: "/dev/kmsg",
	}
}

// Prepare validates the configuration and serializes it into the results
// directory, so that result generation and resume see exactly this batch.
// With Overwrite set, leftovers of a previous batch in the same directory
// are removed first.
func (s *Supervisor) Prepare(ctx context.Context) error {
	set := s.Settings
	if set.TestRoot == "" {
		return errors.New("test root not set")
	}
	if fi, err := os.Stat(set.TestRoot); err != nil {
		return errors.Wrap(err, "failed to access test root")
	} else if !fi.IsDir() {
		return errors.Errorf("test root %s is not a directory", set.TestRoot)
	}
	if set.ResultsPath == "" {
		return errors.New("results path not set")
	}
	if err := os.MkdirAll(set.ResultsPath, 0755); err != nil {
		return errors.Wrap(err, "failed to create results directory")
	}
	if err := set.Write(set.ResultsPath); err != nil {
		return err
	}
	if err := s.Jobs.Write(set.ResultsPath); err != nil {
		return err
	}
	if set.Overwrite {
		if err := clearOldResults(ctx, set.ResultsPath); err != nil {
			return err
		}
	}
	return nil
}

// Run executes the batch from its current state until every job has
// completed, the overall timeout expires, or an abort signal arrives.
// A job that had to be killed for inactivity is re-derived from its journal
// and re-run with the already-attempted subtests excluded.
func (s *Supervisor) Run(ctx context.Context) error {
	set := s.Settings
	dir := set.ResultsPath

	if set.DryRun {
		logging.Info(ctx, "Dry run requested, not executing jobs")
		return nil
	}

	abortCh := make(chan os.Signal, 1)
	signal.Notify(abortCh, unix.SIGINT, unix.SIGTERM, unix.SIGQUIT)
	defer signal.Stop(abortCh)

	s.Watchdog.Open(ctx, set)
	defer s.Watchdog.Close()

	if err := writeUname(dir); err != nil {
		return err
	}
	if err := writeTimestamp(s.Clock, filepath.Join(dir, settings.StartTimeFile), true); err != nil {
		return err
	}
	if info, err := host.Info(); err == nil {
		logging.Debugf(ctx, "Running on %s (%s %s, kernel %s)",
			info.Hostname, info.Platform, info.PlatformVersion, info.KernelVersion)
	}

	var deadline time.Time
	if set.OverallTimeout > 0 {
		deadline = s.Clock.Now().Add(set.OverallTimeout)
	}

	var runErr error
loop:
	for s.next < len(s.Jobs.Entries) {
		select {
		case sig := <-abortCh:
			logging.Infof(ctx, "Abort requested by signal %v", sig)
			runErr = s.writeAborted(ctx, fmt.Sprintf("received signal %v", sig))
			break loop
		default:
		}
		if !deadline.IsZero() && !s.Clock.Now().Before(deadline) {
			logging.Info(ctx, "Overall timeout exceeded, stopping the batch")
			runErr = s.writeAborted(ctx, fmt.Sprintf("overall timeout %v exceeded", set.OverallTimeout))
			break loop
		}

		j := &job{
			sup:   s,
			idx:   s.next,
			total: len(s.Jobs.Entries),
			entry: &s.Jobs.Entries[s.next],
			dir:   settings.JobDir(dir, s.next),
		}
		outcome, err := j.run(ctx, abortCh, deadline)
		if err != nil {
			runErr = err
			break loop
		}
		switch outcome {
		case jobCompleted:
			s.next++
		case jobTimedOut:
			// The journal knows which subtests were attempted.
			// Reload the whole state from disk and go again with
			// those excluded.
			if err := s.reloadFromResults(ctx); err != nil {
				runErr = err
				break loop
			}
		case jobAborted:
			runErr = s.writeAborted(ctx, fmt.Sprintf("received signal %v", j.abortSig))
			break loop
		}
	}

	if err := writeTimestamp(s.Clock, filepath.Join(dir, settings.EndTimeFile), false); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// writeAborted records the batch-level abort reason. Result generation turns
// it into a synthetic failing test.
func (s *Supervisor) writeAborted(ctx context.Context, reason string) error {
	msg := "Aborting the run: " + reason + "\n"
	p := filepath.Join(s.Settings.ResultsPath, settings.AbortFile)
	if err := os.WriteFile(p, []byte(msg), 0644); err != nil {
		return errors.Wrap(err, "failed to write abort marker")
	}
	return nil
}

// clearOldResults removes the per-job directories and batch metadata files
// a previous run left in dir. A missing directory counts as cleared.
func clearOldResults(ctx context.Context, dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errors.Wrap(err, "failed to clear old results")
	}

	for _, name := range []string{
		settings.UnameFile,
		settings.StartTimeFile,
		settings.EndTimeFile,
		settings.AbortFile,
	} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "failed to clear old results")
		}
	}

	jobFiles := []string{
		settings.OutFile,
		settings.ErrFile,
		settings.JournalFile,
		settings.DmesgFile,
		settings.SocketFile,
	}
	for i := 0; ; i++ {
		jobDir := settings.JobDir(dir, i)
		if _, err := os.Stat(jobDir); err != nil {
			break
		}
		for _, name := range jobFiles {
			if err := os.Remove(filepath.Join(jobDir, name)); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "failed to clear job directory %s", jobDir)
			}
		}
		if err := os.Remove(jobDir); err != nil {
			logging.Infof(ctx, "Result directory %s contains extra files", jobDir)
		}
	}
	return nil
}

// writeUname records the host identification the way uname(1) prints it.
func writeUname(dir string) error {
	line := "uname() failed\n"
	var u unix.Utsname
	if err := unix.Uname(&u); err == nil {
		line = fmt.Sprintf("%s %s %s %s %s\n",
			cstr(u.Sysname[:]), cstr(u.Nodename[:]), cstr(u.Release[:]),
			cstr(u.Version[:]), cstr(u.Machine[:]))
	}
	p := filepath.Join(dir, settings.UnameFile)
	if err := os.WriteFile(p, []byte(line), 0644); err != nil {
		return errors.Wrap(err, "failed to write uname file")
	}
	return nil
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// writeTimestamp records the current time as seconds since the epoch. With
// onlyIfMissing, an existing file is kept, so a resumed batch keeps its
// original start time.
func writeTimestamp(clk clock.Clock, path string, onlyIfMissing bool) error {
	if onlyIfMissing {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
	ts := float64(clk.Now().UnixNano()) / float64(time.Second)
	data := strconv.FormatFloat(ts, 'f', 6, 64) + "\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", filepath.Base(path))
	}
	return nil
}
