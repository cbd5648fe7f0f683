// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package executor

import (
	"context"
	"os"
	"path/filepath"

	"go.chromium.org/batchrunner/internal/journal"
	"go.chromium.org/batchrunner/internal/logging"
	"go.chromium.org/batchrunner/internal/settings"
)

// Resume creates a Supervisor continuing an earlier batch from the state
// recorded in the given results directory. The returned Supervisor skips
// every fully completed job, and the first incomplete job has its
// already-attempted subtests excluded.
func Resume(ctx context.Context, dir string) (*Supervisor, error) {
	set, err := settings.Load(dir)
	if err != nil {
		return nil, err
	}
	jobs, err := settings.LoadJobList(dir)
	if err != nil {
		return nil, err
	}
	// Serialized settings name the results directory they were written
	// into, but the whole directory may have been moved since.
	set.ResultsPath = dir

	s := New(set, jobs)
	if err := s.reloadFromResults(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// reloadFromResults re-derives the execution state from the journals on
// disk: which job to run next and which of its subtests to exclude.
func (s *Supervisor) reloadFromResults(ctx context.Context) error {
	dir := s.Settings.ResultsPath
	jobs, err := settings.LoadJobList(dir)
	if err != nil {
		return err
	}
	s.Jobs = jobs
	s.next = 0

	// The highest-numbered job directory is the last job that started.
	last := -1
	for i := len(jobs.Entries) - 1; i >= 0; i-- {
		if fi, err := os.Stat(settings.JobDir(dir, i)); err == nil && fi.IsDir() {
			last = i
			break
		}
	}
	if last < 0 {
		// Nothing has been executed yet.
		return nil
	}

	entry := &jobs.Entries[last]
	j, err := journal.ReadFile(filepath.Join(settings.JobDir(dir, last), settings.JournalFile))
	if err != nil {
		return err
	}

	s.next = last
	if !pruneFromJournal(entry, j) {
		// The job has no subtests, or it died before the first one
		// began. Either way it cannot be re-run as a partial job.
		s.next = last + 1
	} else if entry.Binary == "" {
		// The job ran to completion.
		s.next = last + 1
	}
	if s.next > last {
		logging.Debugf(ctx, "Job %d is not resumable, continuing from job %d", last, s.next)
	}
	return nil
}

// pruneFromJournal adjusts entry's subtest selectors so that a re-run skips
// every subtest the journal shows as already attempted. It reports whether
// any selector was added. A journal with an exit event marks the job as
// fully completed by clearing the binary name.
func pruneFromJournal(entry *settings.Entry, j *journal.Journal) bool {
	if j.Exited() {
		entry.Binary = ""
	}
	if len(j.Subtests) == 0 {
		return false
	}

	// Exclusions are applied by appending negated selectors. The last
	// selector matching a subtest wins, so when the entry had no explicit
	// selection a leading '*' is needed before anything can be excluded.
	if len(entry.Subtests) == 0 {
		entry.Subtests = append(entry.Subtests, "*")
	}
	for _, name := range j.Subtests {
		entry.Subtests = append(entry.Subtests, "!"+name)
	}
	return true
}
