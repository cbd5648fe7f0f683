// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package executor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/batchrunner/internal/journal"
	"go.chromium.org/batchrunner/internal/settings"
	"go.chromium.org/batchrunner/internal/testutil"
)

// writeScript installs an executable shell script posing as a test binary.
func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("writing script %s failed: %v", name, err)
	}
}

// newBatch prepares a supervisor over a fresh test root and results
// directory. The kernel log device is pointed at a nonexistent path so the
// host's log does not leak into the captured dmesg.
func newBatch(t *testing.T, set *settings.Settings, jobs *settings.JobList) (*Supervisor, string) {
	t.Helper()
	root := testutil.TempDir(t)
	results := filepath.Join(root, "results")
	set.Name = "executor-test"
	set.TestRoot = root
	set.ResultsPath = results
	set.DmesgWarnLevel = -1
	s := New(set, jobs)
	s.kmsgPath = filepath.Join(root, "no-such-kmsg")
	return s, root
}

func readJournal(t *testing.T, dir string, idx int) *journal.Journal {
	t.Helper()
	j, err := journal.ReadFile(filepath.Join(settings.JobDir(dir, idx), settings.JournalFile))
	if err != nil {
		t.Fatalf("reading journal of job %d failed: %v", idx, err)
	}
	return j
}

func TestRunBatch(t *testing.T) {
	ctx := context.Background()
	s, root := newBatch(t, &settings.Settings{}, &settings.JobList{Entries: []settings.Entry{
		{Binary: "good", Subtests: []string{"a"}},
		{Binary: "quiet"},
	}})
	writeScript(t, root, "good", strings.Join([]string{
		`echo "IGT-Version: 1.0 (x86_64)"`,
		`echo "Starting subtest: a"`,
		`echo "Subtest a: SUCCESS (0.001s)"`,
	}, "\n")+"\n")
	writeScript(t, root, "quiet", "exit 0\n")

	if err := s.Prepare(ctx); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	results := s.Settings.ResultsPath
	j := readJournal(t, results, 0)
	if diff := cmp.Diff([]string{"a"}, j.Subtests); diff != "" {
		t.Errorf("job 0 journal subtests mismatch (-want +got):\n%s", diff)
	}
	if term := j.Terminal(); term == nil || term.Kind != journal.EventExit || term.Code != 0 {
		t.Errorf("job 0 terminal = %+v; want exit:0", term)
	}
	out, err := os.ReadFile(filepath.Join(settings.JobDir(results, 0), settings.OutFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "Starting subtest: a") {
		t.Errorf("job 0 stdout not captured: %q", out)
	}

	if term := readJournal(t, results, 1).Terminal(); term == nil || term.Kind != journal.EventExit || term.Code != 0 {
		t.Errorf("job 1 terminal = %+v; want exit:0", term)
	}

	uname, err := os.ReadFile(filepath.Join(results, settings.UnameFile))
	if err != nil || len(uname) == 0 {
		t.Errorf("uname file missing or empty: %v", err)
	}
	for _, name := range []string{settings.StartTimeFile, settings.EndTimeFile} {
		b, err := os.ReadFile(filepath.Join(results, name))
		if err != nil {
			t.Fatalf("reading %s failed: %v", name, err)
		}
		if _, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64); err != nil {
			t.Errorf("%s does not hold a timestamp: %q", name, b)
		}
	}
}

func TestRunKillsInactiveJob(t *testing.T) {
	ctx := context.Background()
	s, root := newBatch(t, &settings.Settings{
		InactivityTimeout: 200 * time.Millisecond,
	}, &settings.JobList{Entries: []settings.Entry{
		{Binary: "hang"},
		{Binary: "ok"},
	}})
	writeScript(t, root, "hang", "exec sleep 30\n")
	writeScript(t, root, "ok", "exit 0\n")

	if err := s.Prepare(ctx); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	results := s.Settings.ResultsPath
	term := readJournal(t, results, 0).Terminal()
	if term == nil || term.Kind != journal.EventTimeout || term.Code != -15 {
		t.Errorf("job 0 terminal = %+v; want timeout:-15", term)
	}
	// The batch recovered and ran the next job.
	if term := readJournal(t, results, 1).Terminal(); term == nil || term.Kind != journal.EventExit || term.Code != 0 {
		t.Errorf("job 1 terminal = %+v; want exit:0", term)
	}
}

func TestRunCannotExecute(t *testing.T) {
	ctx := context.Background()
	s, _ := newBatch(t, &settings.Settings{}, &settings.JobList{Entries: []settings.Entry{
		{Binary: "no-such-binary"},
	}})

	if err := s.Prepare(ctx); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	results := s.Settings.ResultsPath
	term := readJournal(t, results, 0).Terminal()
	if term == nil || term.Kind != journal.EventExit || term.Code != cannotExecuteStatus {
		t.Errorf("terminal = %+v; want exit:%d", term, cannotExecuteStatus)
	}
	errOut, err := os.ReadFile(filepath.Join(settings.JobDir(results, 0), settings.ErrFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(errOut), "Cannot execute") {
		t.Errorf("stderr capture = %q; want execution error", errOut)
	}
}

func TestRunDryRun(t *testing.T) {
	ctx := context.Background()
	s, root := newBatch(t, &settings.Settings{DryRun: true}, &settings.JobList{Entries: []settings.Entry{
		{Binary: "good"},
	}})
	writeScript(t, root, "good", "exit 0\n")

	if err := s.Prepare(ctx); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := os.Stat(settings.JobDir(s.Settings.ResultsPath, 0)); !os.IsNotExist(err) {
		t.Error("dry run created a job directory")
	}
}

func TestPrepareRefusesExistingResults(t *testing.T) {
	ctx := context.Background()
	s, _ := newBatch(t, &settings.Settings{}, &settings.JobList{})
	if err := s.Prepare(ctx); err != nil {
		t.Fatalf("first Prepare failed: %v", err)
	}
	if err := s.Prepare(ctx); err == nil {
		t.Error("second Prepare unexpectedly succeeded without overwrite")
	}
	s.Settings.Overwrite = true
	if err := s.Prepare(ctx); err != nil {
		t.Errorf("Prepare with overwrite failed: %v", err)
	}
}

func TestClearOldResults(t *testing.T) {
	ctx := context.Background()
	dir := testutil.TempDir(t)
	files := map[string]string{
		settings.UnameFile:   "Linux host\n",
		settings.EndTimeFile: "123.0\n",
	}
	if err := testutil.WriteFiles(dir, files); err != nil {
		t.Fatal(err)
	}
	if err := testutil.WriteFiles(settings.JobDir(dir, 0), map[string]string{
		settings.OutFile:     "old output\n",
		settings.JournalFile: "exit:0 (1.0s)\n",
	}); err != nil {
		t.Fatal(err)
	}
	if err := testutil.WriteFiles(settings.JobDir(dir, 1), map[string]string{
		settings.OutFile: "old output\n",
		"stray.txt":      "not ours\n",
	}); err != nil {
		t.Fatal(err)
	}

	if err := clearOldResults(ctx, dir); err != nil {
		t.Fatalf("clearOldResults failed: %v", err)
	}

	for _, p := range []string{
		filepath.Join(dir, settings.UnameFile),
		filepath.Join(dir, settings.EndTimeFile),
		settings.JobDir(dir, 0),
		filepath.Join(settings.JobDir(dir, 1), settings.OutFile),
	} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists after clearing", p)
		}
	}
	// A job directory holding unknown files is kept, with only the known
	// files removed.
	if _, err := os.Stat(filepath.Join(settings.JobDir(dir, 1), "stray.txt")); err != nil {
		t.Errorf("stray file was removed: %v", err)
	}
}

func TestClearOldResultsMissingDir(t *testing.T) {
	dir := filepath.Join(testutil.TempDir(t), "never-created")
	if err := clearOldResults(context.Background(), dir); err != nil {
		t.Errorf("clearOldResults on missing directory failed: %v", err)
	}
}
