// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/batchrunner/internal/journal"
	"go.chromium.org/batchrunner/internal/settings"
	"go.chromium.org/batchrunner/internal/testutil"
)

func parseJournal(t *testing.T, data string) *journal.Journal {
	t.Helper()
	j, err := journal.Read(strings.NewReader(data))
	if err != nil {
		t.Fatalf("parsing journal failed: %v", err)
	}
	return j
}

func TestPruneFromJournal(t *testing.T) {
	for _, tc := range []struct {
		name         string
		entry        settings.Entry
		journal      string
		wantPruned   bool
		wantBinary   string
		wantSubtests []string
	}{
		{
			name:         "no selectors",
			entry:        settings.Entry{Binary: "bin"},
			journal:      "a\nb\ntimeout:-15 (5.0s)\n",
			wantPruned:   true,
			wantBinary:   "bin",
			wantSubtests: []string{"*", "!a", "!b"},
		},
		{
			name:         "existing selectors",
			entry:        settings.Entry{Binary: "bin", Subtests: []string{"x*"}},
			journal:      "x-one\ntimeout:-15 (5.0s)\n",
			wantPruned:   true,
			wantBinary:   "bin",
			wantSubtests: []string{"x*", "!x-one"},
		},
		{
			name:         "completed",
			entry:        settings.Entry{Binary: "bin"},
			journal:      "a\nexit:0 (1.0s)\n",
			wantPruned:   true,
			wantBinary:   "",
			wantSubtests: []string{"*", "!a"},
		},
		{
			name:       "died before first subtest",
			entry:      settings.Entry{Binary: "bin"},
			journal:    "timeout:-15 (5.0s)\n",
			wantPruned: false,
			wantBinary: "bin",
		},
		{
			name:       "empty journal",
			entry:      settings.Entry{Binary: "bin"},
			journal:    "",
			wantPruned: false,
			wantBinary: "bin",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			entry := tc.entry
			got := pruneFromJournal(&entry, parseJournal(t, tc.journal))
			if got != tc.wantPruned {
				t.Errorf("pruneFromJournal returned %v; want %v", got, tc.wantPruned)
			}
			if entry.Binary != tc.wantBinary {
				t.Errorf("binary = %q; want %q", entry.Binary, tc.wantBinary)
			}
			if diff := cmp.Diff(tc.wantSubtests, entry.Subtests); diff != "" {
				t.Errorf("subtests mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func writeResumeDir(t *testing.T, list *settings.JobList, journals []string) string {
	t.Helper()
	dir := testutil.TempDir(t)
	set := &settings.Settings{
		Name:           "resume-test",
		TestRoot:       dir,
		ResultsPath:    dir,
		DmesgWarnLevel: -1,
	}
	if err := set.Write(dir); err != nil {
		t.Fatalf("writing settings failed: %v", err)
	}
	if err := list.Write(dir); err != nil {
		t.Fatalf("writing job list failed: %v", err)
	}
	for i, j := range journals {
		if j == "" {
			continue
		}
		files := map[string]string{settings.JournalFile: j}
		if err := testutil.WriteFiles(settings.JobDir(dir, i), files); err != nil {
			t.Fatalf("writing job %d files failed: %v", i, err)
		}
	}
	return dir
}

func TestResumeMidBinary(t *testing.T) {
	list := &settings.JobList{Entries: []settings.Entry{
		{Binary: "one"},
		{Binary: "two"},
		{Binary: "three"},
	}}
	dir := writeResumeDir(t, list, []string{
		"a\nexit:0 (1.0s)\n",
		"b\nc\ntimeout:-15 (120.0s)\n",
	})

	s, err := Resume(context.Background(), dir)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if s.next != 1 {
		t.Errorf("next = %d; want 1", s.next)
	}
	want := []string{"*", "!b", "!c"}
	if diff := cmp.Diff(want, s.Jobs.Entries[1].Subtests); diff != "" {
		t.Errorf("pruned selectors mismatch (-want +got):\n%s", diff)
	}
}

func TestResumeNothingExecuted(t *testing.T) {
	list := &settings.JobList{Entries: []settings.Entry{{Binary: "one"}}}
	dir := writeResumeDir(t, list, nil)

	s, err := Resume(context.Background(), dir)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if s.next != 0 {
		t.Errorf("next = %d; want 0", s.next)
	}
}

func TestResumeSkipsUnresumableJob(t *testing.T) {
	list := &settings.JobList{Entries: []settings.Entry{
		{Binary: "one"},
		{Binary: "two"},
	}}
	// Job 0 died before producing a single subtest line, so it cannot be
	// re-run as a partial job.
	dir := writeResumeDir(t, list, []string{"timeout:-9 (300.0s)\n"})

	s, err := Resume(context.Background(), dir)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if s.next != 1 {
		t.Errorf("next = %d; want 1", s.next)
	}
}

func TestResumeSkipsCompletedJob(t *testing.T) {
	list := &settings.JobList{Entries: []settings.Entry{
		{Binary: "one"},
		{Binary: "two"},
	}}
	dir := writeResumeDir(t, list, []string{"a\nb\nexit:0 (2.5s)\n"})

	s, err := Resume(context.Background(), dir)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if s.next != 1 {
		t.Errorf("next = %d; want 1", s.next)
	}
}
