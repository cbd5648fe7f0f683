// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package journal_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/batchrunner/internal/journal"
	"go.chromium.org/batchrunner/internal/testutil"
)

func TestWriterFormat(t *testing.T) {
	td := testutil.TempDir(t)
	p := filepath.Join(td, "journal.txt")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := journal.NewWriter(f, false)
	if err := w.Subtest("basic-flip"); err != nil {
		t.Fatal("Subtest failed: ", err)
	}
	if err := w.Timeout(-15, 5*time.Second); err != nil {
		t.Fatal("Timeout failed: ", err)
	}
	if err := w.Exit(0, 20*time.Millisecond); err != nil {
		t.Fatal("Exit failed: ", err)
	}

	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	const want = "basic-flip\ntimeout:-15 (5.000s)\nexit:0 (0.020s)\n"
	if string(b) != want {
		t.Errorf("Journal content = %q; want %q", string(b), want)
	}
}

func TestRead(t *testing.T) {
	const data = "foo\nbar\nfoo\ntimeout:-15 (5.000s)\nbaz\nexit:0 (0.020s)\n"
	j, err := journal.Read(strings.NewReader(data))
	if err != nil {
		t.Fatal("Read failed: ", err)
	}

	want := &journal.Journal{
		Subtests: []string{"foo", "bar", "baz"},
		Events: []journal.Event{
			{Kind: journal.EventTimeout, Code: -15, Seconds: 5, After: "foo"},
			{Kind: journal.EventExit, Code: 0, Seconds: 0.02, After: "baz"},
		},
		LastSubtest: "baz",
	}
	if diff := cmp.Diff(j, want); diff != "" {
		t.Errorf("Journal mismatch (-got +want):\n%s", diff)
	}
	if term := j.Terminal(); term == nil || term.Kind != journal.EventExit {
		t.Errorf("Terminal() = %+v; want the exit event", term)
	}
	if !j.Exited() {
		t.Error("Exited() = false; want true")
	}
}

func TestReadNoTerminal(t *testing.T) {
	j, err := journal.Read(strings.NewReader("only-subtest\n"))
	if err != nil {
		t.Fatal("Read failed: ", err)
	}
	if j.Terminal() != nil {
		t.Errorf("Terminal() = %+v; want nil", j.Terminal())
	}
	if j.Exited() {
		t.Error("Exited() = true; want false")
	}
}

func TestReadMalformedTerminal(t *testing.T) {
	// A subtest could be named to look like a terminal line. Without a
	// parseable code it must be kept as a name.
	j, err := journal.Read(strings.NewReader("exit:door\nexit:-1 (0.5s)\n"))
	if err != nil {
		t.Fatal("Read failed: ", err)
	}
	if diff := cmp.Diff(j.Subtests, []string{"exit:door"}); diff != "" {
		t.Errorf("Subtests mismatch (-got +want):\n%s", diff)
	}
	if len(j.Events) != 1 || j.Events[0].Code != -1 {
		t.Errorf("Events = %+v; want one exit event with code -1", j.Events)
	}
}

func TestReadFileMissing(t *testing.T) {
	td := testutil.TempDir(t)
	j, err := journal.ReadFile(filepath.Join(td, "journal.txt"))
	if err != nil {
		t.Fatal("ReadFile failed: ", err)
	}
	if len(j.Subtests) != 0 || len(j.Events) != 0 {
		t.Errorf("ReadFile on missing file = %+v; want empty journal", j)
	}
}
