// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package settings_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/batchrunner/internal/settings"
	"go.chromium.org/batchrunner/internal/testutil"
)

func TestSettingsRoundTrip(t *testing.T) {
	td := testutil.TempDir(t)

	want := &settings.Settings{
		Name:              "nightly",
		TestRoot:          "/opt/tests",
		ResultsPath:       td,
		Sync:              true,
		InactivityTimeout: 30 * time.Second,
		OverallTimeout:    2 * time.Hour,
		UseWatchdog:       true,
		DmesgWarnLevel:    -1,
		Prune:             settings.PruneKeepAll,
	}
	if err := want.Write(td); err != nil {
		t.Fatal("Write failed: ", err)
	}
	got, err := settings.Load(td)
	if err != nil {
		t.Fatal("Load failed: ", err)
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Settings mismatch (-got +want):\n%s", diff)
	}
}

func TestSettingsNoOverwrite(t *testing.T) {
	td := testutil.TempDir(t)

	s := &settings.Settings{Name: "first"}
	if err := s.Write(td); err != nil {
		t.Fatal("First Write failed: ", err)
	}
	if err := s.Write(td); err == nil {
		t.Error("Second Write unexpectedly succeeded")
	}
	s.Overwrite = true
	if err := s.Write(td); err != nil {
		t.Error("Write with Overwrite failed: ", err)
	}
}

func TestJobListRoundTrip(t *testing.T) {
	td := testutil.TempDir(t)

	want := &settings.JobList{Entries: []settings.Entry{
		{Binary: "gem_exec"},
		{Binary: "kms_flip", Subtests: []string{"basic", "!flaky-*"}},
	}}
	if err := want.Write(td); err != nil {
		t.Fatal("Write failed: ", err)
	}
	got, err := settings.LoadJobList(td)
	if err != nil {
		t.Fatal("LoadJobList failed: ", err)
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("JobList mismatch (-got +want):\n%s", diff)
	}
}

func TestEffectiveDmesgWarnLevel(t *testing.T) {
	for _, tc := range []struct {
		s    settings.Settings
		want int
	}{
		{settings.Settings{DmesgWarnLevel: -1}, 4},
		{settings.Settings{DmesgWarnLevel: -1, PiglitStyleDmesg: true}, 5},
		{settings.Settings{DmesgWarnLevel: 3}, 3},
		{settings.Settings{DmesgWarnLevel: 0}, 0},
	} {
		if got := tc.s.EffectiveDmesgWarnLevel(); got != tc.want {
			t.Errorf("EffectiveDmesgWarnLevel(%+v) = %d; want %d", tc.s, got, tc.want)
		}
	}
}

func TestEffectivePrune(t *testing.T) {
	var s settings.Settings
	if got := s.EffectivePrune(); got != settings.PruneKeepDynamic {
		t.Errorf("EffectivePrune() = %q; want %q", got, settings.PruneKeepDynamic)
	}
	s.Prune = settings.PruneKeepRequested
	if got := s.EffectivePrune(); got != settings.PruneKeepRequested {
		t.Errorf("EffectivePrune() = %q; want %q", got, settings.PruneKeepRequested)
	}
}
