// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package settings holds the immutable per-batch configuration and job list.
//
// A batch's settings and job list are serialized into the results directory
// when the batch starts and reloaded from there on resume, so a resumed run
// always sees exactly the configuration the original run had.
package settings

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"go.chromium.org/batchrunner/errors"
)

// File names used inside a results directory.
const (
	MetadataFile  = "metadata.yaml"
	JobListFile   = "joblist.yaml"
	UnameFile     = "uname.txt"
	StartTimeFile = "starttime.txt"
	EndTimeFile   = "endtime.txt"
	AbortFile     = "aborted.txt"
	ResultsFile   = "results.json"
)

// File names used inside a numbered per-job directory.
const (
	OutFile     = "out.txt"
	ErrFile     = "err.txt"
	JournalFile = "journal.txt"
	DmesgFile   = "dmesg.txt"
	SocketFile  = "comms"
)

// JobDir returns the per-job subdirectory of the results directory for the
// job at the given index in the job list.
func JobDir(resultsDir string, idx int) string {
	return filepath.Join(resultsDir, strconv.Itoa(idx))
}

// PruneMode controls which result nodes survive the final pruning pass of
// result generation.
type PruneMode string

// Valid values of PruneMode.
const (
	// PruneKeepDynamic keeps dynamic subtest nodes and drops subtest nodes
	// that only exist as containers for them.
	PruneKeepDynamic PruneMode = "keep-dynamic"
	// PruneKeepSubtests drops dynamic subtest nodes, keeping their parents.
	PruneKeepSubtests PruneMode = "keep-subtests"
	// PruneKeepAll keeps everything.
	PruneKeepAll PruneMode = "keep-all"
	// PruneKeepRequested keeps only nodes matching requested subtests.
	PruneKeepRequested PruneMode = "keep-requested"
)

// Settings is the process-wide immutable configuration of one batch run.
type Settings struct {
	// Name is the human-readable name of the batch, recorded in results.json.
	Name string `yaml:"name"`
	// TestRoot is the directory containing the test binaries.
	TestRoot string `yaml:"test_root"`
	// ResultsPath is the directory receiving per-job result subdirectories.
	ResultsPath string `yaml:"results_path"`
	// DryRun stops the batch loop before executing any job.
	DryRun bool `yaml:"dry_run"`
	// Sync makes every output and journal write hit the disk before the
	// runner proceeds, so a host crash loses at most one line.
	Sync bool `yaml:"sync"`
	// Overwrite allows reusing a non-empty results directory, clearing old
	// numbered job directories first.
	Overwrite bool `yaml:"overwrite"`
	// MultipleMode indicates jobs may list multiple subtests per binary
	// invocation. It changes how unattempted work is synthesized after an
	// abort, since the set of remaining subtests is then ambiguous.
	MultipleMode bool `yaml:"multiple_mode"`
	// InactivityTimeout is how long a job may produce no output before the
	// kill escalation starts. Zero disables inactivity detection.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	// PerTestTimeout bounds one job's total wall time regardless of output
	// activity. Zero disables it.
	PerTestTimeout time.Duration `yaml:"per_test_timeout"`
	// OverallTimeout bounds the whole batch. Zero disables it.
	OverallTimeout time.Duration `yaml:"overall_timeout"`
	// UseWatchdog arms hardware watchdog devices while jobs run.
	UseWatchdog bool `yaml:"use_watchdog"`
	// PiglitStyleDmesg selects blacklist-style dmesg classification, where a
	// line is a warning only if it matches the filter regex. The default
	// whitelist style flags every line the filter does not match.
	PiglitStyleDmesg bool `yaml:"piglit_style_dmesg"`
	// DmesgWarnLevel is the highest kernel log level (numerically) still
	// considered for warning classification. Levels are 0 (emergency)
	// through 7 (debug). Negative means use the style's default.
	DmesgWarnLevel int `yaml:"dmesg_warn_level"`
	// Prune selects the result pruning mode. Empty means PruneKeepDynamic.
	Prune PruneMode `yaml:"prune_mode"`
}

// Default levels used when DmesgWarnLevel is negative.
const (
	DefaultDmesgWarnLevel       = 4 // KERN_WARNING
	DefaultPiglitDmesgWarnLevel = 5 // KERN_NOTICE
)

// EffectiveDmesgWarnLevel returns the dmesg warning level to use, applying
// the style-dependent default when none was configured.
func (s *Settings) EffectiveDmesgWarnLevel() int {
	if s.DmesgWarnLevel >= 0 {
		return s.DmesgWarnLevel
	}
	if s.PiglitStyleDmesg {
		return DefaultPiglitDmesgWarnLevel
	}
	return DefaultDmesgWarnLevel
}

// EffectivePrune returns the pruning mode to use, applying the default when
// none was configured.
func (s *Settings) EffectivePrune() PruneMode {
	if s.Prune == "" {
		return PruneKeepDynamic
	}
	return s.Prune
}

// Entry is one unit of the job list: a test binary, optionally restricted to
// a subset of its subtests. Entries are immutable once loaded.
type Entry struct {
	// Binary is the path of the test binary, relative to TestRoot.
	Binary string `yaml:"binary"`
	// Subtests are selector strings passed to the binary. Selectors may use
	// the binary's glob syntax and may be negated with a leading '!'.
	Subtests []string `yaml:"subtests,omitempty"`
}

// JobList is the ordered list of jobs in one batch.
type JobList struct {
	Entries []Entry `yaml:"entries"`
}

// Write serializes s into dir. It fails if a serialized copy already exists
// and s.Overwrite is unset.
func (s *Settings) Write(dir string) error {
	p := filepath.Join(dir, MetadataFile)
	if !s.Overwrite {
		if _, err := os.Stat(p); err == nil {
			return errors.Errorf("%s already exists; use overwrite to replace it", p)
		}
	}
	b, err := yaml.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "failed to marshal settings")
	}
	if err := os.WriteFile(p, b, 0644); err != nil {
		return errors.Wrap(err, "failed to write settings")
	}
	return nil
}

// Load reads the settings serialized into dir.
func Load(dir string) (*Settings, error) {
	b, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read settings")
	}
	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "failed to parse settings")
	}
	return &s, nil
}

// Write serializes the job list into dir.
func (l *JobList) Write(dir string) error {
	b, err := yaml.Marshal(l)
	if err != nil {
		return errors.Wrap(err, "failed to marshal job list")
	}
	if err := os.WriteFile(filepath.Join(dir, JobListFile), b, 0644); err != nil {
		return errors.Wrap(err, "failed to write job list")
	}
	return nil
}

// LoadJobList reads the job list serialized into dir.
func LoadJobList(dir string) (*JobList, error) {
	return LoadJobListFile(filepath.Join(dir, JobListFile))
}

// LoadJobListFile reads a job list from an arbitrary file path.
func LoadJobListFile(path string) (*JobList, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read job list")
	}
	var l JobList
	if err := yaml.Unmarshal(b, &l); err != nil {
		return nil, errors.Wrap(err, "failed to parse job list")
	}
	return &l, nil
}
