// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package journal reads and writes the per-job lifecycle journal.
//
// The journal is an append-only text file with one line per event: a bare
// subtest name when the running job reports that the subtest started or
// produced a result, and a terminal "exit:<code> (<seconds>s)" or
// "timeout:<code> (<seconds>s)" line when the supervising process reaps the
// job or gives up on it. It doubles as a live progress log and as the source
// of truth for resuming an interrupted batch.
package journal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.chromium.org/batchrunner/errors"
)

// Terminal prefixes of journal lines.
const (
	exitPrefix    = "exit:"
	timeoutPrefix = "timeout:"
)

// Writer appends journal events to a file.
type Writer struct {
	f    *os.File
	sync bool
}

// NewWriter creates a Writer appending to f. If sync is true, every event is
// flushed to disk before the write returns.
func NewWriter(f *os.File, sync bool) *Writer {
	return &Writer{f: f, sync: sync}
}

// Subtest records that a subtest appeared in the job's output.
func (w *Writer) Subtest(name string) error {
	return w.write(name + "\n")
}

// Exit records the job's exit with the given normalized status code after
// running for d.
func (w *Writer) Exit(code int, d time.Duration) error {
	return w.write(fmt.Sprintf("%s%d (%.3fs)\n", exitPrefix, code, d.Seconds()))
}

// Timeout records that the job was killed for inactivity with the given
// normalized status code after running for d.
func (w *Writer) Timeout(code int, d time.Duration) error {
	return w.write(fmt.Sprintf("%s%d (%.3fs)\n", timeoutPrefix, code, d.Seconds()))
}

func (w *Writer) write(line string) error {
	if _, err := io.WriteString(w.f, line); err != nil {
		return errors.Wrap(err, "failed to write journal")
	}
	if w.sync {
		if err := w.f.Sync(); err != nil {
			return errors.Wrap(err, "failed to sync journal")
		}
	}
	return nil
}

// EventKind distinguishes the two terminal journal events.
type EventKind int

// Valid values of EventKind.
const (
	// EventExit corresponds to an "exit:" line.
	EventExit EventKind = iota
	// EventTimeout corresponds to a "timeout:" line.
	EventTimeout
)

// Event is one parsed terminal journal line.
type Event struct {
	Kind    EventKind
	Code    int
	Seconds float64
	// After is the subtest line most recently seen before this event, or
	// empty. A timeout is attributed to this subtest.
	After string
}

// Journal is the parsed contents of one job's journal file.
type Journal struct {
	// Subtests lists the subtest names that appeared, in order of first
	// appearance, deduplicated.
	Subtests []string
	// Events lists every terminal line in order. The last one is
	// authoritative for the job's terminal state.
	Events []Event
	// LastSubtest is the subtest line closest to the end of the journal.
	LastSubtest string
}

// Terminal returns the authoritative terminal event, or nil if the job never
// reached a terminal state.
func (j *Journal) Terminal() *Event {
	if len(j.Events) == 0 {
		return nil
	}
	return &j.Events[len(j.Events)-1]
}

// Exited reports whether the journal contains an "exit:" line, i.e. whether
// the job's process was reaped at least once.
func (j *Journal) Exited() bool {
	for _, ev := range j.Events {
		if ev.Kind == EventExit {
			return true
		}
	}
	return false
}

// Read parses a journal stream. Malformed terminal lines are treated as
// subtest names rather than dropped, matching the append-anything discipline
// of the writer side.
func Read(r io.Reader) (*Journal, error) {
	var j Journal
	seen := make(map[string]bool)
	sc := bufio.NewScanner(r)
	sc.Buffer(nil, 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if ev, ok := parseTerminal(line); ok {
			ev.After = j.LastSubtest
			j.Events = append(j.Events, ev)
			continue
		}
		j.LastSubtest = line
		if !seen[line] {
			seen[line] = true
			j.Subtests = append(j.Subtests, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read journal")
	}
	return &j, nil
}

// ReadFile parses the journal file at path. A missing file yields an empty
// journal.
func ReadFile(path string) (*Journal, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &Journal{}, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to open journal")
	}
	defer f.Close()
	return Read(f)
}

// parseTerminal parses an "exit:<code> (<seconds>s)" or
// "timeout:<code> (<seconds>s)" line. The time suffix is optional.
func parseTerminal(line string) (Event, bool) {
	var ev Event
	var rest string
	switch {
	case strings.HasPrefix(line, exitPrefix):
		ev.Kind = EventExit
		rest = line[len(exitPrefix):]
	case strings.HasPrefix(line, timeoutPrefix):
		ev.Kind = EventTimeout
		rest = line[len(timeoutPrefix):]
	default:
		return Event{}, false
	}

	codeStr, timeStr, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return Event{}, false
	}
	ev.Code = code
	if strings.HasPrefix(timeStr, "(") && strings.HasSuffix(timeStr, "s)") {
		if secs, err := strconv.ParseFloat(timeStr[1:len(timeStr)-2], 64); err == nil {
			ev.Seconds = secs
		}
	}
	return ev, true
}
