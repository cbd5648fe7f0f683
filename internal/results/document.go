// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package results

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"go.chromium.org/batchrunner/errors"
)

// Document type tags and version, fixed by the results.json format.
const (
	documentType  = "TestrunResult"
	timeType      = "TimeAttribute"
	resultsFormat = 10
)

// TimeAttribute is a start/end pair of seconds, used both for wall-clock
// ranges and for accumulated runtimes.
type TimeAttribute struct {
	Type  string  `json:"__type__"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func newTimeAttribute() TimeAttribute {
	return TimeAttribute{Type: timeType}
}

// Test is one result node, keyed in Document.Tests by a flattened
// identifier: "binary", "binary@subtest" or "binary@subtest@dynamic".
type Test struct {
	Out           string        `json:"out"`
	Err           string        `json:"err"`
	Dmesg         string        `json:"dmesg"`
	Result        string        `json:"result"`
	DmesgWarnings string        `json:"dmesg-warnings,omitempty"`
	Version       string        `json:"igt-version,omitempty"`
	Time          TimeAttribute `json:"time"`
}

func newTest() *Test {
	return &Test{Time: newTimeAttribute()}
}

// Totals counts results by kind. Every kind is present in the JSON even at
// zero so consumers always see the full kind set.
type Totals struct {
	Pass       int `json:"pass"`
	Warn       int `json:"warn"`
	Skip       int `json:"skip"`
	Fail       int `json:"fail"`
	Crash      int `json:"crash"`
	Timeout    int `json:"timeout"`
	Incomplete int `json:"incomplete"`
	Abort      int `json:"abort"`
	NotRun     int `json:"notrun"`
	DmesgWarn  int `json:"dmesg-warn"`
	DmesgFail  int `json:"dmesg-fail"`
}

// Add counts one result of the given kind.
func (t *Totals) Add(kind string) {
	switch kind {
	case KindPass:
		t.Pass++
	case KindWarn:
		t.Warn++
	case KindSkip:
		t.Skip++
	case KindFail:
		t.Fail++
	case KindCrash:
		t.Crash++
	case KindTimeout:
		t.Timeout++
	case KindIncomplete:
		t.Incomplete++
	case KindAbort:
		t.Abort++
	case KindNotRun:
		t.NotRun++
	case KindDmesgWarn:
		t.DmesgWarn++
	case KindDmesgFail:
		t.DmesgFail++
	}
}

// Document is the root results.json object.
type Document struct {
	Type           string                    `json:"__type__"`
	Version        int                       `json:"results_version"`
	Name           string                    `json:"name"`
	Uname          string                    `json:"uname"`
	TimeElapsed    TimeAttribute             `json:"time_elapsed"`
	Tests          map[string]*Test          `json:"tests"`
	Totals         map[string]*Totals        `json:"totals"`
	Runtimes       map[string]*TimeAttribute `json:"runtimes"`
}

func newDocument(name string) *Document {
	return &Document{
		Type:        documentType,
		Version:     resultsFormat,
		Name:        name,
		TimeElapsed: newTimeAttribute(),
		Tests:       make(map[string]*Test),
		Totals:      make(map[string]*Totals),
		Runtimes:    make(map[string]*TimeAttribute),
	}
}

// test returns the node for id, creating it if needed.
func (d *Document) test(id string) *Test {
	if t, ok := d.Tests[id]; ok {
		return t
	}
	t := newTest()
	d.Tests[id] = t
	return t
}

// addRuntime accumulates secs onto id's runtime. Times sum rather than
// overwrite so a job resumed across several process invocations reports its
// total wall time.
func (d *Document) addRuntime(id string, secs float64) {
	rt, ok := d.Runtimes[id]
	if !ok {
		t := newTimeAttribute()
		rt = &t
		d.Runtimes[id] = rt
	}
	rt.End += secs
}

// countTotals recomputes the totals maps from the current test set. Each
// node counts toward the grand-total scope, the "root" scope and its owning
// binary's scope.
func (d *Document) countTotals() {
	d.Totals = make(map[string]*Totals)
	scope := func(name string) *Totals {
		t, ok := d.Totals[name]
		if !ok {
			t = &Totals{}
			d.Totals[name] = t
		}
		return t
	}
	for id, t := range d.Tests {
		binary, _, _ := strings.Cut(id, "@")
		for _, s := range []string{"", "root", binary} {
			scope(s).Add(t.Result)
		}
	}
}

// MarshalIndent serializes the document with the standard json package. Map
// keys come out sorted, so generating the document twice over unchanged
// inputs is byte-identical.
func (d *Document) MarshalIndent() ([]byte, error) {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal results")
	}
	return append(b, '\n'), nil
}

// testID builds the flattened identifier of a node.
func testID(binary, subtest, dynamic string) string {
	id := binary
	if subtest != "" {
		id += "@" + subtest
	}
	if dynamic != "" {
		id += "@" + dynamic
	}
	return id
}

// sanitize widens any non-UTF-8 bytes of s as Latin-1 so the marshaled JSON
// is always valid UTF-8. Valid UTF-8 input is returned unchanged.
func sanitize(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size <= 1 {
			b.WriteRune(rune(s[i]))
			i++
			continue
		}
		b.WriteString(s[i : i+size])
		i += size
	}
	return b.String()
}
