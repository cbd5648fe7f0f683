// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package results

import (
	"bytes"
	"strconv"
	"strings"
)

// Sentinel prefixes test binaries embed in their text output.
const (
	startSentinel     = "Starting subtest: "
	resultSentinel    = "Subtest "
	dynStartSentinel  = "Starting dynamic subtest: "
	dynResultSentinel = "Dynamic subtest "
	versionSentinel   = "IGT-Version: "
)

// span is a half-open byte range of one output buffer.
type span struct {
	begin, end int
}

func (s span) slice(buf []byte) []byte { return buf[s.begin:s.end] }

// lineResult is a parsed "<RESULT> (<seconds>s)" tail of a result line.
type lineResult struct {
	kind string
	secs float64
}

// findLineWithPrefix locates the first line at or after from that starts
// with prefix, returning the offset of the line start or -1.
func findLineWithPrefix(buf []byte, from int, prefix string) int {
	for i := from; i <= len(buf); {
		j := bytes.Index(buf[i:], []byte(prefix))
		if j < 0 {
			return -1
		}
		pos := i + j
		if pos == 0 || buf[pos-1] == '\n' {
			return pos
		}
		i = pos + 1
	}
	return -1
}

// lineEnd returns the offset one past the newline terminating the line that
// begins at pos, or len(buf) for an unterminated final line.
func lineEnd(buf []byte, pos int) int {
	if i := bytes.IndexByte(buf[pos:], '\n'); i >= 0 {
		return pos + i + 1
	}
	return len(buf)
}

// findStartLine locates a "<sentinel><name>\n" line at or after from. The
// character following the name must end the line, so one subtest name being
// a prefix of another never misattributes the line.
func findStartLine(buf []byte, from int, sentinel, name string) int {
	needle := sentinel + name
	for i := from; ; {
		pos := findLineWithPrefix(buf, i, needle)
		if pos < 0 {
			return -1
		}
		ne := pos + len(needle)
		if ne >= len(buf) || buf[ne] == '\n' {
			return pos
		}
		i = pos + 1
	}
}

// findResultLine locates a "<sentinel><name>: <RESULT> (<seconds>s)" line at
// or after from. The name must be followed by exactly ": ". It returns the
// line start, the offset past the line, and the parsed result.
func findResultLine(buf []byte, from int, sentinel, name string) (pos, end int, res lineResult, ok bool) {
	needle := sentinel + name + ": "
	pos = findLineWithPrefix(buf, from, needle)
	if pos < 0 {
		return 0, 0, lineResult{}, false
	}
	end = lineEnd(buf, pos)
	tail := strings.TrimSuffix(string(buf[pos+len(needle):end]), "\n")
	word, timing, _ := strings.Cut(tail, " ")
	res.kind = resultFromWord(word)
	if strings.HasPrefix(timing, "(") && strings.HasSuffix(timing, "s)") {
		if secs, err := strconv.ParseFloat(timing[1:len(timing)-2], 64); err == nil {
			res.secs = secs
		}
	}
	return pos, end, res, true
}

// nextSentinel returns the offset of the next start or result line of either
// sentinel pair at or after from, or len(buf).
func nextSentinel(buf []byte, from int, startSent, resultSent string) int {
	end := len(buf)
	if pos := findLineWithPrefix(buf, from, startSent); pos >= 0 && pos < end {
		end = pos
	}
	if pos := findLineWithPrefix(buf, from, resultSent); pos >= 0 && pos < end {
		end = pos
	}
	return end
}

// bufferScrape is the per-buffer output of scrapeBuffer, indexed like the
// subtest list it was given.
type bufferScrape struct {
	spans   []span
	results []*lineResult
	started []bool
}

// scrapeBuffer carves buf into one span per subtest. Boundaries are always
// the midpoints between adjacent sentinel lines: a span starts where the
// previous subtest's span ended and normally ends just past its own result
// line. A subtest that started but never resulted ends at the next sentinel
// of either kind. When extendLast is set, the final span absorbs everything
// to the end of the buffer, so concatenating all spans reproduces buf.
func scrapeBuffer(buf []byte, subtests []string, startSent, resultSent string, extendLast bool) *bufferScrape {
	sc := &bufferScrape{
		spans:   make([]span, len(subtests)),
		results: make([]*lineResult, len(subtests)),
		started: make([]bool, len(subtests)),
	}
	cursor := 0
	for i, name := range subtests {
		startPos := findStartLine(buf, cursor, startSent, name)
		sc.started[i] = startPos >= 0
		resFrom := cursor
		if startPos >= 0 {
			resFrom = startPos
		}
		if _, resEnd, res, ok := findResultLine(buf, resFrom, resultSent, name); ok {
			r := res
			sc.spans[i] = span{cursor, resEnd}
			sc.results[i] = &r
			cursor = resEnd
			continue
		}
		if startPos >= 0 {
			end := nextSentinel(buf, lineEnd(buf, startPos), startSent, resultSent)
			sc.spans[i] = span{cursor, end}
			cursor = end
			continue
		}
		sc.spans[i] = span{cursor, cursor}
	}
	if extendLast && len(subtests) > 0 {
		sc.spans[len(subtests)-1].end = len(buf)
	}
	return sc
}

// discoverDynamics collects dynamic subtest names appearing in buf, in order
// of first appearance, from both dynamic sentinel kinds.
func discoverDynamics(buf []byte, seen map[string]bool, names []string) []string {
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for pos := 0; ; {
		pos = findLineWithPrefix(buf, pos, dynStartSentinel)
		if pos < 0 {
			break
		}
		end := lineEnd(buf, pos)
		add(strings.TrimSuffix(string(buf[pos+len(dynStartSentinel):end]), "\n"))
		pos = end
	}
	for pos := 0; ; {
		pos = findLineWithPrefix(buf, pos, dynResultSentinel)
		if pos < 0 {
			break
		}
		end := lineEnd(buf, pos)
		name, _, ok := strings.Cut(string(buf[pos+len(dynResultSentinel):end]), ":")
		if ok {
			add(name)
		}
		pos = end
	}
	return names
}

// findVersion extracts the framework version banner from buf, if present.
func findVersion(buf []byte) string {
	pos := findLineWithPrefix(buf, 0, versionSentinel)
	if pos < 0 {
		return ""
	}
	return strings.TrimSuffix(string(buf[pos:lineEnd(buf, pos)]), "\n")
}

// scrapeNode is one parsed scope: a subtest, a dynamic subtest, or (with
// both names empty) the binary itself. Both parsing strategies produce these
// and the later fill passes extend them.
type scrapeNode struct {
	subtest string
	dynamic string // empty for a subtest-level node
	out     string
	err     string
	result  string // "" when no result line was found
	secs    float64
	started bool

	dmesg         string
	dmesgWarnings string
	hasDmesg      bool
}

// jobScrape is the parsed text output of one job.
type jobScrape struct {
	version string
	nodes   []*scrapeNode
}

// scrapeJob parses a job's stdout and stderr for the given subtest set
// (normally recovered from the journal). Test binaries print the sentinel
// lines to both streams, so both buffers are carved with the same algorithm;
// the result value is taken from stdout when both carry one.
func scrapeJob(subtests []string, out, errBuf []byte) *jobScrape {
	js := &jobScrape{version: findVersion(out)}
	if js.version == "" {
		js.version = findVersion(errBuf)
	}

	outSc := scrapeBuffer(out, subtests, startSentinel, resultSentinel, true)
	errSc := scrapeBuffer(errBuf, subtests, startSentinel, resultSentinel, true)

	for i, name := range subtests {
		node := &scrapeNode{
			subtest: name,
			out:     string(outSc.spans[i].slice(out)),
			err:     string(errSc.spans[i].slice(errBuf)),
		}
		res := outSc.results[i]
		if res == nil {
			res = errSc.results[i]
		}
		if res != nil {
			node.result = res.kind
			node.secs = res.secs
		} else {
			node.result = KindIncomplete
		}
		node.started = outSc.started[i] || errSc.started[i]
		js.nodes = append(js.nodes, node)

		js.nodes = append(js.nodes, scrapeDynamics(name, outSc.spans[i].slice(out), errSc.spans[i].slice(errBuf))...)
	}
	return js
}

// scrapeDynamics carves a parent subtest's spans for its dynamic subtests.
// Dynamic names are discovered by scanning the parent's own output, never
// the whole buffer, so dynamics of different parents cannot collide.
func scrapeDynamics(parent string, out, errBuf []byte) []*scrapeNode {
	seen := make(map[string]bool)
	names := discoverDynamics(out, seen, nil)
	names = discoverDynamics(errBuf, seen, names)
	if len(names) == 0 {
		return nil
	}

	outSc := scrapeBuffer(out, names, dynStartSentinel, dynResultSentinel, false)
	errSc := scrapeBuffer(errBuf, names, dynStartSentinel, dynResultSentinel, false)

	var nodes []*scrapeNode
	for i, name := range names {
		node := &scrapeNode{
			subtest: parent,
			dynamic: name,
			out:     string(outSc.spans[i].slice(out)),
			err:     string(errSc.spans[i].slice(errBuf)),
		}
		res := outSc.results[i]
		if res == nil {
			res = errSc.results[i]
		}
		if res != nil {
			node.result = res.kind
			node.secs = res.secs
		} else {
			node.result = KindIncomplete
		}
		nodes = append(nodes, node)
	}
	return nodes
}
