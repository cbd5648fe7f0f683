// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package results

import (
	"bytes"
	"fmt"
	"strconv"

	"go.chromium.org/batchrunner/errors"
	"go.chromium.org/batchrunner/internal/comms"
)

// commsState is the structured-event state machine position.
type commsState int

const (
	stateInitial commsState = iota
	stateAfterExec
	stateSubtestStarted
	stateDynamicStarted
	stateBetweenDynamics
	stateBetweenSubtests
	stateExited
)

// commsParser folds a packet stream into the node model shared with the text
// scraper. The machine reconstructs the out/err text a text-mode run would
// have produced: log packets append to stream buffers and every start/result
// event re-injects the sentinel line the test would have printed.
//
// A scope is not finalized at its result event but at the next start event
// (or end of dump); its captured text therefore runs from its recorded start
// index to the buffer length at flush time, while the next scope's start
// index was already marked just past the result line. Out-of-turn packets
// never fail the parse; they synthesize a warning line into the buffered
// error text and the machine resynchronizes.
type commsParser struct {
	state   commsState
	version string
	nodes   []*scrapeNode

	// firstRequested seeds the synthetic node created when the process
	// exits without ever reporting a subtest although one was configured.
	firstRequested string

	exit     *int    // child-reported exit code
	exitSecs float64 // child-reported time used, accumulated over resumes

	outbuf bytes.Buffer // reconstructed whole-stream output
	errbuf bytes.Buffer

	cur       *scrapeNode // open subtest scope
	curResult string      // pending result, "" = none yet; overrides land here early
	outIdx    int         // where cur's span begins
	errIdx    int
	nextOut   int // where the scope after cur will begin
	nextErr   int

	curDyn     *scrapeNode // open dynamic scope
	dynResult  string
	dynOutIdx  int
	dynErrIdx  int
	nextDynOut int
	nextDynErr int
}

func newCommsParser(firstRequested string) *commsParser {
	return &commsParser{firstRequested: firstRequested}
}

func (p *commsParser) warnf(format string, args ...interface{}) {
	fmt.Fprintf(&p.errbuf, "\nrunner: "+format+"\n", args...)
}

// injectStartLine writes the sentinel line a text-mode test would have
// printed to both streams.
func (p *commsParser) injectStartLine(sentinel, name string) {
	line := sentinel + name + "\n"
	p.outbuf.WriteString(line)
	p.errbuf.WriteString(line)
}

func (p *commsParser) injectResultLine(sentinel, name, result, timeused string) {
	line := fmt.Sprintf("%s%s: %s (%ss)\n", sentinel, name, result, timeused)
	p.outbuf.WriteString(line)
	p.errbuf.WriteString(line)
}

// openSubtest begins collecting a new subtest scope. Its span begins at the
// index marked by the previous scope's result event, so output printed
// between two subtests counts toward the later one.
func (p *commsParser) openSubtest(name string, started bool) {
	node := &scrapeNode{subtest: name, started: started}
	p.nodes = append(p.nodes, node)
	p.cur = node
	p.outIdx = p.nextOut
	p.errIdx = p.nextErr
	p.dynOutIdx, p.nextDynOut = p.outIdx, p.outIdx
	p.dynErrIdx, p.nextDynErr = p.errIdx, p.errIdx
}

// finishSubtest finalizes the open subtest scope with everything buffered up
// to now.
func (p *commsParser) finishSubtest() {
	if p.cur == nil {
		return
	}
	p.cur.out = string(p.outbuf.Bytes()[p.outIdx:])
	p.cur.err = string(p.errbuf.Bytes()[p.errIdx:])
	if p.curResult == "" {
		p.curResult = KindIncomplete
	}
	p.cur.result = p.curResult
	p.cur = nil
	p.curResult = ""
}

func (p *commsParser) openDynamic(name string) {
	node := &scrapeNode{subtest: p.cur.subtest, dynamic: name, started: true}
	p.nodes = append(p.nodes, node)
	p.curDyn = node
	p.dynOutIdx = p.nextDynOut
	p.dynErrIdx = p.nextDynErr
}

func (p *commsParser) finishDynamic() {
	if p.curDyn == nil {
		return
	}
	p.curDyn.out = string(p.outbuf.Bytes()[p.dynOutIdx:])
	p.curDyn.err = string(p.errbuf.Bytes()[p.dynErrIdx:])
	if p.dynResult == "" {
		p.dynResult = KindIncomplete
	}
	p.curDyn.result = p.dynResult
	p.curDyn = nil
	p.dynResult = ""
}

func parseSeconds(s string) float64 {
	secs, _ := strconv.ParseFloat(s, 64)
	return secs
}

// handle advances the machine by one packet.
func (p *commsParser) handle(pkt comms.Packet) error {
	switch pkt := pkt.(type) {
	case comms.Exec:
		switch p.state {
		case stateInitial:
		case stateAfterExec:
			// A resume exec with no subtest data from the previous
			// invocation. There is no scope to attribute the collected
			// logs to, so they are dropped.
			p.outbuf.Reset()
			p.errbuf.Reset()
			p.outIdx, p.errIdx, p.nextOut, p.nextErr = 0, 0, 0, 0
		default:
			// A resume exec while collecting data.
			p.finishDynamic()
			p.finishSubtest()
		}
		p.state = stateAfterExec

	case comms.Log:
		if pkt.Stream == comms.StreamStdout {
			p.outbuf.WriteString(pkt.Text)
		} else {
			p.errbuf.WriteString(pkt.Text)
		}

	case comms.VersionString:
		p.version = pkt.Text

	case comms.SubtestStart:
		switch p.state {
		case stateInitial, stateExited:
			return errors.Errorf("unexpected subtest start %q (binary not running)", pkt.Name)
		case stateSubtestStarted, stateDynamicStarted, stateBetweenDynamics:
			p.warnf("Subtest %s already running when subtest %s starts. This is a test bug.",
				p.cur.subtest, pkt.Name)
			fallthrough
		case stateBetweenSubtests:
			p.finishDynamic()
			p.finishSubtest()
		}
		p.openSubtest(pkt.Name, true)
		p.injectStartLine(startSentinel, pkt.Name)
		p.state = stateSubtestStarted

	case comms.SubtestResult:
		switch p.state {
		case stateInitial, stateExited:
			return errors.Errorf("unexpected subtest result %q (binary not running)", pkt.Name)
		case stateDynamicStarted:
			p.warnf("Dynamic subtest %s still running when subtest %s ended. This is a test bug.",
				p.curDyn.dynamic, pkt.Name)
			p.finishDynamic()
		case stateBetweenSubtests:
			// A result from a fixture, without a start, while the previous
			// subtest was still collecting.
			p.finishSubtest()
			p.openSubtest(pkt.Name, false)
		case stateAfterExec:
			// A result from a fixture before any subtest started.
			p.openSubtest(pkt.Name, false)
		}
		// A failure reason travels only in the packet; land it in the
		// reconstructed stderr where a reader would look for it.
		if pkt.Reason != "" {
			p.errbuf.WriteString(pkt.Reason + "\n")
		}
		p.injectResultLine(resultSentinel, pkt.Name, pkt.Result, pkt.TimeUsed)
		// The next scope's text begins right after the result line.
		p.nextOut = p.outbuf.Len()
		p.nextErr = p.errbuf.Len()
		// An override already in place wins over the packet's result.
		if p.curResult == "" {
			p.curResult = resultFromWord(pkt.Result)
		}
		if p.cur != nil {
			p.cur.secs += parseSeconds(pkt.TimeUsed)
		}
		p.state = stateBetweenSubtests

	case comms.DynamicSubtestStart:
		switch p.state {
		case stateInitial, stateExited:
			return errors.Errorf("unexpected dynamic subtest start %q (binary not running)", pkt.Name)
		case stateAfterExec:
			return errors.Errorf("unexpected dynamic subtest start %q (subtest not running)", pkt.Name)
		case stateBetweenSubtests:
			p.warnf("Dynamic subtest %s started when not inside a subtest. This is a test bug.", pkt.Name)
			return nil
		case stateDynamicStarted:
			p.warnf("Dynamic subtest %s already running when dynamic subtest %s starts. This is a test bug.",
				p.curDyn.dynamic, pkt.Name)
			fallthrough
		case stateBetweenDynamics:
			p.finishDynamic()
		}
		p.openDynamic(pkt.Name)
		p.injectStartLine(dynStartSentinel, pkt.Name)
		p.state = stateDynamicStarted

	case comms.DynamicSubtestResult:
		switch p.state {
		case stateInitial, stateExited:
			return errors.Errorf("unexpected dynamic subtest result %q (binary not running)", pkt.Name)
		case stateAfterExec:
			return errors.Errorf("unexpected dynamic subtest result %q (subtest not running)", pkt.Name)
		case stateBetweenSubtests:
			p.warnf("Dynamic subtest %s result when not inside a subtest. This is a test bug.", pkt.Name)
			return nil
		case stateBetweenDynamics:
			p.finishDynamic()
			fallthrough
		case stateSubtestStarted:
			// A result without a start.
			p.openDynamic(pkt.Name)
		}
		if pkt.Reason != "" {
			p.errbuf.WriteString(pkt.Reason + "\n")
		}
		p.injectResultLine(dynResultSentinel, pkt.Name, pkt.Result, pkt.TimeUsed)
		p.nextDynOut = p.outbuf.Len()
		p.nextDynErr = p.errbuf.Len()
		if p.dynResult == "" {
			p.dynResult = resultFromWord(pkt.Result)
		}
		if p.curDyn != nil {
			p.curDyn.secs += parseSeconds(pkt.TimeUsed)
		}
		p.state = stateBetweenDynamics

	case comms.ResultOverride:
		// Overrides arrive pre-mapped to result kinds and stick: the
		// eventual result packet must not replace them.
		if p.curDyn != nil {
			p.dynResult = pkt.Result
		}
		p.curResult = pkt.Result

	case comms.Exit:
		code := int(pkt.Code)
		if p.state == stateAfterExec {
			// Exit without any subtest. If one was configured the process
			// was killed before reaching it; otherwise the binary itself
			// carries the result. Either way the node claims all output.
			p.openSubtest(p.firstRequested, false)
			if p.curResult == "" {
				p.curResult = resultFromExitCode(code)
			}
		} else if abnormalExit(code) {
			// An abnormal termination invalidates whatever results the
			// still-open subtest and dynamic subtest reported on their
			// own. Both get the termination classification.
			p.curResult = resultFromExitCode(code)
			p.dynResult = resultFromExitCode(code)
		}
		p.exit = &code
		p.exitSecs += parseSeconds(pkt.TimeUsed)
		p.state = stateExited
	}
	return nil
}

// finish finalizes any scope still open at the end of the dump.
func (p *commsParser) finish() {
	p.finishDynamic()
	p.finishSubtest()
}
