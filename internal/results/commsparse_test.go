// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package results

import (
	"strings"
	"testing"

	"go.chromium.org/batchrunner/internal/comms"
)

func feedPackets(t *testing.T, p *commsParser, pkts []comms.Packet) {
	t.Helper()
	for _, pkt := range pkts {
		if err := p.handle(pkt); err != nil {
			t.Fatalf("handle(%+v) failed: %v", pkt, err)
		}
	}
	p.finish()
}

func TestCommsParserNormalFlow(t *testing.T) {
	p := newCommsParser("")
	feedPackets(t, p, []comms.Packet{
		comms.Exec{Cmdline: "bin --run-subtest first"},
		comms.VersionString{Text: "IGT-Version: 1.26-g1234567 (x86_64)"},
		comms.Log{Stream: comms.StreamStdout, Text: "prep\n"},
		comms.SubtestStart{Name: "first"},
		comms.Log{Stream: comms.StreamStdout, Text: "first says hi\n"},
		comms.SubtestResult{Name: "first", Result: "SUCCESS", TimeUsed: "1.5"},
		comms.SubtestStart{Name: "second"},
		comms.SubtestResult{Name: "second", Result: "FAIL", TimeUsed: "0.5", Reason: "broken widget"},
		comms.Exit{Code: 0, TimeUsed: "2.1"},
	})

	if p.version != "IGT-Version: 1.26-g1234567 (x86_64)" {
		t.Errorf("version = %q", p.version)
	}
	if p.exit == nil || *p.exit != 0 {
		t.Errorf("exit = %v; want 0", p.exit)
	}
	if p.exitSecs != 2.1 {
		t.Errorf("exitSecs = %v; want 2.1", p.exitSecs)
	}
	if len(p.nodes) != 2 {
		t.Fatalf("got %d nodes; want 2", len(p.nodes))
	}

	first, second := p.nodes[0], p.nodes[1]
	if first.result != KindPass || first.secs != 1.5 || !first.started {
		t.Errorf("first = %+v; want started pass in 1.5s", first)
	}
	if second.result != KindFail {
		t.Errorf("second.result = %q; want fail", second.result)
	}
	// Pre-subtest output flows into the first subtest, like the text
	// scraper attributes it.
	if !strings.Contains(first.out, "prep\n") || !strings.Contains(first.out, "first says hi\n") {
		t.Errorf("first.out = %q; missing the collected stream", first.out)
	}
	if !strings.Contains(first.out, "Starting subtest: first\n") ||
		!strings.Contains(first.out, "Subtest first: SUCCESS (1.5s)\n") {
		t.Errorf("first.out = %q; missing reinjected sentinel lines", first.out)
	}
	if !strings.Contains(second.err, "broken widget\n") {
		t.Errorf("second.err = %q; missing the failure reason", second.err)
	}
}

func TestCommsParserMatchesScraper(t *testing.T) {
	// A well-formed packet stream reconstructs output the text scraper
	// carves into the very same nodes.
	p := newCommsParser("")
	feedPackets(t, p, []comms.Packet{
		comms.Exec{Cmdline: "bin"},
		comms.SubtestStart{Name: "a"},
		comms.Log{Stream: comms.StreamStdout, Text: "a out\n"},
		comms.SubtestResult{Name: "a", Result: "SUCCESS", TimeUsed: "1.0"},
		comms.SubtestStart{Name: "b"},
		comms.DynamicSubtestStart{Name: "d"},
		comms.Log{Stream: comms.StreamStdout, Text: "d out\n"},
		comms.DynamicSubtestResult{Name: "d", Result: "FAIL", TimeUsed: "0.2"},
		comms.SubtestResult{Name: "b", Result: "FAIL", TimeUsed: "0.5"},
		comms.Exit{Code: 0, TimeUsed: "1.5"},
	})

	js := scrapeJob([]string{"a", "b"}, []byte(p.outbuf.String()), []byte(p.errbuf.String()))

	type key struct{ sub, dyn string }
	scraped := make(map[key]*scrapeNode)
	for _, n := range js.nodes {
		scraped[key{n.subtest, n.dynamic}] = n
	}
	for _, n := range p.nodes {
		sn := scraped[key{n.subtest, n.dynamic}]
		if sn == nil {
			t.Errorf("scraper did not find node %q/%q", n.subtest, n.dynamic)
			continue
		}
		if sn.result != n.result {
			t.Errorf("node %q/%q: scraped result %q, packet result %q", n.subtest, n.dynamic, sn.result, n.result)
		}
	}
	if len(js.nodes) != len(p.nodes) {
		t.Errorf("scraper found %d nodes, packets produced %d", len(js.nodes), len(p.nodes))
	}
}

func TestCommsParserOverrideSticks(t *testing.T) {
	p := newCommsParser("")
	feedPackets(t, p, []comms.Packet{
		comms.Exec{Cmdline: "bin"},
		comms.SubtestStart{Name: "s"},
		comms.ResultOverride{Result: KindCrash},
		comms.SubtestResult{Name: "s", Result: "SUCCESS", TimeUsed: "1.0"},
		comms.Exit{Code: 0, TimeUsed: "1.0"},
	})
	if p.nodes[0].result != KindCrash {
		t.Errorf("result = %q; want the override to beat the result packet", p.nodes[0].result)
	}
}

func TestCommsParserAbnormalExit(t *testing.T) {
	p := newCommsParser("")
	feedPackets(t, p, []comms.Packet{
		comms.Exec{Cmdline: "bin"},
		comms.SubtestStart{Name: "s"},
		comms.DynamicSubtestStart{Name: "d"},
		comms.Exit{Code: 112, TimeUsed: "0.5"},
	})

	byKey := make(map[string]string)
	for _, n := range p.nodes {
		byKey[n.subtest+"/"+n.dynamic] = n.result
	}
	if byKey["s/"] != KindAbort {
		t.Errorf("subtest result = %q; want abort", byKey["s/"])
	}
	if byKey["s/d"] != KindAbort {
		t.Errorf("dynamic result = %q; want abort", byKey["s/d"])
	}
}

func TestCommsParserAbnormalExitOverridesDynamicResult(t *testing.T) {
	p := newCommsParser("")
	feedPackets(t, p, []comms.Packet{
		comms.Exec{Cmdline: "bin"},
		comms.SubtestStart{Name: "s"},
		comms.DynamicSubtestStart{Name: "d"},
		comms.DynamicSubtestResult{Name: "d", Result: "SUCCESS", TimeUsed: "0.1"},
		comms.Exit{Code: 112, TimeUsed: "0.5"},
	})

	byKey := make(map[string]string)
	for _, n := range p.nodes {
		byKey[n.subtest+"/"+n.dynamic] = n.result
	}
	if byKey["s/"] != KindAbort {
		t.Errorf("subtest result = %q; want abort", byKey["s/"])
	}
	// The dynamic subtest reported a result of its own, but an abort
	// invalidates it just like the subtest's.
	if byKey["s/d"] != KindAbort {
		t.Errorf("dynamic result = %q; want the exit classification to override it", byKey["s/d"])
	}
}

func TestCommsParserExitWithoutSubtests(t *testing.T) {
	p := newCommsParser("configured-first")
	feedPackets(t, p, []comms.Packet{
		comms.Exec{Cmdline: "bin"},
		comms.Log{Stream: comms.StreamStderr, Text: "died early\n"},
		comms.Exit{Code: -1, TimeUsed: "0.1"},
	})

	if len(p.nodes) != 1 {
		t.Fatalf("got %d nodes; want 1", len(p.nodes))
	}
	n := p.nodes[0]
	if n.subtest != "configured-first" {
		t.Errorf("subtest = %q; want the first configured subtest", n.subtest)
	}
	if n.result != KindNotRun {
		t.Errorf("result = %q; want notrun for a graceful kill", n.result)
	}
	if !strings.Contains(n.err, "died early\n") {
		t.Errorf("err = %q; the synthesized node must claim the output", n.err)
	}
}

func TestCommsParserSubtestStartWhileRunning(t *testing.T) {
	p := newCommsParser("")
	feedPackets(t, p, []comms.Packet{
		comms.Exec{Cmdline: "bin"},
		comms.SubtestStart{Name: "one"},
		comms.SubtestStart{Name: "two"},
		comms.SubtestResult{Name: "two", Result: "SUCCESS", TimeUsed: "1.0"},
		comms.Exit{Code: 0, TimeUsed: "1.0"},
	})

	if len(p.nodes) != 2 {
		t.Fatalf("got %d nodes; want 2", len(p.nodes))
	}
	one := p.nodes[0]
	if one.result != KindIncomplete {
		t.Errorf("one.result = %q; want incomplete", one.result)
	}
	if !strings.Contains(one.err, "runner: Subtest one already running when subtest two starts.") {
		t.Errorf("one.err = %q; missing the injected warning", one.err)
	}
}

func TestCommsParserEventBeforeExec(t *testing.T) {
	p := newCommsParser("")
	if err := p.handle(comms.SubtestStart{Name: "s"}); err == nil {
		t.Error("a subtest start before exec must fail the parse")
	}
}
