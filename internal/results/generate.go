// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package results

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"go.chromium.org/batchrunner/errors"
	"go.chromium.org/batchrunner/internal/comms"
	"go.chromium.org/batchrunner/internal/journal"
	"go.chromium.org/batchrunner/internal/settings"
)

// Message substituted for a node whose every output channel came up empty.
const emptyOutputMessage = "This test didn't produce any output. " +
	"The machine probably rebooted ungracefully.\n"

// jobTree collects the result nodes of one job as they are discovered by the
// parsing and fill passes. Nodes keep their discovery order so a generated
// document is reproducible.
type jobTree struct {
	order []*scrapeNode
	index map[string]*scrapeNode
	// subs lists subtest names in discovery order; dyns lists each
	// subtest's dynamic subtest names. The binary-level node, when one
	// exists, appears in neither.
	subs []string
	dyns map[string][]string
}

func newJobTree() *jobTree {
	return &jobTree{
		index: make(map[string]*scrapeNode),
		dyns:  make(map[string][]string),
	}
}

func treeKey(sub, dyn string) string { return sub + "\x00" + dyn }

func (t *jobTree) register(n *scrapeNode) {
	t.index[treeKey(n.subtest, n.dynamic)] = n
	t.order = append(t.order, n)
	if n.dynamic != "" {
		t.dyns[n.subtest] = append(t.dyns[n.subtest], n.dynamic)
	} else if n.subtest != "" {
		t.subs = append(t.subs, n.subtest)
	}
}

// node returns the node for the given scope, creating and registering an
// empty one if needed.
func (t *jobTree) node(sub, dyn string) *scrapeNode {
	if n, ok := t.index[treeKey(sub, dyn)]; ok {
		return n
	}
	n := &scrapeNode{subtest: sub, dynamic: dyn}
	t.register(n)
	return n
}

// add merges a parsed node into the tree. A scope reported several times,
// as happens when a job is resumed, replaces its captured text and
// accumulates its runtime.
func (t *jobTree) add(n *scrapeNode) {
	old, ok := t.index[treeKey(n.subtest, n.dynamic)]
	if !ok {
		t.register(n)
		return
	}
	old.out = n.out
	old.err = n.err
	if n.result != "" {
		old.result = n.result
	}
	old.secs += n.secs
	old.started = old.started || n.started
}

// remove drops nodes the keep function rejects.
func (t *jobTree) remove(keep func(n *scrapeNode) bool) {
	kept := t.order[:0]
	for _, n := range t.order {
		if keep(n) {
			kept = append(kept, n)
			continue
		}
		delete(t.index, treeKey(n.subtest, n.dynamic))
	}
	t.order = kept
}

// forceResult overrides a subtest's result from terminal-state evidence.
// Dynamic subtests of the scope inherit the classification if their own
// output never implied one.
func forceResult(tree *jobTree, sub, kind string) {
	tree.node(sub, "").result = kind
	for _, dyn := range tree.dyns[sub] {
		if d := tree.node(sub, dyn); d.result == "" || d.result == KindIncomplete {
			d.result = kind
		}
	}
}

// stderrHasNoise reports whether errText contains any line that is not one
// of the sentinel lines test binaries mirror to both streams. A test whose
// stderr carries anything else did not pass cleanly.
func stderrHasNoise(errText string) bool {
	for _, line := range strings.Split(errText, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, startSentinel) || strings.HasPrefix(line, dynStartSentinel) {
			continue
		}
		if (strings.HasPrefix(line, resultSentinel) || strings.HasPrefix(line, dynResultSentinel)) &&
			strings.Contains(line, ": ") {
			continue
		}
		return true
	}
	return false
}

// overrideNode applies the final result reclassifications to one node, in
// order: stderr noise demotes a pass to warn, kernel log warnings convert
// pass/warn and fail to their dmesg variants, and a node with no output on
// any channel becomes incomplete with an explanatory message.
func overrideNode(n *scrapeNode) {
	if n.result == KindPass && stderrHasNoise(n.err) {
		n.result = KindWarn
	}
	if n.dmesgWarnings != "" {
		switch n.result {
		case KindPass, KindWarn:
			n.result = KindDmesgWarn
		case KindFail:
			n.result = KindDmesgFail
		}
	}
	if n.out == "" && n.err == "" && n.dmesg == "" {
		n.out = emptyOutputMessage
		n.result = KindIncomplete
	}
}

// requested reports whether the job entry explicitly asked for the scope.
func requested(entry settings.Entry, sub, dyn string) bool {
	want := sub
	if dyn != "" {
		want = sub + "@" + dyn
	}
	return slices.Contains(entry.Subtests, want)
}

// pruneTree drops nodes according to the configured pruning mode. The
// binary-level node is never pruned.
func pruneTree(mode settings.PruneMode, entry settings.Entry, tree *jobTree) {
	switch mode {
	case settings.PruneKeepAll:
	case settings.PruneKeepDynamic:
		tree.remove(func(n *scrapeNode) bool {
			return n.dynamic != "" || len(tree.dyns[n.subtest]) == 0
		})
	case settings.PruneKeepSubtests:
		tree.remove(func(n *scrapeNode) bool {
			return n.dynamic == ""
		})
	case settings.PruneKeepRequested:
		tree.remove(func(n *scrapeNode) bool {
			return n.subtest == "" || requested(entry, n.subtest, n.dynamic)
		})
	}
}

// readFile reads a results-directory file, treating a missing file as empty.
func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", filepath.Base(path))
	}
	return b, nil
}

// readOutput reads a captured output stream. The capture stops at the first
// NUL byte; anything after it is garbage from an interrupted write.
func readOutput(path string) ([]byte, error) {
	b, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return b, nil
}

// readTimestamp reads a seconds-since-epoch stamp file. Missing or
// malformed stamps read as zero.
func readTimestamp(path string) float64 {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	secs, _ := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	return secs
}

// generator accumulates one results document over the jobs of a batch.
type generator struct {
	set *settings.Settings
	cls *dmesgClassifier
	doc *Document
}

// addNotRuns records a job whose directory never appeared: the batch ended
// before the job started. With neither a subtest list nor single-binary
// mode there is no way to know what would have run, so nothing is recorded.
func (g *generator) addNotRuns(entry settings.Entry) {
	if len(entry.Subtests) == 0 {
		if g.set.MultipleMode {
			return
		}
		g.doc.test(entry.Binary).Result = KindNotRun
		return
	}
	for _, sub := range entry.Subtests {
		g.doc.test(testID(entry.Binary, sub, "")).Result = KindNotRun
	}
}

// fillFromJournal applies the executor's journal to the parsed tree: exit
// lines contribute to the binary's runtime, a timeout forces the result of
// the subtest running at that point, and an abnormal final exit code
// overrides the result of the last subtest. A journal with no subtest lines
// means the process died before entering one, so a single node representing
// the whole job is synthesized.
func (g *generator) fillFromJournal(tree *jobTree, entry settings.Entry, j *journal.Journal, out, errBuf []byte) {
	exitCode := exitUnreaped
	timedOut := false
	for _, ev := range j.Events {
		switch ev.Kind {
		case journal.EventExit:
			exitCode = ev.Code
			g.doc.addRuntime(entry.Binary, ev.Seconds)
			if ev.After == "" && len(entry.Subtests) == 0 {
				tree.node("", "").secs += ev.Seconds
			}
		case journal.EventTimeout:
			timedOut = true
			if ev.After != "" {
				n := tree.node(ev.After, "")
				n.result = KindTimeout
				n.secs += ev.Seconds
				g.doc.addRuntime(entry.Binary, ev.Seconds)
			}
		}
	}

	if len(j.Subtests) > 0 && abnormalExit(exitCode) {
		forceResult(tree, j.LastSubtest, resultFromExitCode(exitCode))
	}

	if len(j.Subtests) == 0 {
		res := resultFromExitCode(exitCode)
		if timedOut {
			res = KindTimeout
		}
		if len(entry.Subtests) > 0 {
			// The process was killed before it reported entering its
			// first subtest. Its output was already attributed to that
			// subtest's node by the caller.
			tree.node(entry.Subtests[0], "").result = res
		} else {
			n := tree.node("", "")
			n.out = string(out)
			n.err = string(errBuf)
			n.result = res
		}
	}
}

// parseJobDir parses one numbered job directory into result nodes and adds
// them to the document. Structured event dumps take precedence; the journal
// and text output are consulted only when no dump was captured.
func (g *generator) parseJobDir(ctx context.Context, entry settings.Entry, dir string) error {
	first := ""
	if len(entry.Subtests) > 0 {
		first = entry.Subtests[0]
	}

	tree := newJobTree()
	version := ""

	p := newCommsParser(first)
	empty, err := comms.ReadDumpFile(ctx, filepath.Join(dir, settings.SocketFile), p.handle)
	if err != nil {
		return err
	}
	if !empty {
		p.finish()
		for _, n := range p.nodes {
			tree.add(n)
		}
		version = p.version
		if p.exit != nil {
			g.doc.addRuntime(entry.Binary, p.exitSecs)
		}
	} else {
		j, err := journal.ReadFile(filepath.Join(dir, settings.JournalFile))
		if err != nil {
			return err
		}
		out, err := readOutput(filepath.Join(dir, settings.OutFile))
		if err != nil {
			return err
		}
		errBuf, err := readOutput(filepath.Join(dir, settings.ErrFile))
		if err != nil {
			return err
		}

		names := j.Subtests
		if len(names) == 0 && len(entry.Subtests) > 0 {
			names = entry.Subtests[:1]
		}
		js := scrapeJob(names, out, errBuf)
		version = js.version
		for _, n := range js.nodes {
			tree.add(n)
		}

		g.fillFromJournal(tree, entry, j, out, errBuf)
	}

	dmesgData, err := readFile(filepath.Join(dir, settings.DmesgFile))
	if err != nil {
		return err
	}
	if err := fillDmesg(ctx, tree, tree.subs, dmesgData, g.cls); err != nil {
		return err
	}

	// Scopes discovered without any result evidence, such as a subtest
	// that only ever appeared in the kernel log, still classify.
	for _, n := range tree.order {
		if n.result == "" {
			n.result = KindIncomplete
		}
	}
	for _, n := range tree.order {
		overrideNode(n)
	}
	pruneTree(g.set.EffectivePrune(), entry, tree)

	for _, n := range tree.order {
		t := g.doc.test(testID(entry.Binary, n.subtest, n.dynamic))
		t.Out = sanitize(n.out)
		t.Err = sanitize(n.err)
		t.Dmesg = sanitize(n.dmesg)
		t.Result = n.result
		t.DmesgWarnings = sanitize(n.dmesgWarnings)
		t.Version = sanitize(version)
		t.Time.End = n.secs
	}
	return nil
}

// Generate parses a whole results directory into a results document. The
// same directory always generates the same document, whether or not a
// document was generated before.
func Generate(ctx context.Context, dir string) (*Document, error) {
	set, err := settings.Load(dir)
	if err != nil {
		return nil, err
	}
	list, err := settings.LoadJobList(dir)
	if err != nil {
		return nil, err
	}

	g := &generator{
		set: set,
		cls: newDmesgClassifier(set),
		doc: newDocument(set.Name),
	}

	if b, err := os.ReadFile(filepath.Join(dir, settings.UnameFile)); err == nil {
		if len(b) > 128 {
			b = b[:128]
		}
		g.doc.Uname = sanitize(strings.TrimSuffix(string(b), "\n"))
	}
	g.doc.TimeElapsed.Start = readTimestamp(filepath.Join(dir, settings.StartTimeFile))
	g.doc.TimeElapsed.End = readTimestamp(filepath.Join(dir, settings.EndTimeFile))

	for i, entry := range list.Entries {
		jobDir := settings.JobDir(dir, i)
		if fi, err := os.Stat(jobDir); err != nil || !fi.IsDir() {
			g.addNotRuns(entry)
			continue
		}
		if err := g.parseJobDir(ctx, entry, jobDir); err != nil {
			return nil, errors.Wrapf(err, "failed to parse job directory %s", jobDir)
		}
	}

	// A batch that was aborted carries the reason as its own failed node.
	if b, err := os.ReadFile(filepath.Join(dir, settings.AbortFile)); err == nil {
		if len(b) > 4096 {
			b = b[:4096]
		}
		t := g.doc.test(testID("runner", "aborted", ""))
		t.Out = sanitize(string(b))
		t.Result = KindFail
	}

	g.doc.countTotals()
	return g.doc, nil
}

// WriteResults generates the results document for dir and writes it there
// as results.json, replacing any previous document.
func WriteResults(ctx context.Context, dir string) error {
	doc, err := Generate(ctx, dir)
	if err != nil {
		return err
	}
	b, err := doc.MarshalIndent()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, settings.ResultsFile), b, 0644); err != nil {
		return errors.Wrap(err, "failed to write results")
	}
	return nil
}
