// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package results

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.chromium.org/batchrunner/errors"
	"go.chromium.org/batchrunner/internal/logging"
	"go.chromium.org/batchrunner/internal/settings"
)

// Markers test binaries write into the kernel log itself, so that dmesg
// segmentation does not depend on stdout timing.
const (
	startingSubtestDmesg = ": starting subtest "
	startingDynamicDmesg = ": starting dynamic subtest "
)

// Kernel log records matching this regexp are considered harmless even at
// warning level or above. Everything else at or above the configured level
// turns the owning test's result into dmesg-warn/dmesg-fail.
var dmesgWhitelist = regexp.MustCompile(strings.Join([]string{
	"ACPI: button: The lid device is not compliant to SW_LID",
	"ACPI: .*: Unable to dock!",
	"IRQ [0-9]+: no longer affine to CPU[0-9]+",
	"IRQ fixup: irq [0-9]+ move in progress, old vector [0-9]+",
	// Driver tests set module options, expected message.
	"Setting dangerous option [a-z_]+ - tainting kernel",
	// Raw printk() call, uses default log level (warn).
	`Suspending console\(s\) \(use no_console_suspend to debug\)`,
	"atkbd serio[0-9]+: Failed to (deactivate|enable) keyboard on isa[0-9]+/serio[0-9]+",
	"cache: parent cpu[0-9]+ should not be sleeping",
	"hpet[0-9]+: lost [0-9]+ rtc interrupts",
	// i915 selftests terminate normally with ENODEV from the module load
	// after the testing finishes, which produces this message.
	"i915: probe of [0-9a-fA-F:.]+ failed with error -25",
	// swiotlb warns even when asked not to.
	"mock: DMA: Out of SW-IOMMU space for [0-9]+ bytes",
	"usb usb[0-9]+: root hub lost power or was reset",
}, "|"))

// In piglit-style classification the polarity flips: only records matching
// this regexp count as warnings.
var piglitStyleBlacklist = regexp.MustCompile(`(\[drm:|drm_|intel_|i915_|\[drm\])`)

// kmsgRecord is one parsed /dev/kmsg record.
type kmsgRecord struct {
	priority     uint
	tsUsec       uint64
	continuation byte
	message      string
}

// parseKmsgRecord parses the "<pri>,<seq>,<usec>,<flag>[,...];<message>"
// format of /dev/kmsg. Records beginning with a space are machine-readable
// key/value continuations and are silently skipped.
func parseKmsgRecord(line string) (rec kmsgRecord, ok bool, silent bool) {
	if strings.HasPrefix(line, " ") {
		return kmsgRecord{}, false, true
	}
	prefix, message, found := strings.Cut(line, ";")
	if !found {
		return kmsgRecord{}, false, false
	}
	fields := strings.Split(prefix, ",")
	if len(fields) < 4 {
		return kmsgRecord{}, false, false
	}
	pri, err1 := strconv.ParseUint(fields[0], 10, 32)
	usec, err2 := strconv.ParseUint(fields[2], 10, 64)
	if err1 != nil || err2 != nil || len(fields[3]) == 0 {
		return kmsgRecord{}, false, false
	}
	return kmsgRecord{
		priority:     uint(pri),
		tsUsec:       usec,
		continuation: fields[3][0],
		message:      message,
	}, true, false
}

// formatKmsgLine renders a record the way dmesg(1) would, decoding \xNN
// escapes back to printable characters.
func formatKmsgLine(rec kmsgRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<%d> [%d.%06d] ", rec.priority&0x07, rec.tsUsec/1000000, rec.tsUsec%1000000)
	msg := rec.message
	for i := 0; i < len(msg); {
		if i+3 < len(msg) && msg[i] == '\\' && msg[i+1] == 'x' {
			if c, err := strconv.ParseUint(msg[i+2:i+4], 16, 8); err == nil && printableOrSpace(byte(c)) {
				b.WriteByte(byte(c))
				i += 4
				continue
			}
		}
		b.WriteByte(msg[i])
		i++
	}
	return b.String()
}

func printableOrSpace(c byte) bool {
	return (c >= 0x20 && c < 0x7f) || c == '\n' || c == '\t' || c == '\r' || c == '\v' || c == '\f'
}

// dmesgClassifier decides whether one record warrants a warning.
type dmesgClassifier struct {
	warnLevel   int
	piglitStyle bool
	re          *regexp.Regexp
}

func newDmesgClassifier(s *settings.Settings) *dmesgClassifier {
	c := &dmesgClassifier{
		warnLevel:   s.EffectiveDmesgWarnLevel(),
		piglitStyle: s.PiglitStyleDmesg,
	}
	if c.piglitStyle {
		c.re = piglitStyleBlacklist
	} else {
		c.re = dmesgWhitelist
	}
	return c
}

func (c *dmesgClassifier) warning(rec kmsgRecord) bool {
	if int(rec.priority&0x07) > c.warnLevel || rec.continuation == 'c' {
		return false
	}
	if c.piglitStyle {
		return c.re.MatchString(rec.message)
	}
	return !c.re.MatchString(rec.message)
}

// fillDmesg segments the job's kernel log capture by the embedded markers
// and attributes formatted lines, plus any classified warnings, to the
// matching nodes in tree. With no markers at all, the whole log goes to
// every known subtest (or to the binary node when the job has none).
func fillDmesg(ctx context.Context, tree *jobTree, subtests []string, data []byte, cls *dmesgClassifier) error {
	var curSub, curDyn *scrapeNode
	var dmesg, warnings, dynDmesg, dynWarnings strings.Builder

	// fileDynamic closes the open dynamic segment. The buffers reset only
	// when a segment was actually open: until the first dynamic marker
	// they keep accumulating from the subtest's beginning, so the first
	// dynamic subtest also sees what happened before its marker.
	fileDynamic := func() {
		if curDyn == nil {
			return
		}
		curDyn.dmesg = dynDmesg.String()
		curDyn.hasDmesg = true
		curDyn.dmesgWarnings = dynWarnings.String()
		curDyn = nil
		dynDmesg.Reset()
		dynWarnings.Reset()
	}
	flushSubtest := func() {
		if curSub != nil {
			curSub.dmesg = dmesg.String()
			curSub.hasDmesg = true
			curSub.dmesgWarnings = warnings.String()
		}
		fileDynamic()
		dmesg.Reset()
		warnings.Reset()
		dynDmesg.Reset()
		dynWarnings.Reset()
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(nil, 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		rec, ok, silent := parseKmsgRecord(line)
		if !ok {
			if !silent && line != "" {
				logging.Infof(ctx, "Cannot parse kmsg record: %s", line)
			}
			continue
		}
		formatted := formatKmsgLine(rec)

		if idx := strings.Index(rec.message, startingSubtestDmesg); idx >= 0 {
			if curSub != nil {
				flushSubtest()
			}
			name := strings.TrimRight(rec.message[idx+len(startingSubtestDmesg):], "\n")
			curSub = tree.node(name, "")
		}
		if curSub != nil {
			if idx := strings.Index(rec.message, startingDynamicDmesg); idx >= 0 {
				fileDynamic()
				name := strings.TrimRight(rec.message[idx+len(startingDynamicDmesg):], "\n")
				curDyn = tree.node(curSub.subtest, name)
			}
		}

		if cls.warning(rec) {
			warnings.WriteString(formatted + "\n")
			if curSub != nil {
				dynWarnings.WriteString(formatted + "\n")
			}
		}
		dmesg.WriteString(formatted + "\n")
		dynDmesg.WriteString(formatted + "\n")
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "failed to read dmesg capture")
	}

	if curSub != nil {
		flushSubtest()
	} else if len(subtests) > 0 {
		// No markers at all. Attribute everything to every subtest, but
		// skip warnings; any subtests here never really ran.
		for _, name := range subtests {
			n := tree.node(name, "")
			n.dmesg = dmesg.String()
			n.hasDmesg = true
		}
	} else {
		n := tree.node("", "")
		n.dmesg = dmesg.String()
		n.hasDmesg = true
		n.dmesgWarnings = warnings.String()
	}

	// Nodes the kernel log never mentioned still carry an empty dmesg
	// rather than no dmesg at all.
	for _, n := range tree.order {
		if !n.hasDmesg {
			n.dmesg = ""
			n.hasDmesg = true
		}
	}
	return nil
}
