// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"go.chromium.org/batchrunner/errors"
	"go.chromium.org/batchrunner/internal/journal"
	"go.chromium.org/batchrunner/internal/logging"
	"go.chromium.org/batchrunner/internal/settings"
	"go.chromium.org/batchrunner/shutil"
)

// Sentinel lines the test binaries print on stdout.
const (
	startingSubtest = "Starting subtest: "
	subtestResult   = "Subtest "
)

// cannotExecuteStatus is the code a test binary reports when invoked
// incorrectly. Result generation treats it as a skip.
const cannotExecuteStatus = 79

const (
	// wdExtra is added to the watchdog timeout over the inactivity
	// timeout, so a hung job is killed before the hardware cuts power.
	wdExtra = 10
	// killGraceTimeout is how long a signaled job gets to die before the
	// escalation proceeds.
	killGraceTimeout = 2 * time.Second
	// killWatchdogTimeout is the watchdog timeout, in seconds, applied
	// while waiting for a signaled job to die.
	killWatchdogTimeout = 20
)

// jobOutcome is the result of supervising one job to its end.
type jobOutcome int

const (
	// jobCompleted means the job exited and was journaled. The exit may
	// still denote a test failure; result generation decides that.
	jobCompleted jobOutcome = iota
	// jobTimedOut means the job was killed for inactivity and the batch
	// state must be re-derived from the journal before continuing.
	jobTimedOut
	// jobAborted means an abort signal arrived while the job ran.
	jobAborted
)

type job struct {
	sup   *Supervisor
	idx   int
	total int
	entry *settings.Entry
	dir   string

	// abortSig is the signal that requested the abort, set when run
	// returns jobAborted.
	abortSig os.Signal
}

// run executes the job's process and supervises it until it exits or is
// killed. batchDeadline, when nonzero, bounds the job's wall time together
// with the per-test timeout.
func (j *job) run(ctx context.Context, abortCh <-chan os.Signal, batchDeadline time.Time) (jobOutcome, error) {
	sup := j.sup
	set := sup.Settings
	clk := sup.Clock

	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return 0, errors.Wrap(err, "failed to create job directory")
	}

	outF, err := openAtEnd(filepath.Join(j.dir, settings.OutFile))
	if err != nil {
		return 0, err
	}
	defer outF.Close()
	errF, err := openAtEnd(filepath.Join(j.dir, settings.ErrFile))
	if err != nil {
		return 0, err
	}
	defer errF.Close()
	dmesgF, err := openAtEnd(filepath.Join(j.dir, settings.DmesgFile))
	if err != nil {
		return 0, err
	}
	defer dmesgF.Close()
	journalF, err := openAtEnd(filepath.Join(j.dir, settings.JournalFile))
	if err != nil {
		return 0, err
	}
	defer journalF.Close()
	jw := journal.NewWriter(journalF, set.Sync)

	if set.Sync {
		syncDir(j.dir)
		syncDir(set.ResultsPath)
	}

	kmsg, kerr := openKmsg(sup.kmsgPath)
	if kerr != nil {
		logging.Infof(ctx, "Cannot open %s: %v", sup.kmsgPath, kerr)
	} else {
		defer kmsg.Close()
	}

	width := len(strconv.Itoa(j.total))
	desc := j.entry.Binary
	if len(j.entry.Subtests) > 0 {
		desc += " (" + strings.Join(j.entry.Subtests, ", ") + ")"
	}
	logging.Infof(ctx, "[%0*d/%0*d] %s", width, j.idx+1, width, j.total, desc)

	start := clk.Now()

	cmd := exec.Command(filepath.Join(set.TestRoot, j.entry.Binary))
	if len(j.entry.Subtests) > 0 {
		cmd.Args = append(cmd.Args, "--run-subtest", strings.Join(j.entry.Subtests, ","))
	}
	cmd.Env = append(os.Environ(), "IGT_SENTINEL_ON_STDERR=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	logging.Debugf(ctx, "Starting %s", shutil.EscapeSlice(cmd.Args))

	outR, outW, err := os.Pipe()
	if err != nil {
		return 0, errors.Wrap(err, "failed to create pipes")
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return 0, errors.Wrap(err, "failed to create pipes")
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		logging.Infof(ctx, "Cannot execute %s: %v", cmd.Path, err)
		fmt.Fprintf(errF, "Cannot execute %s\n", cmd.Path)
		if jerr := jw.Exit(cannotExecuteStatus, 0); jerr != nil {
			return 0, jerr
		}
		return jobCompleted, nil
	}
	outW.Close()
	errW.Close()
	pid := cmd.Process.Pid

	var pg errgroup.Group
	outCh := make(chan []byte, 1)
	errCh := make(chan []byte, 1)
	pg.Go(func() error { pumpPipe(outR, outCh); return nil })
	pg.Go(func() error { pumpPipe(errR, errCh); return nil })

	var kmsgPump chan []byte
	if kmsg != nil && kmsg.SetReadDeadline(time.Time{}) == nil {
		kmsgPump = make(chan []byte, 1)
		ch := kmsgPump
		pg.Go(func() error { pumpKmsg(kmsg, ch); return nil })
	}
	kmsgCh := kmsgPump

	exitCh := make(chan int, 1)
	pg.Go(func() error {
		cmd.Wait()
		exitCh <- normalizeExit(cmd.ProcessState)
		return nil
	})

	// The inactivity budget. When the watchdog hardware cannot wait the
	// whole timeout, it is split into shorter intervals so the devices
	// are kept pinged while the job is legitimately quiet.
	interval := set.InactivityTimeout
	intervals := 1
	if interval > 0 && sup.Watchdog.Count() > 0 {
		granted := sup.Watchdog.SetTimeout(ctx, int(interval/time.Second)+wdExtra)
		if iv, n := splitBudget(interval, granted, wdExtra); n > 1 {
			logging.Debugf(ctx, "Watchdog timeout shortened to %ds, using %d intervals of %v", granted, n, iv)
			interval, intervals = iv, n
		}
	}
	intervalsLeft := intervals

	var timer clock.Timer
	var timerC <-chan time.Time
	if interval > 0 {
		timer = clk.NewTimer(interval)
		timerC = timer.C()
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	// The wall-time budget, independent of output activity.
	wall := set.PerTestTimeout
	if !batchDeadline.IsZero() {
		if left := batchDeadline.Sub(clk.Now()); wall == 0 || left < wall {
			wall = left
		}
	}
	var wallC <-chan time.Time
	if wall > 0 {
		wt := clk.NewTimer(wall)
		defer wt.Stop()
		wallC = wt.C()
	}

	scan := &sentinelScanner{jw: jw}
	var killed unix.Signal
	aborting := false
	reaped := false
	outOpen, errOpen := true, true

	resetTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C():
			default:
			}
		}
		timer.Reset(interval)
	}
	armTimer := func(d time.Duration) {
		interval = d
		if timer == nil {
			timer = clk.NewTimer(d)
			timerC = timer.C()
			return
		}
		resetTimer()
	}
	activity := func() {
		intervalsLeft = intervals
		sup.Watchdog.Ping()
		resetTimer()
	}
	signalJob := func(sig unix.Signal) bool {
		if reaped {
			// Only stragglers holding the pipes are left.
			unix.Kill(-pid, sig)
			return true
		}
		return killChild(sig, pid)
	}
	escalate := func() error {
		sup.Watchdog.Ping()
		switch killed {
		case 0:
			logging.Info(ctx, "Timeout. Killing the current test with SIGTERM.")
			killed = unix.SIGTERM
			if !signalJob(killed) {
				return errors.New("child process does not exist")
			}
			if sup.Watchdog.Count() > 0 {
				sup.Watchdog.SetTimeout(ctx, killWatchdogTimeout)
			}
			intervals = 1
			armTimer(killGraceTimeout)
		case unix.SIGTERM:
			logging.Info(ctx, "Timeout. Killing the current test with SIGKILL.")
			killed = unix.SIGKILL
			if !signalJob(killed) {
				return errors.New("child process does not exist")
			}
			intervals = 1
			armTimer(killGraceTimeout)
		default:
			return errors.New("child refuses to die")
		}
		intervalsLeft = intervals
		return nil
	}

	for outOpen || errOpen || !reaped {
		select {
		case b, ok := <-outCh:
			if !ok {
				outCh = nil
				outOpen = false
				continue
			}
			if err := writeOutput(outF, b, set.Sync); err != nil {
				return 0, err
			}
			if err := scan.scan(b); err != nil {
				return 0, err
			}
			activity()
		case b, ok := <-errCh:
			if !ok {
				errCh = nil
				errOpen = false
				continue
			}
			if err := writeOutput(errF, b, set.Sync); err != nil {
				return 0, err
			}
			activity()
		case b, ok := <-kmsgCh:
			if !ok {
				kmsgCh = nil
				continue
			}
			if err := writeOutput(dmesgF, b, set.Sync); err != nil {
				return 0, err
			}
			activity()
		case code := <-exitCh:
			exitCh = nil
			reaped = true
			elapsed := clk.Since(start)
			if elapsed < 0 {
				elapsed = 0
			}
			if !aborting {
				var jerr error
				if killed != 0 {
					jerr = jw.Timeout(code, elapsed)
				} else {
					jerr = jw.Exit(code, elapsed)
				}
				if jerr != nil {
					return 0, jerr
				}
			}
			activity()
		case sig := <-abortCh:
			logging.Info(ctx, "Abort requested, terminating children")
			j.abortSig = sig
			aborting = true
			killed = unix.SIGTERM
			if !signalJob(killed) {
				return 0, errors.New("child process does not exist")
			}
			intervals = 1
			intervalsLeft = 1
			armTimer(killGraceTimeout)
		case <-wallC:
			wallC = nil
			if err := escalate(); err != nil {
				return 0, err
			}
		case <-timerC:
			intervalsLeft--
			if intervalsLeft > 0 {
				resetTimer()
				continue
			}
			if err := escalate(); err != nil {
				return 0, err
			}
		}
	}

	// Stop the kernel log pump and pick up whatever it was still holding,
	// then drain the records queued since.
	if kmsgPump != nil {
		kmsg.SetReadDeadline(time.Now())
		for b := range kmsgPump {
			if err := writeOutput(dmesgF, b, set.Sync); err != nil {
				return 0, err
			}
		}
	}
	pg.Wait()
	if kmsg != nil {
		drainKmsg(kmsg, dmesgF, sup.kmsgPath)
		if set.Sync {
			dmesgF.Sync()
		}
	}

	if aborting {
		return jobAborted, nil
	}
	if killed != 0 {
		return jobTimedOut, nil
	}
	return jobCompleted, nil
}

// splitBudget divides the inactivity timeout into equal intervals short
// enough to ping the watchdog hardware between expiries. granted is the
// timeout, in seconds, the hardware accepted when asked for the full budget
// plus extra.
func splitBudget(timeout time.Duration, granted, extra int) (time.Duration, int) {
	secs := int(timeout / time.Second)
	if secs <= 0 || granted >= secs+extra {
		return timeout, 1
	}
	if granted-extra <= 0 {
		extra = granted / 2
	}
	per := granted - extra
	if per <= 0 {
		return timeout, 1
	}
	intervals := secs / per
	if intervals <= 1 {
		return timeout, 1
	}
	return timeout / time.Duration(intervals), intervals
}

// sentinelScanner watches the job's stdout for subtest lifecycle sentinels
// and mirrors them into the journal.
type sentinelScanner struct {
	jw      *journal.Writer
	pend    []byte
	current string
}

func (s *sentinelScanner) scan(chunk []byte) error {
	s.pend = append(s.pend, chunk...)
	for {
		idx := bytes.IndexByte(s.pend, '\n')
		if idx < 0 {
			return nil
		}
		line := string(s.pend[:idx])
		s.pend = s.pend[idx+1:]
		if err := s.line(line); err != nil {
			return err
		}
	}
}

func (s *sentinelScanner) line(line string) error {
	if name, ok := strings.CutPrefix(line, startingSubtest); ok {
		s.current = name
		return s.jw.Subtest(name)
	}
	if rest, ok := strings.CutPrefix(line, subtestResult); ok {
		name, _, found := strings.Cut(rest, ":")
		if found && name != s.current {
			// A result for a subtest whose start line never
			// appeared, e.g. when resuming mid-binary.
			s.current = ""
			return s.jw.Subtest(name)
		}
	}
	return nil
}

// pumpPipe forwards a pipe's content to ch in chunks and closes ch at EOF.
func pumpPipe(r *os.File, ch chan<- []byte) {
	defer close(ch)
	defer r.Close()
	buf := make([]byte, 2048)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			ch <- append([]byte(nil), buf[:n]...)
		}
		if err != nil {
			return
		}
	}
}

// pumpKmsg forwards kernel log records to ch until a read deadline or an
// unrecoverable error stops it.
func pumpKmsg(f *os.File, ch chan<- []byte) {
	defer close(ch)
	buf := make([]byte, kmsgRecordSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			ch <- append([]byte(nil), buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, unix.EPIPE) {
				// Records were overwritten under the reader.
				continue
			}
			return
		}
	}
}

// openAtEnd opens path for appending, creating it if needed. Output files of
// an interrupted run may end mid-line; a missing final newline is repaired
// so appended content starts on a fresh line.
func openAtEnd(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", filepath.Base(path))
	}
	if _, err := f.Seek(-1, io.SeekEnd); err == nil {
		var b [1]byte
		if n, _ := f.Read(b[:]); n == 1 && b[0] != '\n' {
			f.Write([]byte{'\n'})
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "failed to seek %s", filepath.Base(path))
	}
	return f, nil
}

func writeOutput(f *os.File, b []byte, sync bool) error {
	if _, err := f.Write(b); err != nil {
		return errors.Wrapf(err, "failed to write %s", filepath.Base(f.Name()))
	}
	if sync {
		if err := f.Sync(); err != nil {
			return errors.Wrapf(err, "failed to sync %s", filepath.Base(f.Name()))
		}
	}
	return nil
}

func syncDir(path string) {
	if d, err := os.Open(path); err == nil {
		d.Sync()
		d.Close()
	}
}
