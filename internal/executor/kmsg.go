// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package executor

import (
	"bytes"
	"io"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// kmsgRecordSize is large enough for any record /dev/kmsg emits.
const kmsgRecordSize = 2048

// openKmsg opens the kernel log device positioned after the newest record,
// so only messages logged while the job runs are captured.
func openKmsg(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// readKmsgRecord reads one record without blocking, bypassing the runtime
// poller. It returns unix.EAGAIN when the reader has caught up and
// unix.EPIPE when records were overwritten under it.
func readKmsgRecord(f *os.File, buf []byte) (int, error) {
	sc, err := f.SyscallConn()
	if err != nil {
		return 0, err
	}
	var n int
	var rerr error
	if cerr := sc.Control(func(fd uintptr) {
		n, rerr = unix.Read(int(fd), buf)
	}); cerr != nil {
		return 0, cerr
	}
	if rerr != nil {
		return 0, rerr
	}
	return n, nil
}

// kmsgSeq extracts the sequence number from a kernel log record. Records
// look like "<priority>,<sequence>,<timestamp>,<flag>;<message>".
// Continuation lines have no header and yield false.
func kmsgSeq(rec []byte) (uint64, bool) {
	head, _, ok := bytes.Cut(rec, []byte(";"))
	if !ok {
		return 0, false
	}
	parts := bytes.Split(head, []byte(","))
	if len(parts) < 4 {
		return 0, false
	}
	seq, err := strconv.ParseUint(string(parts[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// drainKmsg copies the kernel log records still queued on kmsg to w, up to
// the last record present when the drain started. The kernel log has no way
// to ask for its end position directly, so a second reader positioned at the
// end supplies a sequence number to stop at; until a new record appears
// there, the drain simply stops when kmsg has no more data.
func drainKmsg(kmsg *os.File, w io.Writer, path string) {
	compare, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return
	}
	defer func() {
		if compare != nil {
			compare.Close()
		}
	}()
	if _, err := compare.Seek(0, io.SeekEnd); err != nil {
		return
	}

	var fence uint64
	haveFence := false
	buf := make([]byte, kmsgRecordSize)
	for {
		if !haveFence {
			n, err := readKmsgRecord(compare, buf)
			switch {
			case err == nil:
				if seq, ok := kmsgSeq(buf[:n]); ok {
					fence = seq
					haveFence = true
					compare.Close()
					compare = nil
				}
			case err == unix.EAGAIN || err == unix.EPIPE:
			default:
				return
			}
		}

		n, err := readKmsgRecord(kmsg, buf)
		if err == unix.EPIPE {
			continue
		} else if err != nil {
			return
		}
		w.Write(buf[:n])
		if haveFence {
			if seq, ok := kmsgSeq(buf[:n]); ok && seq >= fence {
				return
			}
		}
	}
}
