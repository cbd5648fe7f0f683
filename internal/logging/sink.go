// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// SinkLogger is a Logger that writes messages to a Sink, possibly with a
// severity filter and timestamps.
type SinkLogger struct {
	level Level // minimum severity of messages to write
	ts    bool  // whether to prepend timestamps
	sink  Sink
}

var _ Logger = &SinkLogger{}

// NewSinkLogger creates a new SinkLogger.
func NewSinkLogger(level Level, ts bool, sink Sink) *SinkLogger {
	return &SinkLogger{level: level, ts: ts, sink: sink}
}

// Log sends a log message to the associated sink if it passes the severity
// filter.
func (l *SinkLogger) Log(level Level, ts time.Time, msg string) {
	if level < l.level {
		return
	}
	if l.ts {
		msg = fmt.Sprintf("%s %s", ts.Format("2006-01-02T15:04:05.000000Z07:00"), msg)
	}
	l.sink.Write(msg)
}

// Sink is an interface to write log messages somewhere.
type Sink interface {
	// Write writes a single log message.
	Write(msg string)
}

// FuncSink is a Sink that calls a function.
type FuncSink func(msg string)

var _ Sink = FuncSink(nil)

// Write calls the underlying function.
func (s FuncSink) Write(msg string) {
	s(msg)
}

// WriterSink is a Sink that writes messages to an io.Writer, appending a
// newline to each message. Writes are serialized so that a WriterSink can be
// shared across goroutines.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

var _ Sink = &WriterSink{}

// NewWriterSink creates a new WriterSink.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Write writes a log message to the underlying io.Writer.
func (s *WriterSink) Write(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.w, msg+"\n")
}
