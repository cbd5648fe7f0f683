// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package logging provides a logging framework for the batch runner.
//
// The runner writes two streams of log messages: info messages describing
// the progress of a batch, and debug messages useful when diagnosing runner
// misbehavior. Loggers are attached to context.Context so that deeply nested
// code can emit messages without threading a logger through every call.
package logging

import (
	"sync"
	"time"
)

// Level indicates a log message's severity.
type Level int

// Valid values of Level. They appear in increasing order of severity.
const (
	LevelDebug Level = iota
	LevelInfo
)

// Logger is the interface to receive log messages.
type Logger interface {
	// Log is called for every log message, regardless of its severity.
	Log(level Level, ts time.Time, msg string)
}

// MultiLogger is a Logger that copies messages to multiple underlying
// loggers. Loggers can be added and removed while a batch is running, e.g.
// to tee messages into a per-job log file.
type MultiLogger struct {
	mu      sync.Mutex
	loggers []Logger
}

var _ Logger = &MultiLogger{}

// NewMultiLogger creates a new MultiLogger with the given underlying loggers.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log sends a log message to underlying loggers.
func (ml *MultiLogger) Log(level Level, ts time.Time, msg string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	for _, l := range ml.loggers {
		l.Log(level, ts, msg)
	}
}

// AddLogger adds an underlying logger.
func (ml *MultiLogger) AddLogger(logger Logger) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.loggers = append(ml.loggers, logger)
}

// RemoveLogger removes an underlying logger.
func (ml *MultiLogger) RemoveLogger(logger Logger) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	for i, l := range ml.loggers {
		if l == logger {
			ml.loggers = append(ml.loggers[:i], ml.loggers[i+1:]...)
			return
		}
	}
}
