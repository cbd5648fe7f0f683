// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package errors provides basic utilities to construct errors.
//
// To construct new errors or wrap other errors, use this package rather than
// standard libraries (errors.New, fmt.Errorf) or any other third-party
// libraries. This package records stack traces and chained errors, and leaves
// nicely formatted logs when a batch fails.
//
// To construct a new error, use New or Errorf.
//
//	errors.New("watchdog not found")
//	errors.Errorf("job %d not found", idx)
//
// To construct an error by adding context to an existing error, use Wrap or
// Wrapf.
//
//	errors.Wrap(err, "failed to open result directory")
//	errors.Wrapf(err, "failed to reap job %d", idx)
//
// A stack trace can be printed by formatting an error with the fmt package
// with the "%+v" verb.
package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"runtime"
	"strings"
)

// impl is the error implementation used by this package.
type impl struct {
	msg   string // error message to be prepended to cause
	stk   stack  // stack trace where this error was created
	cause error  // original error that caused this error if non-nil
}

// Error implements the error interface.
func (e *impl) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %s", e.msg, e.cause.Error())
}

// Unwrap returns the original error causing this error, for use with the
// standard errors.Is/As.
func (e *impl) Unwrap() error {
	return e.cause
}

// formatChain formats an error chain.
func formatChain(err error) string {
	var chain []string
	for err != nil {
		if e, ok := err.(*impl); !ok {
			chain = append(chain, fmt.Sprintf("%s\n\tat ???", err.Error()))
			err = nil
		} else {
			chain = append(chain, fmt.Sprintf("%s\n%v", e.msg, e.stk))
			err = e.cause
		}
	}
	return strings.Join(chain, "\n")
}

// Format implements the fmt.Formatter interface.
// In particular, it is supported to format an error chain by "%+v" verb.
func (e *impl) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		io.WriteString(s, formatChain(e))
	} else {
		io.WriteString(s, e.Error())
	}
}

// New creates a new error with the given message.
// This is similar to the standard errors.New, but also records the location
// where it was called.
func New(msg string) error {
	return &impl{msg, newStack(1), nil}
}

// Errorf creates a new error with the given message.
// This is similar to the standard fmt.Errorf, but also records the location
// where it was called.
func Errorf(format string, args ...interface{}) error {
	return &impl{fmt.Sprintf(format, args...), newStack(1), nil}
}

// Wrap creates a new error with the given message, wrapping another error.
// This function also records the location where it was called.
// If cause is nil, this is the same as New.
func Wrap(cause error, msg string) error {
	return &impl{msg, newStack(1), cause}
}

// Wrapf creates a new error with the given message, wrapping another error.
// This function also records the location where it was called.
// If cause is nil, this is the same as Errorf.
func Wrapf(cause error, format string, args ...interface{}) error {
	return &impl{fmt.Sprintf(format, args...), newStack(1), cause}
}

// Is is a thin wrapper of the standard errors.Is.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is a thin wrapper of the standard errors.As.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Unwrap is a thin wrapper of the standard errors.Unwrap.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

// stack is a stack trace of the location an error was constructed at.
type stack []uintptr

// newStack captures a stack trace, skipping skip frames above the caller.
func newStack(skip int) stack {
	var pcs [32]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	return stack(pcs[:n])
}

// String formats the stack trace as a series of "\tat func (file:line)" lines.
func (s stack) String() string {
	var b strings.Builder
	frames := runtime.CallersFrames(s)
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "\tat %s (%s:%d)\n", f.Function, shortFile(f.File), f.Line)
		if !more {
			break
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Format implements the fmt.Formatter interface.
func (s stack) Format(st fmt.State, verb rune) {
	io.WriteString(st, s.String())
}

// shortFile drops all but the last two path components of a source path.
func shortFile(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) <= 2 {
		return path
	}
	return strings.Join(parts[len(parts)-2:], "/")
}
