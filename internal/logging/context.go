// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"time"
)

// loggerKey is the type of the context key to which a Logger is attached.
type loggerKey struct{}

// AttachLogger creates a new context with a logger attached. If the context
// already has a logger, the new logger receives messages instead.
func AttachLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// loggerFromContext extracts a logger from a context.
func loggerFromContext(ctx context.Context) (Logger, bool) {
	logger, ok := ctx.Value(loggerKey{}).(Logger)
	return logger, ok
}

// HasLogger checks if a context has an associated logger.
func HasLogger(ctx context.Context) bool {
	_, ok := loggerFromContext(ctx)
	return ok
}

// Info emits an info log message to a logger attached to the context.
// It does nothing if the context has no attached logger.
func Info(ctx context.Context, args ...interface{}) {
	log(ctx, LevelInfo, args...)
}

// Infof is similar to Info but formats its arguments with fmt.Sprintf.
func Infof(ctx context.Context, format string, args ...interface{}) {
	logf(ctx, LevelInfo, format, args...)
}

// Debug emits a debug log message to a logger attached to the context.
// It does nothing if the context has no attached logger.
func Debug(ctx context.Context, args ...interface{}) {
	log(ctx, LevelDebug, args...)
}

// Debugf is similar to Debug but formats its arguments with fmt.Sprintf.
func Debugf(ctx context.Context, format string, args ...interface{}) {
	logf(ctx, LevelDebug, format, args...)
}

func log(ctx context.Context, level Level, args ...interface{}) {
	logger, ok := loggerFromContext(ctx)
	if !ok {
		return
	}
	logger.Log(level, time.Now(), fmt.Sprint(args...))
}

func logf(ctx context.Context, level Level, format string, args ...interface{}) {
	logger, ok := loggerFromContext(ctx)
	if !ok {
		return
	}
	logger.Log(level, time.Now(), fmt.Sprintf(format, args...))
}
