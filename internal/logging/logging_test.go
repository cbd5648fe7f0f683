// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/batchrunner/internal/logging"
)

func TestMultiLogger(t *testing.T) {
	var logs1, logs2 []string
	logger1 := logging.NewSinkLogger(logging.LevelInfo, false, logging.FuncSink(func(msg string) {
		logs1 = append(logs1, msg)
	}))
	logger2 := logging.NewSinkLogger(logging.LevelDebug, false, logging.FuncSink(func(msg string) {
		logs2 = append(logs2, msg)
	}))

	ml := logging.NewMultiLogger(logger1)
	ml.Log(logging.LevelInfo, time.Now(), "a")
	ml.AddLogger(logger2)
	ml.Log(logging.LevelDebug, time.Now(), "b")
	ml.RemoveLogger(logger1)
	ml.Log(logging.LevelInfo, time.Now(), "c")

	if diff := cmp.Diff(logs1, []string{"a"}); diff != "" {
		t.Errorf("logs1 mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(logs2, []string{"b", "c"}); diff != "" {
		t.Errorf("logs2 mismatch (-got +want):\n%s", diff)
	}
}

func TestSinkLoggerLevel(t *testing.T) {
	var logs []string
	logger := logging.NewSinkLogger(logging.LevelInfo, false, logging.FuncSink(func(msg string) {
		logs = append(logs, msg)
	}))
	logger.Log(logging.LevelDebug, time.Now(), "debug")
	logger.Log(logging.LevelInfo, time.Now(), "info")

	if diff := cmp.Diff(logs, []string{"info"}); diff != "" {
		t.Errorf("Logs mismatch (-got +want):\n%s", diff)
	}
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := logging.NewWriterSink(&buf)
	sink.Write("first")
	sink.Write("second")
	if got, want := buf.String(), "first\nsecond\n"; got != want {
		t.Errorf("Output = %q; want %q", got, want)
	}
}

func TestContextLogging(t *testing.T) {
	var logs []string
	logger := logging.NewSinkLogger(logging.LevelDebug, false, logging.FuncSink(func(msg string) {
		logs = append(logs, msg)
	}))

	ctx := context.Background()
	logging.Info(ctx, "dropped") // no logger attached

	ctx = logging.AttachLogger(ctx, logger)
	if !logging.HasLogger(ctx) {
		t.Error("HasLogger = false; want true")
	}
	logging.Info(ctx, "info ", 1)
	logging.Debugf(ctx, "debug %d", 2)

	if diff := cmp.Diff(logs, []string{"info 1", "debug 2"}); diff != "" {
		t.Errorf("Logs mismatch (-got +want):\n%s", diff)
	}
}
