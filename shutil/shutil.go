// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package shutil quotes strings for inclusion in POSIX shell command lines.
package shutil

import "strings"

// safeByte reports whether c needs no quoting in common shells. The set is
// conservative: ASCII word characters plus a few punctuation bytes. A
// leading equals sign is excluded because zsh gives it special meaning.
func safeByte(c byte, leading bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '@', '%', '+', ':', ',', '.', '/':
		return true
	case '=':
		return !leading
	}
	return false
}

// Escape quotes s so that a POSIX shell parses it as a single literal word.
// Strings that need no quoting are returned unchanged.
func Escape(s string) string {
	safe := s != ""
	for i := 0; i < len(s) && safe; i++ {
		safe = safeByte(s[i], i == 0)
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// EscapeSlice escapes each element of args and joins them with spaces,
// yielding a command line that parses back into the original arguments.
func EscapeSlice(args []string) string {
	var b strings.Builder
	for i, arg := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(Escape(arg))
	}
	return b.String()
}
