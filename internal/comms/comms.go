// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package comms implements the structured-event packet protocol.
//
// Test binaries built with protocol support write typed packets to a socket
// instead of (or in addition to) plain text on stdout/stderr. The supervisor
// dumps the stream verbatim to a per-job file, and the result generator
// decodes it in preference to text scraping whenever the dump is non-empty.
//
// Wire format, all integers little-endian: each packet is preceded by a
// 32-bit canary, followed by a 16-byte header (total size including header,
// packet type, sender pid, sender tid) and a type-specific payload. Strings
// in payloads are NUL-terminated.
package comms

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"

	"go.chromium.org/batchrunner/errors"
	"go.chromium.org/batchrunner/internal/logging"
)

// canary precedes every packet on the wire.
const canary uint32 = 'I'<<24 | 'G'<<16 | 'T'<<8 | '1'

// headerSize is the fixed packet header size in bytes, included in the
// header's size field.
const headerSize = 16

// Packet type identifiers on the wire.
const (
	typeInvalid uint32 = iota
	typeLog
	typeExec
	typeExit
	typeSubtestStart
	typeSubtestResult
	typeDynamicSubtestStart
	typeDynamicSubtestResult
	typeVersionString
	typeResultOverride
	numTypes
)

// Log stream identifiers.
const (
	StreamStdout uint8 = iota
	StreamStderr
)

// Packet is implemented by all packet types. It is a sealed interface; the
// isPacket method prevents packages from introducing new types, keeping the
// state machine's type switches exhaustive.
type Packet interface {
	isPacket()
}

// Log carries a chunk of text the test wrote to one of its output streams.
type Log struct {
	Stream uint8
	Text   string
}

// Exec reports the command line the test process was started with. A dump
// containing only Exec packets is considered empty.
type Exec struct {
	Cmdline string
}

// Exit reports the test process's own view of its exit, before the
// supervisor reaps it.
type Exit struct {
	Code     int32
	TimeUsed string
}

// SubtestStart reports that a subtest began.
type SubtestStart struct {
	Name string
}

// SubtestResult reports a subtest's outcome. TimeUsed is the textual
// "<seconds>" spelling the test printed; Reason is optional.
type SubtestResult struct {
	Name     string
	Result   string
	TimeUsed string
	Reason   string
}

// DynamicSubtestStart reports that a dynamic subtest began within the
// currently open subtest.
type DynamicSubtestStart struct {
	Name string
}

// DynamicSubtestResult reports a dynamic subtest's outcome.
type DynamicSubtestResult struct {
	Name     string
	Result   string
	TimeUsed string
	Reason   string
}

// VersionString reports the test framework version banner.
type VersionString struct {
	Text string
}

// ResultOverride forces the result of the currently open scope.
type ResultOverride struct {
	Result string
}

func (Log) isPacket()                  {}
func (Exec) isPacket()                 {}
func (Exit) isPacket()                 {}
func (SubtestStart) isPacket()         {}
func (SubtestResult) isPacket()        {}
func (DynamicSubtestStart) isPacket()  {}
func (DynamicSubtestResult) isPacket() {}
func (VersionString) isPacket()        {}
func (ResultOverride) isPacket()       {}

// Write encodes p onto w, canary first.
func Write(w io.Writer, p Packet) error {
	var typ uint32
	var payload bytes.Buffer
	cstr := func(s string) {
		payload.WriteString(s)
		payload.WriteByte(0)
	}
	switch p := p.(type) {
	case Log:
		typ = typeLog
		payload.WriteByte(p.Stream)
		cstr(p.Text)
	case Exec:
		typ = typeExec
		cstr(p.Cmdline)
	case Exit:
		typ = typeExit
		binary.Write(&payload, binary.LittleEndian, p.Code)
		cstr(p.TimeUsed)
	case SubtestStart:
		typ = typeSubtestStart
		cstr(p.Name)
	case SubtestResult:
		typ = typeSubtestResult
		cstr(p.Name)
		cstr(p.Result)
		cstr(p.TimeUsed)
		cstr(p.Reason)
	case DynamicSubtestStart:
		typ = typeDynamicSubtestStart
		cstr(p.Name)
	case DynamicSubtestResult:
		typ = typeDynamicSubtestResult
		cstr(p.Name)
		cstr(p.Result)
		cstr(p.TimeUsed)
		cstr(p.Reason)
	case VersionString:
		typ = typeVersionString
		cstr(p.Text)
	case ResultOverride:
		typ = typeResultOverride
		cstr(p.Result)
	default:
		return errors.Errorf("unknown packet type %T", p)
	}

	hdr := make([]byte, 4+headerSize)
	binary.LittleEndian.PutUint32(hdr[0:], canary)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(headerSize+payload.Len()))
	binary.LittleEndian.PutUint32(hdr[8:], typ)
	// Sender pid/tid are informational only; the result generator ignores
	// them, so the writer leaves them zero.
	if _, err := w.Write(hdr); err != nil {
		return errors.Wrap(err, "failed to write packet header")
	}
	if _, err := w.Write(payload.Bytes()); err != nil {
		return errors.Wrap(err, "failed to write packet payload")
	}
	return nil
}

// payloadReader decodes the field sequence of one packet payload. Decoding
// past the end leaves ok false instead of panicking; the caller checks once.
type payloadReader struct {
	b  []byte
	ok bool
}

func (r *payloadReader) cstr() string {
	if !r.ok {
		return ""
	}
	i := bytes.IndexByte(r.b, 0)
	if i < 0 {
		r.ok = false
		return ""
	}
	s := string(r.b[:i])
	r.b = r.b[i+1:]
	return s
}

func (r *payloadReader) u8() uint8 {
	if !r.ok || len(r.b) < 1 {
		r.ok = false
		return 0
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v
}

func (r *payloadReader) i32() int32 {
	if !r.ok || len(r.b) < 4 {
		r.ok = false
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(r.b))
	r.b = r.b[4:]
	return v
}

// decode turns one raw payload into a Packet. It returns nil for packet
// types this version does not know.
func decode(typ uint32, payload []byte) (Packet, error) {
	r := &payloadReader{b: payload, ok: true}
	var p Packet
	switch typ {
	case typeLog:
		p = Log{Stream: r.u8(), Text: r.cstr()}
	case typeExec:
		p = Exec{Cmdline: r.cstr()}
	case typeExit:
		p = Exit{Code: r.i32(), TimeUsed: r.cstr()}
	case typeSubtestStart:
		p = SubtestStart{Name: r.cstr()}
	case typeSubtestResult:
		p = SubtestResult{Name: r.cstr(), Result: r.cstr(), TimeUsed: r.cstr(), Reason: r.cstr()}
	case typeDynamicSubtestStart:
		p = DynamicSubtestStart{Name: r.cstr()}
	case typeDynamicSubtestResult:
		p = DynamicSubtestResult{Name: r.cstr(), Result: r.cstr(), TimeUsed: r.cstr(), Reason: r.cstr()}
	case typeVersionString:
		p = VersionString{Text: r.cstr()}
	case typeResultOverride:
		p = ResultOverride{Result: r.cstr()}
	default:
		return nil, nil
	}
	if !r.ok {
		return nil, errors.Errorf("truncated payload for packet type %d", typ)
	}
	return p, nil
}

// ReadDump decodes a whole packet dump, calling visit for every packet in
// order. It reports empty when the dump holds no packets beyond Exec ones,
// meaning the job ran with protocol support but reported nothing, so the
// caller should fall back to text scraping. Unknown packet types are skipped
// with a log message so newer test binaries stay readable. A malformed dump
// yields an error; the data decoded before the damage has already been
// visited.
func ReadDump(ctx context.Context, r io.Reader, visit func(Packet) error) (empty bool, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return false, errors.Wrap(err, "failed to read packet dump")
	}
	empty = true
	for len(data) > 0 {
		if len(data) < 4+headerSize {
			return false, errors.New("truncated packet header")
		}
		if got := binary.LittleEndian.Uint32(data); got != canary {
			return false, errors.Errorf("bad packet canary %#x", got)
		}
		size := binary.LittleEndian.Uint32(data[4:])
		typ := binary.LittleEndian.Uint32(data[8:])
		if size < headerSize || int(size) > len(data)-4 {
			return false, errors.Errorf("bad packet size %d", size)
		}
		payload := data[4+headerSize : 4+size]
		data = data[4+size:]

		p, err := decode(typ, payload)
		if err != nil {
			return false, err
		}
		if p == nil {
			logging.Infof(ctx, "Skipping unknown packet type %d", typ)
			continue
		}
		if _, ok := p.(Exec); !ok {
			empty = false
		}
		if err := visit(p); err != nil {
			return false, err
		}
	}
	return empty, nil
}

// ReadDumpFile is ReadDump over the file at path. A missing or zero-length
// file is empty.
func ReadDumpFile(ctx context.Context, path string, visit func(Packet) error) (empty bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return true, nil
	}
	defer f.Close()
	return ReadDump(ctx, f, visit)
}
