// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire implements the tagged, length-delimited binary format of
// report files: protobuf wire rules, streamed straight to an output
// sink. Nested messages are never buffered; their length prefixes come
// from a size-only pass, so every Put function accepts a nil *Writer
// and then computes the number of bytes it would emit without writing
// anything. The two passes must agree exactly for identical logical
// input; callers must not mutate shared state between them in a way
// that changes the output.
package wire

import (
	"io"
)

// Wire types, as in the protobuf encoding.
const (
	TypeVarint  = 0
	TypeFixed64 = 1
	TypeBytes   = 2
	TypeFixed32 = 5
)

// A Writer wraps an output sink with a running byte count and a sticky
// error. Once a write fails no further bytes reach the sink; byte
// counts keep advancing so that both passes stay in agreement and the
// file simply ends at the failure point.
type Writer struct {
	w   io.Writer
	n   int64
	err error
}

// NewWriter returns a Writer emitting to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Len reports the number of bytes emitted so far.
func (w *Writer) Len() int64 { return w.n }

// Err reports the first sink error, if any.
func (w *Writer) Err() error { return w.err }

func (w *Writer) write(p []byte) {
	w.n += int64(len(p))
	if w.err != nil {
		return
	}
	if _, err := w.w.Write(p); err != nil {
		w.err = err
	}
}

// PutRaw emits p verbatim, untagged. Used for the file header.
// A nil Writer sizes only.
func PutRaw(w *Writer, p []byte) int {
	if w != nil {
		w.write(p)
	}
	return len(p)
}

// putUvarint encodes x into buf and returns the number of bytes used.
// buf must hold at least 10 bytes.
func putUvarint(buf []byte, x uint64) int {
	i := 0
	for x >= 0x80 {
		buf[i] = byte(x) | 0x80
		x >>= 7
		i++
	}
	buf[i] = byte(x)
	return i + 1
}

func putTag(w *Writer, buf []byte, field uint32, typ int) int {
	return putRawUvarint(w, buf, uint64(field)<<3|uint64(typ))
}

func putRawUvarint(w *Writer, buf []byte, x uint64) int {
	n := putUvarint(buf, x)
	if w != nil {
		w.write(buf[:n])
	}
	return n
}

// PutUvarint emits field as a varint and returns the encoded size.
func PutUvarint(w *Writer, field uint32, x uint64) int {
	var buf [10]byte
	n := putTag(w, buf[:], field, TypeVarint)
	n += putRawUvarint(w, buf[:], x)
	return n
}

// PutBool emits field as a 0/1 varint.
func PutBool(w *Writer, field uint32, v bool) int {
	x := uint64(0)
	if v {
		x = 1
	}
	return PutUvarint(w, field, x)
}

// PutFixed64 emits field as a little-endian 64-bit value.
func PutFixed64(w *Writer, field uint32, x uint64) int {
	var buf [10]byte
	n := putTag(w, buf[:], field, TypeFixed64)
	for i := 0; i < 8; i++ {
		buf[i] = byte(x >> (8 * i))
	}
	if w != nil {
		w.write(buf[:8])
	}
	return n + 8
}

// PutFixed32 emits field as a little-endian 32-bit value.
func PutFixed32(w *Writer, field uint32, x uint32) int {
	var buf [10]byte
	n := putTag(w, buf[:], field, TypeFixed32)
	for i := 0; i < 4; i++ {
		buf[i] = byte(x >> (8 * i))
	}
	if w != nil {
		w.write(buf[:4])
	}
	return n + 4
}

// PutBytes emits field as a length-prefixed byte string.
func PutBytes(w *Writer, field uint32, p []byte) int {
	var buf [10]byte
	n := putTag(w, buf[:], field, TypeBytes)
	n += putRawUvarint(w, buf[:], uint64(len(p)))
	if w != nil {
		w.write(p)
	}
	return n + len(p)
}

// PutString emits field as a length-prefixed string.
func PutString(w *Writer, field uint32, s string) int {
	var buf [10]byte
	n := putTag(w, buf[:], field, TypeBytes)
	n += putRawUvarint(w, buf[:], uint64(len(s)))
	if w != nil {
		w.write([]byte(s))
	}
	return n + len(s)
}

// PutMessage emits field as a length-prefixed nested message. The body
// function is invoked once with a nil Writer to learn the payload size
// for the length prefix, then, when w is non-nil, once more to emit the
// payload. Both invocations must produce identical output.
func PutMessage(w *Writer, field uint32, body func(*Writer) int) int {
	var buf [10]byte
	size := body(nil)
	n := putTag(w, buf[:], field, TypeBytes)
	n += putRawUvarint(w, buf[:], uint64(size))
	if w != nil {
		body(w)
	}
	return n + size
}
