// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"errors"
	"io"
)

// Decoding is used by the offline report reader and by tests; it is
// not part of the crash-time path and is free to allocate.

var (
	errOverflow  = errors.New("wire: varint overflows a 64-bit integer")
	errTruncated = errors.New("wire: truncated input")
	errWireType  = errors.New("wire: unknown wire type")
)

// A Field is one decoded tag/value pair. Which of Varint, Fixed and
// Bytes is meaningful depends on Type; unknown field ids are returned
// like any other so readers can skip them.
type Field struct {
	ID     uint32
	Type   int
	Varint uint64
	Fixed  uint64
	Bytes  []byte
}

// A Decoder walks the fields of one message held in memory.
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder returns a Decoder over buf. Bytes fields alias buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Next decodes the next field. It returns io.EOF at the end of the
// message.
func (d *Decoder) Next() (Field, error) {
	if d.off >= len(d.buf) {
		return Field{}, io.EOF
	}
	tag, err := d.uvarint()
	if err != nil {
		return Field{}, err
	}
	f := Field{ID: uint32(tag >> 3), Type: int(tag & 7)}
	switch f.Type {
	case TypeVarint:
		f.Varint, err = d.uvarint()
		if err != nil {
			return Field{}, err
		}
	case TypeFixed64:
		if d.off+8 > len(d.buf) {
			return Field{}, errTruncated
		}
		for i := 0; i < 8; i++ {
			f.Fixed |= uint64(d.buf[d.off+i]) << (8 * i)
		}
		d.off += 8
	case TypeFixed32:
		if d.off+4 > len(d.buf) {
			return Field{}, errTruncated
		}
		for i := 0; i < 4; i++ {
			f.Fixed |= uint64(d.buf[d.off+i]) << (8 * i)
		}
		d.off += 4
	case TypeBytes:
		n, err := d.uvarint()
		if err != nil {
			return Field{}, err
		}
		if n > uint64(len(d.buf)-d.off) {
			return Field{}, errTruncated
		}
		f.Bytes = d.buf[d.off : d.off+int(n)]
		d.off += int(n)
	default:
		return Field{}, errWireType
	}
	return f, nil
}

// uvarint is adapted from encoding/binary, made local to keep the
// decoder self-contained.
func (d *Decoder) uvarint() (uint64, error) {
	var x uint64
	var s uint
	for i := 0; d.off < len(d.buf); i++ {
		b := d.buf[d.off]
		d.off++
		if b < 0x80 {
			if i > 9 || i == 9 && b > 1 {
				return 0, errOverflow
			}
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, errTruncated
}
