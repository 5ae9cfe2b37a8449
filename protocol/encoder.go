//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package protocol implements the little-endian field codec used on every
// Carrier <-> Scout and Carrier <-> Command Center socket, plus an optional
// size-prefixed framing (EncodeWithPrefix, ReadFrameSize). The datagram
// sockets carry Encode output, without that prefix; each datagram is one
// payload. It is the Go counterpart of the original tinypack chain: instead
// of a template chain, fields are appended to an Encoder in declaration
// order and read back from a Decoder in the same order.
package protocol

import (
	"encoding/binary"
)

// Encoder accumulates typed fields into a single framed payload.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Uint8 appends a single byte.
func (e *Encoder) Uint8(v uint8) *Encoder {
	e.buf = append(e.buf, v)
	return e
}

// Uint32 appends a little-endian 32-bit integer.
func (e *Encoder) Uint32(v uint32) *Encoder {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

// Int32 appends a little-endian signed 32-bit integer.
func (e *Encoder) Int32(v int32) *Encoder {
	return e.Uint32(uint32(v))
}

// Uint64 appends a little-endian 64-bit integer.
func (e *Encoder) Uint64(v uint64) *Encoder {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

// Struct appends a value's raw bytes verbatim (e.g. a unix.Stat_t on this
// platform's ABI). The caller is responsible for passing a fixed-size,
// already-serialized byte representation.
func (e *Encoder) Struct(raw []byte) *Encoder {
	e.buf = append(e.buf, raw...)
	return e
}

// CString appends a nul-terminated string as a 32-bit length (including the
// nul) followed by the bytes.
func (e *Encoder) CString(s string) *Encoder {
	b := append([]byte(s), 0)
	e.Uint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
	return e
}

// FixedBuf appends a fixed-length buffer as a 32-bit length followed by
// exactly that many bytes.
func (e *Encoder) FixedBuf(b []byte) *Encoder {
	e.Uint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
	return e
}

// Size returns the number of payload bytes accumulated so far.
func (e *Encoder) Size() int {
	return len(e.buf)
}

// SizeWithPrefix returns Size()+4, i.e. the size including the outer
// payload_size prefix.
func (e *Encoder) SizeWithPrefix() int {
	return e.Size() + 4
}

// Encode returns the accumulated payload bytes, without the outer prefix.
func (e *Encoder) Encode() []byte {
	out := make([]byte, len(e.buf))
	copy(out, e.buf)
	return out
}

// EncodeWithPrefix returns the payload prefixed by its own little-endian
// 32-bit length, ready to hand to a datagram send.
func (e *Encoder) EncodeWithPrefix() []byte {
	out := make([]byte, 4+len(e.buf))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(e.buf)))
	copy(out[4:], e.buf)
	return out
}
