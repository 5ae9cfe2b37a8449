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

package protocol

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned when a field read runs past the end of the
// buffer the Decoder was constructed over.
var ErrShortBuffer = errors.New("protocol: short buffer")

// Decoder reads fields sequentially out of a byte slice using the same
// field order an Encoder wrote them in. Unlike Encoder, failures are sticky:
// once a read fails every subsequent read is a no-op returning the zero
// value, and Err() reports the first failure.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder wraps buf for sequential field extraction.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Err returns the first error encountered, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Remaining returns the number of unconsumed bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

// CheckCompleted reports whether the buffer held enough bytes for every
// field read so far (i.e. no read has failed).
func (d *Decoder) CheckCompleted() bool {
	return d.err == nil
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = ErrShortBuffer
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

// Uint8 reads a single byte.
func (d *Decoder) Uint8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Uint32 reads a little-endian 32-bit integer.
func (d *Decoder) Uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Int32 reads a little-endian signed 32-bit integer.
func (d *Decoder) Int32() int32 {
	return int32(d.Uint32())
}

// Uint64 reads a little-endian 64-bit integer.
func (d *Decoder) Uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Struct reads n raw bytes verbatim (the dual of Encoder.Struct).
func (d *Decoder) Struct(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// CString reads a 32-bit length-prefixed, nul-terminated string and returns
// it with the terminating nul stripped.
func (d *Decoder) CString() string {
	n := d.Uint32()
	if d.err != nil || n == 0 {
		if d.err == nil {
			d.err = ErrShortBuffer
		}
		return ""
	}
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	if b[len(b)-1] == 0 {
		return string(b[:len(b)-1])
	}
	return string(b)
}

// FixedBuf reads a 32-bit length-prefixed buffer. If want >= 0, the decoded
// length must equal want or the read fails (the reader rejects mismatched
// sizes rather than silently truncating, per the wire contract).
func (d *Decoder) FixedBuf(want int) []byte {
	n := d.Uint32()
	if d.err != nil {
		return nil
	}
	if want >= 0 && int(n) != want {
		d.err = ErrShortBuffer
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ReadFrameSize peeks at a 4-byte little-endian length prefix without
// consuming it. It returns (-1, false) if fewer than 4 bytes are available.
func ReadFrameSize(buf []byte) (int, bool) {
	if len(buf) < 4 {
		return -1, false
	}
	return int(binary.LittleEndian.Uint32(buf[:4])), true
}
