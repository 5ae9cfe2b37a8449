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

// Package loader builds the position-independent "shellcode" blob that,
// once injected into a mission by Flight Deck, maps the Scout agent's ELF
// segments, applies its relocations, and runs its constructors.
package loader

// Cursor tracks a byte offset within an injected code/data block and the
// runtime address it will eventually be relocated to once Flight Deck knows
// the tracee's mmap'd base (Design Notes §9's replacement for the caller
// juggling raw pointers into a buffer it hasn't placed yet).
type Cursor struct {
	base      uintptr
	offset    int
	remaining int
}

// NewCursor starts a Cursor at the beginning of a size-byte block based at
// base (base may be 0 before the block has a runtime address; Offset still
// works relative to that placeholder and can be rebased with Rebase).
func NewCursor(base uintptr, size int) Cursor {
	return Cursor{base: base, offset: 0, remaining: size}
}

// Addr returns the absolute runtime address the cursor currently points at.
func (c Cursor) Addr() uintptr {
	return c.base + uintptr(c.offset)
}

// Offset returns the byte offset from the block's base.
func (c Cursor) Offset() int {
	return c.offset
}

// Remaining returns how many bytes are left before the end of the block.
func (c Cursor) Remaining() int {
	return c.remaining
}

// Advance returns a Cursor moved forward by delta bytes.
func (c Cursor) Advance(delta int) Cursor {
	return Cursor{base: c.base, offset: c.offset + delta, remaining: c.remaining - delta}
}

// Rebase returns a Cursor with the same offset/remaining but pointed at a
// newly known runtime base — used once Flight Deck learns the tracee's
// mmap'd address A and needs to relocate every Cursor it handed out while
// building the blob at code_base.
func (c Cursor) Rebase(newBase uintptr) Cursor {
	return Cursor{base: newBase, offset: c.offset, remaining: c.remaining}
}

// AlignUp8 rounds n up to the next multiple of 8, the alignment every
// section of the assembled blob (spec.md §4.F step 4) is packed to.
func AlignUp8(n int) int {
	return (n + 7) &^ 7
}
