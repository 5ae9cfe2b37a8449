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

package flightdeck

import (
	"encoding/binary"

	"github.com/nestybox/carrier/loader"
)

// BlockLayout records the byte offsets of every section Assemble packs into
// the injected block, so Takeoff knows where to compute pointer arguments
// and where the one self-referential pointer (the trap-stub's entry
// pointer) needs relocating once the tracee's mmap'd base A is known.
type BlockLayout struct {
	TrapStubPtrOffset int
	SoPathOffset      int
	HeadersOffset     int
	HeaderNum         int
	InitArrayOffset   int
	RelaOffset        int
	LoaderEntryOffset int
	Size              int
}

// trapStubPrefix is "call qword ptr [rip+1]" (FF 15 01000000). Assemble
// follows it with an int3 (CC) and then the 8-byte pointer, so the call goes
// through the stub's last 8 bytes and returns onto the int3, a trap from
// which the tracer recovers rax. The pointer is a placeholder here; Takeoff
// patches it to the tracee's actual loader entry address before injection
// (spec.md §4.D's trap-on-return stub).
var trapStubPrefix = []byte{0xff, 0x15, 0x01, 0x00, 0x00, 0x00}

// Assemble builds the `[trap-stub][so_path][prog_header[]][init_array][rela]
// [loader code]` block described in spec.md §4.F steps 2-4: it appends one
// synthetic relocation for global_flags so the agent's constructor can
// recover the caller-supplied flags by subtracting its own relocated
// address, then lays out every section 8-byte aligned.
func Assemble(img *AgentImage, flags uint64) ([]byte, BlockLayout) {
	rela := make([]Relocation, len(img.Relocations), len(img.Relocations)+2)
	copy(rela, img.Relocations)
	rela = append(rela, Relocation{
		Offset: img.GlobalFlagsAddr,
		Addend: img.GlobalFlagsAddr + flags,
	})
	rela = append(rela, Relocation{Offset: 0, Addend: 0}) // terminator

	initArray := make([]uint64, len(img.InitArrayOffs)+1)
	copy(initArray, img.InitArrayOffs)
	initArray[len(initArray)-1] = 0 // terminator

	var layout BlockLayout
	var buf []byte

	appendPadded := func(b []byte) int {
		off := len(buf)
		buf = append(buf, b...)
		for len(buf)%8 != 0 {
			buf = append(buf, 0)
		}
		return off
	}

	// trap-stub: prefix + int3 + 8-byte placeholder pointer, then pad.
	layout.TrapStubPtrOffset = len(trapStubPrefix) + 1
	stub := append(append([]byte{}, trapStubPrefix...), 0xcc)
	stub = append(stub, make([]byte, 8)...)
	appendPadded(stub)

	soPath := append([]byte(img.Path), 0)
	layout.SoPathOffset = appendPadded(soPath)

	headers := make([]byte, 0, len(img.ProgHeaders)*32)
	for _, h := range img.ProgHeaders {
		var e [32]byte
		binary.LittleEndian.PutUint64(e[0:8], h.Offset)
		binary.LittleEndian.PutUint64(e[8:16], h.Addr)
		binary.LittleEndian.PutUint64(e[16:24], h.FileSz)
		binary.LittleEndian.PutUint64(e[24:32], h.MemSz)
		headers = append(headers, e[:]...)
	}
	layout.HeadersOffset = appendPadded(headers)
	layout.HeaderNum = len(img.ProgHeaders)

	initArrayBytes := make([]byte, len(initArray)*8)
	for i, v := range initArray {
		binary.LittleEndian.PutUint64(initArrayBytes[i*8:i*8+8], v)
	}
	layout.InitArrayOffset = appendPadded(initArrayBytes)

	relaBytes := make([]byte, len(rela)*16)
	for i, r := range rela {
		binary.LittleEndian.PutUint64(relaBytes[i*16:i*16+8], r.Offset)
		binary.LittleEndian.PutUint64(relaBytes[i*16+8:i*16+16], r.Addend)
	}
	layout.RelaOffset = appendPadded(relaBytes)

	layout.LoaderEntryOffset = appendPadded(loader.Blob())
	layout.Size = len(buf)

	return buf, layout
}
