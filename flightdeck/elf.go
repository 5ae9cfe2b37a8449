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

// Package flightdeck parses the Scout agent's shared object, assembles the
// position-independent injection block described in spec.md §4.F, and
// drives its injection into a stopped tracee via the ptrace toolkit.
package flightdeck

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// ProgHeader is a flattened PT_LOAD segment, the tuple the loader blob
// walks directly (see loader.Blob's header-walk loop).
type ProgHeader struct {
	Offset uint64
	Addr   uint64
	FileSz uint64
	MemSz  uint64
}

// Relocation is one (offset, addend) pair the loader applies as
// *(base+Offset) = base+Addend, after GLOB_DAT/64/RELATIVE have all been
// folded down to the same uniform addend-based form.
type Relocation struct {
	Offset uint64
	Addend uint64
}

// AgentImage holds everything Assemble needs out of the agent's ELF64
// shared object: its PT_LOAD segments, DT_INIT_ARRAY offsets, resolved
// relocation list, and the st_value of the global_flags symbol that flags
// gets folded into.
type AgentImage struct {
	Path            string
	ProgHeaders     []ProgHeader
	InitArrayOffs   []uint64
	Relocations     []Relocation
	GlobalFlagsAddr uint64
}

// ParseAgent reads the ELF64 shared object at path and extracts the
// PT_LOAD segments, DT_INIT_ARRAY, and relocation list per spec.md §4.F
// step 1-2. debug/elf is used here rather than a pack dependency: none of
// the retrieved repos parse ELF directly (the teacher shells out to the
// kernel/runc for namespace setup, never to an ELF reader of its own), and
// the standard library's reader already exposes everything this step
// needs — see DESIGN.md.
func ParseAgent(path string) (*AgentImage, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("flightdeck: open %q: %w", path, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("flightdeck: %q is not an ELF64 x86_64 object", path)
	}

	img := &AgentImage{Path: path}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		img.ProgHeaders = append(img.ProgHeaders, ProgHeader{
			Offset: prog.Off,
			Addr:   prog.Vaddr,
			FileSz: prog.Filesz,
			MemSz:  prog.Memsz,
		})
	}
	if len(img.ProgHeaders) == 0 {
		return nil, fmt.Errorf("flightdeck: %q has no PT_LOAD segments", path)
	}
	if img.ProgHeaders[0].Offset != 0 {
		return nil, fmt.Errorf("flightdeck: %q: first PT_LOAD segment is not at file offset 0", path)
	}

	initArray, err := readInitArray(f)
	if err != nil {
		return nil, err
	}
	img.InitArrayOffs = initArray

	syms, err := f.DynamicSymbols()
	if err != nil {
		return nil, fmt.Errorf("flightdeck: %q: read dynamic symbols: %w", path, err)
	}

	relocs, err := readRelocations(f, syms)
	if err != nil {
		return nil, err
	}
	img.Relocations = relocs

	flagsAddr, err := dynSymValue(syms, "global_flags")
	if err != nil {
		return nil, fmt.Errorf("flightdeck: %q: %w", path, err)
	}
	img.GlobalFlagsAddr = flagsAddr

	return img, nil
}

// readInitArray returns the DT_INIT_ARRAY entries (function offsets,
// relative to the module base — the .init_array section already stores
// absolute link-time addresses for a PIE/shared object built at base 0).
func readInitArray(f *elf.File) ([]uint64, error) {
	sec := f.Section(".init_array")
	if sec == nil {
		return nil, nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("flightdeck: read .init_array: %w", err)
	}
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("flightdeck: .init_array size %d is not a multiple of 8", len(data))
	}
	out := make([]uint64, 0, len(data)/8)
	for i := 0; i+8 <= len(data); i += 8 {
		out = append(out, binary.LittleEndian.Uint64(data[i:i+8]))
	}
	return out, nil
}

// readRelocations walks .rela.dyn (and .rela.plt, if present) and reduces
// every RELATIVE/GLOB_DAT/64 entry to a (r_offset, addend) pair per
// spec.md §4.F step 2.
func readRelocations(f *elf.File, syms []elf.Symbol) ([]Relocation, error) {
	var out []Relocation
	for _, name := range []string{".rela.dyn", ".rela.plt"} {
		sec := f.Section(name)
		if sec == nil {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("flightdeck: read %s: %w", name, err)
		}
		relocs, err := decodeRela64(data, syms)
		if err != nil {
			return nil, fmt.Errorf("flightdeck: %s: %w", name, err)
		}
		out = append(out, relocs...)
	}
	return out, nil
}

func decodeRela64(data []byte, syms []elf.Symbol) ([]Relocation, error) {
	const entSize = 24 // r_offset, r_info, r_addend, each 8 bytes
	if len(data)%entSize != 0 {
		return nil, fmt.Errorf("size %d is not a multiple of %d", len(data), entSize)
	}
	var out []Relocation
	for i := 0; i+entSize <= len(data); i += entSize {
		offset := binary.LittleEndian.Uint64(data[i : i+8])
		info := binary.LittleEndian.Uint64(data[i+8 : i+16])
		addend := binary.LittleEndian.Uint64(data[i+16 : i+24])

		symIdx := info >> 32
		relType := elf.R_X86_64(info & 0xffffffff)

		switch relType {
		case elf.R_X86_64_RELATIVE:
			out = append(out, Relocation{Offset: offset, Addend: addend})
		case elf.R_X86_64_GLOB_DAT, elf.R_X86_64_64:
			// f.DynamicSymbols() omits the STN_UNDEF null symbol at index 0,
			// so r_info's symbol index is 1-based against syms.
			if symIdx == 0 {
				return nil, fmt.Errorf("relocation at offset %#x references STN_UNDEF", offset)
			}
			if symIdx > uint64(len(syms)) {
				return nil, fmt.Errorf("relocation at offset %#x references out-of-range symbol %d", offset, symIdx)
			}
			out = append(out, Relocation{Offset: offset, Addend: syms[symIdx-1].Value + addend})
		default:
			// Not one of the three forms the loader's uniform apply step
			// handles; the agent's build is expected not to emit others.
		}
	}
	return out, nil
}

func dynSymValue(syms []elf.Symbol, name string) (uint64, error) {
	for _, s := range syms {
		if s.Name == name {
			return s.Value, nil
		}
	}
	return 0, fmt.Errorf("symbol %q not found in dynamic symbol table", name)
}
