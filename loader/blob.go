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

package loader

// Raw x86_64 Linux syscall numbers the loader needs. It never links libc,
// so these are its own copies rather than an import from anywhere else.
const (
	sysRead  = 0
	sysOpen  = 2
	sysClose = 3
	sysLseek = 8
	sysMmap  = 9
)

const (
	protReadWriteExec  = 7
	mapPrivateAnon     = 0x22
	seekSet            = 0
	headerTupleSize    = 32 // offset, addr, file_size, mem_size, each u64
	relocationPairSize = 16 // offset, addend, each u64
)

// builder assembles a sequence of instructions against named labels,
// resolving every branch/call once the whole routine has been emitted —
// the loader's control flow (three small loops, one failure sink) is known
// upfront so a single forward pass with a final patch-up is enough.
type builder struct {
	a       *asm
	labels  map[string]int
	pending []pendingBranch
}

type pendingBranch struct {
	patchAt int
	label   string
}

func newBuilder() *builder {
	return &builder{a: newAsm(), labels: make(map[string]int)}
}

func (b *builder) label(name string) {
	b.labels[name] = b.a.len()
}

func (b *builder) jmp(label string) {
	b.pending = append(b.pending, pendingBranch{b.a.jmpRel32(), label})
}

func (b *builder) jcc(cc byte, label string) {
	b.pending = append(b.pending, pendingBranch{b.a.jccRel32(cc), label})
}

func (b *builder) call(label string) {
	b.pending = append(b.pending, pendingBranch{b.a.callRel32(), label})
}

func (b *builder) finish() []byte {
	for _, p := range b.pending {
		target, ok := b.labels[p.label]
		if !ok {
			panic("loader: undefined label " + p.label)
		}
		b.a.patchRel32(p.patchAt, target)
	}
	return b.a.bytes()
}

// Stack slots, rbp-relative. Blob's prologue copies the entry rsp (which
// points at the trap stub's return address) into rbp and then lowers rsp
// below the last slot, so neither that return address nor the ones pushed by
// the routine's own calls overlap these slots.
const (
	slotSoPath    = -8
	slotHeaders   = -16
	slotHeaderNum = -24
	slotInitArray = -32
	slotRela      = -40
	slotFd        = -48
	slotBase      = -56
	slotIdx       = -64
	slotCursor    = -72
)

// Blob assembles the loader routine described in spec.md §4.E: given
// (so_path, headers, header_num, init_array, rela, flags) in the standard
// SysV argument registers, it opens the agent shared object, maps and
// populates its PT_LOAD segments, applies the relocation list, closes the
// fd, runs every DT_INIT_ARRAY entry, and returns 0 — or a negative errno
// from whichever step failed. flags (the 6th argument) is accepted but
// unused here; only the Scout constructor the loader hands off to consumes
// it. All of the loader's own syscalls run through a "syscall; ret" stub
// local to this same block (see Blob's doc on why: a pre-existing fixed
// trampoline page cannot be assumed to survive the execve that this blob
// sometimes runs immediately after).
func Blob() []byte {
	b := newBuilder()
	a := b.a

	// Prologue: rbp = entry rsp, then reserve 88 bytes below it (the nine
	// 8-byte slots plus padding that keeps rsp 16-byte aligned at each call).
	a.movRR(rbp, rsp)
	a.subImm8(rsp, 88)

	a.storeMem(rbp, slotSoPath, rdi)
	a.storeMem(rbp, slotHeaders, rsi)
	a.storeMem(rbp, slotHeaderNum, rdx)
	a.storeMem(rbp, slotInitArray, rcx)
	a.storeMem(rbp, slotRela, r8)

	// fd = open(so_path, O_RDONLY, 0)
	a.movImm64(rax, sysOpen)
	a.loadMem(rdi, rbp, slotSoPath)
	a.movImm64(rsi, 0)
	a.movImm64(rdx, 0)
	b.call("trampoline")
	a.cmpImm8(rax, 0)
	b.jcc(ccL, "fail")
	a.storeMem(rbp, slotFd, rax)

	// total_size = headers[header_num-1].addr + headers[header_num-1].mem_size
	a.loadMem(rax, rbp, slotHeaderNum)
	a.subImm8(rax, 1)
	a.imulImm32(rax, rax, headerTupleSize)
	a.loadMem(r10, rbp, slotHeaders)
	a.addRR(rax, r10)
	a.loadMem(r10, rax, 8)  // addr
	a.loadMem(r11, rax, 24) // mem_size
	a.addRR(r10, r11)

	// base = mmap(NULL, total_size, PROT_RWX, MAP_PRIVATE|MAP_ANONYMOUS, -1, 0)
	a.movRR(rsi, r10)
	a.movImm64(rax, sysMmap)
	a.movImm64(rdi, 0)
	a.movImm64(rdx, protReadWriteExec)
	a.movImm64(r10, mapPrivateAnon)
	a.movImm64(r8, 0xffffffffffffffff)
	a.movImm64(r9, 0)
	b.call("trampoline")
	a.cmpImm8(rax, 0)
	b.jcc(ccL, "fail")
	a.storeMem(rbp, slotBase, rax)

	// for idx := 0; idx < header_num; idx++ { lseek+read this segment }
	a.movImm64(rax, 0)
	a.storeMem(rbp, slotIdx, rax)
	b.label("seg_loop")
	a.loadMem(rax, rbp, slotIdx)
	a.loadMem(r10, rbp, slotHeaderNum)
	a.cmpRR(rax, r10)
	b.jcc(ccGE, "seg_done")

	a.imulImm32(rax, rax, headerTupleSize)
	a.loadMem(r10, rbp, slotHeaders)
	a.addRR(rax, r10)
	a.storeMem(rbp, slotCursor, rax) // cursor = &headers[idx]

	// lseek(fd, cursor.offset, SEEK_SET)
	a.loadMem(r10, rbp, slotCursor)
	a.loadMem(rsi, r10, 0)
	a.movImm64(rdx, seekSet)
	a.movImm64(rax, sysLseek)
	a.loadMem(rdi, rbp, slotFd)
	b.call("trampoline")
	a.cmpImm8(rax, 0)
	b.jcc(ccL, "fail")

	// read(fd, base+cursor.addr, cursor.file_size)
	a.loadMem(r10, rbp, slotCursor)
	a.loadMem(rsi, r10, 8)
	a.loadMem(r11, rbp, slotBase)
	a.addRR(rsi, r11)
	a.loadMem(r10, rbp, slotCursor)
	a.loadMem(rdx, r10, 16)
	a.movImm64(rax, sysRead)
	a.loadMem(rdi, rbp, slotFd)
	b.call("trampoline")
	a.cmpImm8(rax, 0)
	b.jcc(ccL, "fail")

	a.loadMem(rax, rbp, slotIdx)
	a.movImm64(r10, 1)
	a.addRR(rax, r10)
	a.storeMem(rbp, slotIdx, rax)
	b.jmp("seg_loop")
	b.label("seg_done")

	// close(fd); result is not checked, matching spec.md §4.E step 4.
	a.movImm64(rax, sysClose)
	a.loadMem(rdi, rbp, slotFd)
	b.call("trampoline")

	// cursor = rela; while cursor.offset != 0 { *(base+cursor.offset) = base+cursor.addend; cursor += 16 }
	a.loadMem(rax, rbp, slotRela)
	a.storeMem(rbp, slotCursor, rax)
	b.label("rela_loop")
	a.loadMem(r10, rbp, slotCursor)
	a.loadMem(rax, r10, 0)
	a.cmpImm8(rax, 0)
	b.jcc(ccE, "rela_done")

	a.loadMem(r11, rbp, slotBase)
	a.addRR(rax, r11) // rax = target address to write
	a.loadMem(r10, rbp, slotCursor)
	a.loadMem(rdx, r10, 8)
	a.loadMem(r11, rbp, slotBase)
	a.addRR(rdx, r11) // rdx = relocated value
	a.storeMemIndirect(rax, rdx)

	a.loadMem(rax, rbp, slotCursor)
	a.movImm64(r10, relocationPairSize)
	a.addRR(rax, r10)
	a.storeMem(rbp, slotCursor, rax)
	b.jmp("rela_loop")
	b.label("rela_done")

	// cursor = init_array; while cursor.value != 0 { (base+cursor.value)(); cursor += 8 }
	a.loadMem(rax, rbp, slotInitArray)
	a.storeMem(rbp, slotCursor, rax)
	b.label("init_loop")
	a.loadMem(r10, rbp, slotCursor)
	a.loadMem(rax, r10, 0)
	a.cmpImm8(rax, 0)
	b.jcc(ccE, "init_done")

	a.loadMem(r11, rbp, slotBase)
	a.addRR(rax, r11)
	a.callR(rax)

	a.loadMem(rax, rbp, slotCursor)
	a.movImm64(r10, 8)
	a.addRR(rax, r10)
	a.storeMem(rbp, slotCursor, rax)
	b.jmp("init_loop")
	b.label("init_done")

	a.movImm64(rax, 0)
	a.movRR(rsp, rbp)
	a.ret()

	b.label("fail")
	a.movRR(rsp, rbp)
	a.ret() // rax already holds the failing syscall's negative errno

	b.label("trampoline")
	a.syscall()
	a.ret()

	return b.finish()
}
