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

import "encoding/binary"

// reg is an x86-64 general-purpose register, numbered the way the ModRM/REX
// encoding expects (0=rax..7=rdi, 8=r8..15=r15).
type reg int

const (
	rax reg = iota
	rcx
	rdx
	rbx
	rsp
	rbp
	rsi
	rdi
	r8
	r9
	r10
	r11
	r12
	r13
	r14
	r15
)

// asm is a minimal x86-64 instruction encoder covering exactly the
// operations the loader blob needs: enough to assemble a short,
// straight-line position-independent routine without pulling in an external
// assembler (none of the pack's dependencies cover machine-code emission —
// this is necessarily hand-rolled, see DESIGN.md).
type asm struct {
	buf []byte
}

func newAsm() *asm { return &asm{} }

func (a *asm) bytes() []byte { return a.buf }
func (a *asm) len() int      { return len(a.buf) }

func (a *asm) emit(b ...byte) { a.buf = append(a.buf, b...) }

// rex builds a REX prefix: W (64-bit operand), and the extension bits for
// the reg and rm operands of a following ModRM byte.
func rex(w bool, regOp, rm reg) byte {
	b := byte(0x40)
	if w {
		b |= 0x08
	}
	if regOp >= r8 {
		b |= 0x04
	}
	if rm >= r8 {
		b |= 0x01
	}
	return b
}

func modrm(mod, regOp, rm reg) byte {
	return byte(0xc0) | byte(regOp&7)<<3 | byte(rm&7)
}

// movImm64 emits `mov dst, imm64`.
func (a *asm) movImm64(dst reg, imm uint64) {
	a.emit(rex(true, 0, dst), 0xb8+byte(dst&7))
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], imm)
	a.emit(b[:]...)
}

// movRR emits `mov dst, src` (register to register).
func (a *asm) movRR(dst, src reg) {
	a.emit(rex(true, src, dst), 0x89, modrm(3, src, dst))
}

// loadMem emits `mov dst, [base+disp8]`.
func (a *asm) loadMem(dst, base reg, disp8 int8) {
	a.emit(rex(true, dst, base), 0x8b, 0x40|byte(dst&7)<<3|byte(base&7), byte(disp8))
}

// storeMem emits `mov [base+disp8], src`.
func (a *asm) storeMem(base reg, disp8 int8, src reg) {
	a.emit(rex(true, src, base), 0x89, 0x40|byte(src&7)<<3|byte(base&7), byte(disp8))
}

// storeMemIndirect emits `mov [base], src` (disp0, no displacement byte).
func (a *asm) storeMemIndirect(base reg, src reg) {
	a.emit(rex(true, src, base), 0x89, 0x00|byte(src&7)<<3|byte(base&7))
}

// loadMemIndirect emits `mov dst, [base]`.
func (a *asm) loadMemIndirect(dst, base reg) {
	a.emit(rex(true, dst, base), 0x8b, 0x00|byte(dst&7)<<3|byte(base&7))
}

// addRR emits `add dst, src`.
func (a *asm) addRR(dst, src reg) {
	a.emit(rex(true, src, dst), 0x01, modrm(3, src, dst))
}

// subRR emits `sub dst, src`.
func (a *asm) subRR(dst, src reg) {
	a.emit(rex(true, src, dst), 0x29, modrm(3, src, dst))
}

// subImm8 emits `sub dst, imm8`.
func (a *asm) subImm8(dst reg, imm int8) {
	a.emit(rex(true, 0, dst), 0x83, 0xe8|byte(dst&7), byte(imm))
}

// imulImm32 emits `imul dst, src, imm32`.
func (a *asm) imulImm32(dst, src reg, imm int32) {
	a.emit(rex(true, dst, src), 0x69, modrm(3, dst, src))
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(imm))
	a.emit(b[:]...)
}

// testRR emits `test dst, dst`.
func (a *asm) testRR(dst reg) {
	a.emit(rex(true, dst, dst), 0x85, modrm(3, dst, dst))
}

// cmpRR emits `cmp dst, src`.
func (a *asm) cmpRR(dst, src reg) {
	a.emit(rex(true, src, dst), 0x39, modrm(3, src, dst))
}

// cmpImm8 emits `cmp dst, imm8` (sign-extended to 64 bits).
func (a *asm) cmpImm8(dst reg, imm int8) {
	a.emit(rex(true, 0, dst), 0x83, 0xf8|byte(dst&7), byte(imm))
}

// Condition codes for the two-byte Jcc rel32 encoding (0F 8x).
const (
	ccE  = 0x84 // je/jz
	ccNE = 0x85 // jne/jnz
	ccL  = 0x8c // jl
	ccGE = 0x8d // jge
)

// jccRel32 emits a near conditional jump and returns the index of its
// 4-byte displacement field, to be resolved later by patchRel32 once the
// target's offset is known (this blob has no forward-reference problem a
// second assembly pass can't solve, so every branch target is a label
// recorded during the same straight-line build in blob.go).
func (a *asm) jccRel32(cc byte) int {
	a.emit(0x0f, cc, 0, 0, 0, 0)
	return len(a.buf) - 4
}

// jmpRel32 emits an unconditional near jump and returns its patch index.
func (a *asm) jmpRel32() int {
	a.emit(0xe9, 0, 0, 0, 0)
	return len(a.buf) - 4
}

// callRel32 emits a direct near call and returns its patch index.
func (a *asm) callRel32() int {
	a.emit(0xe8, 0, 0, 0, 0)
	return len(a.buf) - 4
}

// patchRel32 resolves a branch/call emitted by jccRel32/jmpRel32/callRel32
// to target (an absolute offset into the same buffer).
func (a *asm) patchRel32(patchAt, target int) {
	rel := int32(target - (patchAt + 4))
	binary.LittleEndian.PutUint32(a.buf[patchAt:patchAt+4], uint32(rel))
}

// callR emits `call dst` (indirect, through a register).
func (a *asm) callR(dst reg) {
	if dst >= r8 {
		a.emit(0x41)
	}
	a.emit(0xff, 0xd0|byte(dst&7))
}

func (a *asm) ret() { a.emit(0xc3) }

func (a *asm) syscall() { a.emit(0x0f, 0x05) }

func (a *asm) nop() { a.emit(0x90) }
