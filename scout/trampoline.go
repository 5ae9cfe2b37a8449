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

package scout

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nestybox/carrier/abi"
)

// trampolineCode is "syscall; ret;" — the only code the BPF program allows
// to issue syscalls freely. The syscalls the SIGSYS handler reissues on the
// mission's behalf (RawSyscall) go through a call aimed at this page; the
// handler's own channel I/O (sendmsg/recvmsg, close) uses ordinary syscalls,
// which the filter does not trap (callTrampoline sets up the raw-syscall
// register convention before jumping here, so this stub itself stays the
// exact 3 bytes spec.md §4.G describes).
var trampolineCode = []byte{0x0f, 0x05, 0xc3}

// trampolineFn, once InstallTrampoline has run, points at the fixed
// TrampolineAddr page. The SIGSYS handler's reissued syscalls, execve and
// vfork included, call through it rather than issuing syscalls directly, so
// they stay inside the address range the seccomp-BPF program whitelists.
var trampolineFn uintptr

// InstallTrampoline maps the fixed RWX page at abi.TrampolineAddr and
// copies trampolineCode into it (spec.md §4.G step 2). MAP_FIXED at a
// literal address isn't reachable through unix.Mmap (it always requests
// addr 0 from the kernel), so this goes through the raw mmap(2) syscall
// directly. It is idempotent only in the sense that a second call would
// re-mmap MAP_FIXED over the same address; Run calls it unconditionally,
// once per process image, whatever FLAG_FILTER_INSTALLED says (the mapping
// itself does not survive execve and must be redone every time).
func InstallTrampoline() error {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		uintptr(abi.TrampolineAddr), uintptr(abi.TrampolinePageSize),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED,
		^uintptr(0), 0)
	if errno != 0 {
		return fmt.Errorf("scout: install trampoline: mmap: %w", errno)
	}
	if addr != uintptr(abi.TrampolineAddr) {
		return fmt.Errorf("scout: install trampoline: kernel placed page at %#x, not %#x", addr, abi.TrampolineAddr)
	}

	page := unsafe.Slice((*byte)(addr), abi.TrampolinePageSize)
	copy(page, trampolineCode)

	trampolineFn = addr
	return nil
}

// RawSyscall issues nr(args...) through the trampoline page rather than a
// direct `syscall` instruction, so the BPF program's instruction-pointer
// check lets it through regardless of which syscall is being reissued.
func RawSyscall(nr uintptr, a1, a2, a3, a4, a5, a6 uintptr) int64 {
	return callTrampoline(trampolineFn, nr, a1, a2, a3, a4, a5, a6)
}
