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

package ptrace

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// syscallStub is "syscall; int3;" — the shortest sequence that lets the
// tracer recover rax via a SIGTRAP after the kernel has serviced the call.
var syscallStub = []byte{0x0f, 0x05, 0xcc}

// InjectRunSyscall runs a single syscall inside pid's address space: it
// saves the code at pid's current rip, overwrites it with syscallStub,
// points rsp 512 bytes below its current value (so the kernel's signal
// frame for the int3 can't clobber anything the tracee's own stack still
// needs), sets the syscall number and arguments, single-shots the tracee
// with PTRACE_CONT, waits for the resulting SIGTRAP, and returns rax after
// restoring the original code and registers.
func InjectRunSyscall(pid int, nr uint64, args ...uint64) (int64, error) {
	saved, err := GetRegs(pid)
	if err != nil {
		return 0, err
	}

	origCode := make([]byte, 8)
	if err := PeekText(pid, uintptr(saved.Rip), origCode); err != nil {
		return 0, err
	}

	stub := make([]byte, 8)
	copy(stub, syscallStub)
	if err := PokeText(pid, uintptr(saved.Rip), stub); err != nil {
		return 0, err
	}
	defer PokeText(pid, uintptr(saved.Rip), origCode)

	regs := *saved
	regs.Rsp -= 512
	regs.Rip = saved.Rip
	regs.Orig_rax = nr
	regs.Rax = nr
	setSyscallArgs(&regs, args)
	if err := SetRegs(pid, &regs); err != nil {
		return 0, err
	}
	defer SetRegs(pid, saved)

	if err := Cont(pid, 0); err != nil {
		return 0, err
	}
	event, err := waitTrapSignal(pid)
	if err != nil {
		return 0, err
	}
	if event != unix.SIGTRAP {
		return 0, fmt.Errorf("ptrace: inject_run_syscall %d: expected SIGTRAP, got %v", pid, event)
	}

	result, err := GetRegs(pid)
	if err != nil {
		return 0, err
	}
	return int64(result.Rax), nil
}

// InjectRunFuncallNosave runs arbitrary position-independent code already
// written at entry inside pid, following the "call; int3;" trap-on-return
// convention from spec.md §4.D/4.F: the caller is expected to have placed a
// small stub at entry whose last 8 bytes hold the real function pointer, so
// that after the call returns the int3 delivers a SIGTRAP with rax holding
// the callee's return value. Unlike InjectRunSyscall, the code at entry is
// NOT saved/restored — it is the caller's own injected blob — but the
// tracee's prior register image (savedRegs) always is. The call starts from
// the tracee's current registers, so an rsp/rbp the caller has already set
// stays in effect; only rip and the argument registers are overwritten.
func InjectRunFuncallNosave(pid int, entry uintptr, savedRegs *unix.PtraceRegs, args ...uint64) (int64, error) {
	cur, err := GetRegs(pid)
	if err != nil {
		return 0, err
	}
	regs := *cur
	regs.Rip = uint64(entry)
	setCallArgs(&regs, args)
	if err := SetRegs(pid, &regs); err != nil {
		return 0, err
	}
	defer SetRegs(pid, savedRegs)

	if err := Cont(pid, 0); err != nil {
		return 0, err
	}
	event, err := waitTrapSignal(pid)
	if err != nil {
		return 0, err
	}
	if event != unix.SIGTRAP {
		return 0, fmt.Errorf("ptrace: inject_run_funcall_nosave %d: expected SIGTRAP, got %v", pid, event)
	}

	result, err := GetRegs(pid)
	if err != nil {
		return 0, err
	}
	return int64(result.Rax), nil
}

// InjectMmap runs mmap(addr, length, prot, flags, fd, offset) inside pid via
// InjectRunSyscall and returns the mapped address.
func InjectMmap(pid int, addr uintptr, length uintptr, prot, flags, fd int, offset int64) (uintptr, error) {
	ret, err := InjectRunSyscall(pid, unix.SYS_MMAP,
		uint64(addr), uint64(length), uint64(prot), uint64(flags), uint64(fd), uint64(offset))
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, fmt.Errorf("ptrace: inject_mmap %d: mmap returned %d", pid, ret)
	}
	return uintptr(ret), nil
}

// setSyscallArgs loads up to six x86_64 raw-syscall argument registers
// (rcx is clobbered by the syscall instruction itself, so r10 stands in for
// the fourth argument).
func setSyscallArgs(regs *unix.PtraceRegs, args []uint64) {
	dst := []*uint64{&regs.Rdi, &regs.Rsi, &regs.Rdx, &regs.R10, &regs.R8, &regs.R9}
	for i, v := range args {
		if i >= len(dst) {
			break
		}
		*dst[i] = v
	}
}

// setCallArgs loads up to six x86_64 SysV C-calling-convention argument
// registers, used for InjectRunFuncallNosave's "call" rather than "syscall".
func setCallArgs(regs *unix.PtraceRegs, args []uint64) {
	dst := []*uint64{&regs.Rdi, &regs.Rsi, &regs.Rdx, &regs.Rcx, &regs.R8, &regs.R9}
	for i, v := range args {
		if i >= len(dst) {
			break
		}
		*dst[i] = v
	}
}

// waitTrapSignal waits for pid's next stop and returns the stopping signal
// (as opposed to WaitTrap, which returns the ptrace *event*).
func waitTrapSignal(pid int) (int, error) {
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return 0, fmt.Errorf("ptrace: wait4 %d: %w", pid, err)
	}
	if !ws.Stopped() {
		return 0, fmt.Errorf("ptrace: pid %d did not stop (status %#x)", pid, ws)
	}
	return ws.StopSignal(), nil
}
