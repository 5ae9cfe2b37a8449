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

// Package ptrace wraps the raw PTRACE_* operations Flight Deck and the
// Carrier need to attach to a mission, inject code into it, and resume it,
// on top of golang.org/x/sys/unix's ptrace primitives.
package ptrace

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Attach begins tracing pid and waits for the resulting group-stop.
func Attach(pid int) error {
	if err := unix.PtraceAttach(pid); err != nil {
		return fmt.Errorf("ptrace: attach %d: %w", pid, err)
	}
	return WaitStop(pid)
}

// Detach stops tracing pid, letting it run free.
func Detach(pid int) error {
	if err := unix.PtraceDetach(pid); err != nil {
		return fmt.Errorf("ptrace: detach %d: %w", pid, err)
	}
	return nil
}

// Cont resumes pid until its next signal-delivery-stop or exit.
func Cont(pid int, sig int) error {
	if err := unix.PtraceCont(pid, sig); err != nil {
		return fmt.Errorf("ptrace: cont %d: %w", pid, err)
	}
	return nil
}

// Step single-steps pid by one instruction.
func Step(pid int) error {
	if err := unix.PtraceSingleStep(pid); err != nil {
		return fmt.Errorf("ptrace: singlestep %d: %w", pid, err)
	}
	return nil
}

// SetOptions sets this tracer's PTRACE_O_* options for pid.
func SetOptions(pid, options int) error {
	if err := unix.PtraceSetOptions(pid, options); err != nil {
		return fmt.Errorf("ptrace: setoptions %d: %w", pid, err)
	}
	return nil
}

// WaitStop blocks until pid reports any stop. It returns nil once pid has
// stopped and an error if wait4 fails or pid exits instead; unlike WaitTrap,
// it does not return the wait status or the ptrace event.
func WaitStop(pid int) error {
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return fmt.Errorf("ptrace: wait4 %d: %w", pid, err)
	}
	if !ws.Stopped() {
		return fmt.Errorf("ptrace: pid %d did not stop (status %#x)", pid, ws)
	}
	return nil
}

// WaitTrap blocks until pid reports a stop and returns the ptrace event
// encoded in the high byte of the status ((status>>16)&0xff), as set by
// PTRACE_EVENT_EXEC and friends when the matching PTRACE_O_* option is on.
func WaitTrap(pid int) (event int, err error) {
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return 0, fmt.Errorf("ptrace: wait4 %d: %w", pid, err)
	}
	if !ws.Stopped() {
		return 0, fmt.Errorf("ptrace: pid %d did not stop (status %#x)", pid, ws)
	}
	return int(ws) >> 16 & 0xff, nil
}

// GetRegs reads pid's general-purpose register set.
func GetRegs(pid int) (*unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return nil, fmt.Errorf("ptrace: getregs %d: %w", pid, err)
	}
	return &regs, nil
}

// SetRegs writes pid's general-purpose register set.
func SetRegs(pid int, regs *unix.PtraceRegs) error {
	if err := unix.PtraceSetRegs(pid, regs); err != nil {
		return fmt.Errorf("ptrace: setregs %d: %w", pid, err)
	}
	return nil
}

// PeekText reads len(out) bytes from pid's text segment at addr.
func PeekText(pid int, addr uintptr, out []byte) error {
	n, err := unix.PtracePeekText(pid, addr, out)
	if err != nil {
		return fmt.Errorf("ptrace: peektext %d@%#x: %w", pid, addr, err)
	}
	if n != len(out) {
		return fmt.Errorf("ptrace: peektext %d@%#x: short read (%d/%d)", pid, addr, n, len(out))
	}
	return nil
}

// PokeText writes data into pid's text segment at addr.
func PokeText(pid int, addr uintptr, data []byte) error {
	n, err := unix.PtracePokeText(pid, addr, data)
	if err != nil {
		return fmt.Errorf("ptrace: poketext %d@%#x: %w", pid, addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("ptrace: poketext %d@%#x: short write (%d/%d)", pid, addr, n, len(data))
	}
	return nil
}
