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
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/nestybox/carrier/abi"
	"github.com/nestybox/carrier/ptrace"
)

// regionSlack is the extra room mmap'd beyond the block's own size, per
// spec.md §4.F step 5 (`round_up(size + 16384, 4096)`), giving the agent
// constructor scratch room above the injected block once rbp/rsp point at
// the top of the region.
const regionSlack = 16384

func roundUp4096(n int) int {
	return (n + 4095) &^ 4095
}

// Takeoff performs spec.md §4.F steps 5-6 against a pid already attached
// and stopped: it maps a fresh RWX region in the tracee, relocates and
// writes the assembled block into it, then runs the loader via
// ptrace.InjectRunFuncallNosave.
func Takeoff(pid int, img *AgentImage, flags uint64) error {
	block, layout := Assemble(img, flags)

	regionSize := roundUp4096(layout.Size + regionSlack)
	base, err := ptrace.InjectMmap(pid, 0, uintptr(regionSize),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		return fmt.Errorf("flightdeck: takeoff %d: %w", pid, err)
	}

	loaderEntry := uint64(base) + uint64(layout.LoaderEntryOffset)
	binary.LittleEndian.PutUint64(block[layout.TrapStubPtrOffset:layout.TrapStubPtrOffset+8], loaderEntry)

	if err := ptrace.PokeText(pid, base, padTo8(block)); err != nil {
		return fmt.Errorf("flightdeck: takeoff %d: write block: %w", pid, err)
	}

	saved, err := ptrace.GetRegs(pid)
	if err != nil {
		return fmt.Errorf("flightdeck: takeoff %d: %w", pid, err)
	}

	regs := *saved
	regs.Rip = uint64(base)
	top := uint64(base) + uint64(regionSize)
	regs.Rbp = top
	regs.Rsp = top

	soPath := uint64(base) + uint64(layout.SoPathOffset)
	headers := uint64(base) + uint64(layout.HeadersOffset)
	initArray := uint64(base) + uint64(layout.InitArrayOffset)
	rela := uint64(base) + uint64(layout.RelaOffset)

	if err := ptrace.SetRegs(pid, &regs); err != nil {
		return fmt.Errorf("flightdeck: takeoff %d: %w", pid, err)
	}

	ret, err := ptrace.InjectRunFuncallNosave(pid, uintptr(base), saved,
		soPath, headers, uint64(layout.HeaderNum), initArray, rela, flags)
	if err != nil {
		return fmt.Errorf("flightdeck: takeoff %d: %w", pid, err)
	}
	if ret != 0 {
		return fmt.Errorf("flightdeck: takeoff %d: loader returned %d", pid, ret)
	}
	return nil
}

func padTo8(b []byte) []byte {
	for len(b)%8 != 0 {
		b = append(b, 0)
	}
	return b
}

// StartMission performs the pre-execve injection from spec.md §4.F's last
// paragraph against a child the caller started under PTRACE_TRACEME: it
// waits for the child's post-exec stop (before any of the child's own code,
// including its handshake read, has run), runs Takeoff with flags=0 (the
// filter isn't installed yet), then writes the handshake byte to
// handshakeFD. The child is left stopped; the caller's ptrace.Detach
// resumes it.
func StartMission(pid int, img *AgentImage, handshakeFD int) error {
	if err := ptrace.WaitStop(pid); err != nil {
		return fmt.Errorf("flightdeck: start_mission %d: %w", pid, err)
	}
	if err := ptrace.SetOptions(pid, unix.PTRACE_O_TRACEEXEC); err != nil {
		return fmt.Errorf("flightdeck: start_mission %d: %w", pid, err)
	}
	if err := Takeoff(pid, img, 0); err != nil {
		return err
	}
	if _, err := unix.Write(handshakeFD, []byte{1}); err != nil {
		return fmt.Errorf("flightdeck: start_mission %d: handshake: %w", pid, err)
	}
	return nil
}

// ReinjectAfterExec performs spec.md §4.F's re-injection pipeline, called
// from commandcenter's execve handling once the tracee has stopped at its
// PTRACE_EVENT_EXEC. A single PTRACE_SINGLESTEP lets the kernel finish
// establishing the post-exec register image before the loader blob is
// mapped in again — this time with FLAG_FILTER_INSTALLED set, since the
// seccomp-BPF program survives execve and must not be installed twice.
func ReinjectAfterExec(pid int, img *AgentImage) error {
	if err := ptrace.Step(pid); err != nil {
		return fmt.Errorf("flightdeck: reinject %d: %w", pid, err)
	}
	return Takeoff(pid, img, abi.FlagFilterInstalled)
}
