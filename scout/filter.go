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

	libseccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"

	"github.com/nestybox/carrier/abi"
)

// seccompSetModeFilter is SECCOMP_SET_MODE_FILTER; x/sys/unix exports
// SECCOMP_MODE_FILTER (the strict-vs-filter mode bit for the legacy
// prctl(PR_SET_SECCOMP) call) but not the seccomp(2) operation constant.
const seccompSetModeFilter = 1

// Offsets into struct seccomp_data, per linux/seccomp.h: { int nr; __u32
// arch; __u64 instruction_pointer; __u64 args[6]; }.
const (
	seccompDataNrOff  = 0
	seccompDataArch   = 4
	seccompDataIPLo   = 8
	seccompDataIPHi   = 12
)

// insn is a cBPF instruction that may jump to a not-yet-placed label,
// resolved by resolveFilter once every instruction's final index is known
// (every jump in this program is forward-only, so a single pass suffices).
type insn struct {
	code     uint16
	k        uint32
	jt, jf   uint8
	jtLabel  string
	jfLabel  string
}

func stmt(code uint16, k uint32) insn { return insn{code: code, k: k} }

func jump(code uint16, k uint32, jtLabel, jfLabel string) insn {
	return insn{code: code, k: k, jtLabel: jtLabel, jfLabel: jfLabel}
}

// resolveFilter turns a label-annotated instruction list into the raw
// SockFilter program the kernel loads, computing each BPF_JMP's relative
// jt/jf skip counts from the label positions.
func resolveFilter(prog []insn, labels map[string]int) ([]unix.SockFilter, error) {
	out := make([]unix.SockFilter, len(prog))
	for i, ins := range prog {
		jt, jf := ins.jt, ins.jf
		if ins.jtLabel != "" {
			pos, ok := labels[ins.jtLabel]
			if !ok {
				return nil, fmt.Errorf("scout: filter: undefined label %q", ins.jtLabel)
			}
			jt = uint8(pos - i - 1)
		}
		if ins.jfLabel != "" {
			pos, ok := labels[ins.jfLabel]
			if !ok {
				return nil, fmt.Errorf("scout: filter: undefined label %q", ins.jfLabel)
			}
			jf = uint8(pos - i - 1)
		}
		out[i] = unix.SockFilter{Code: ins.code, Jt: jt, Jf: jf, K: ins.k}
	}
	return out, nil
}

// buildFilter assembles the seccomp-BPF program described in spec.md §4.G:
// any syscall executed from inside the trampoline page is allowed
// unconditionally; otherwise a syscall number in the monitored set traps to
// SIGSYS and everything else is allowed. libseccomp-golang's rule API
// (used elsewhere in the pack for argument-conditioned rules, e.g. the
// teacher's own seccomp/tracer.go and canonical-snapd's cmd-snap-seccomp)
// has no way to condition on the instruction_pointer field of
// seccomp_data, so the instruction-pointer check is assembled here as raw
// cBPF; libseccomp-golang is still used to resolve each monitored syscall
// name to its number instead of hand-maintaining the x86_64 table.
func buildFilter() ([]unix.SockFilter, error) {
	prog := []insn{
		stmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, seccompDataArch),
		jump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, unix.AUDIT_ARCH_X86_64, "", "kill"),

		stmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, seccompDataIPLo),
		jump(unix.BPF_JMP|unix.BPF_JGE|unix.BPF_K, abi.TrampolinePageSize, "checknr", ""),
		stmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, seccompDataIPHi),
		jump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, uint32(abi.TrampolineAddr>>32), "allow", "checknr"),
	}
	labels := map[string]int{}

	labels["checknr"] = len(prog)
	prog = append(prog, stmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, seccompDataNrOff))

	for _, name := range abi.MonitoredSyscalls {
		nr, err := libseccomp.GetSyscallFromName(name)
		if err != nil {
			return nil, fmt.Errorf("scout: filter: resolve %q: %w", name, err)
		}
		prog = append(prog, jump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, uint32(nr), "trap", ""))
	}

	labels["allow"] = len(prog)
	prog = append(prog, stmt(unix.BPF_RET|unix.BPF_K, seccompRetAllow))

	labels["trap"] = len(prog)
	prog = append(prog, stmt(unix.BPF_RET|unix.BPF_K, seccompRetTrap))

	labels["kill"] = len(prog)
	prog = append(prog, stmt(unix.BPF_RET|unix.BPF_K, seccompRetKillProcess))

	return resolveFilter(prog, labels)
}

// SECCOMP_RET_* action codes (linux/seccomp.h); not exported by x/sys/unix.
const (
	seccompRetKillProcess = 0x80000000
	seccompRetAllow       = 0x7fff0000
	seccompRetTrap        = 0x00030000
)

// InstallFilter assembles and loads the BPF program (spec.md §4.G step 5):
// prctl(PR_SET_NO_NEW_PRIVS, 1) then seccomp(SECCOMP_SET_MODE_FILTER).
// Callers skip this under FLAG_FILTER_INSTALLED, since the filter survives
// execve and a re-injection after exec only needs the handler and channel
// reinstated.
func InstallFilter() error {
	prog, err := buildFilter()
	if err != nil {
		return err
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("scout: install filter: prctl(no_new_privs): %w", err)
	}

	fprog := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}
	_, _, errno := unix.Syscall(unix.SYS_SECCOMP, seccompSetModeFilter, 0, uintptr(unsafe.Pointer(&fprog)))
	if errno != 0 {
		return fmt.Errorf("scout: install filter: seccomp: %w", errno)
	}
	return nil
}
