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
	"testing"

	"golang.org/x/sys/unix"
)

func TestSetSyscallArgsUsesR10ForFourthArg(t *testing.T) {
	var regs unix.PtraceRegs
	setSyscallArgs(&regs, []uint64{1, 2, 3, 4, 5, 6})

	if regs.Rdi != 1 || regs.Rsi != 2 || regs.Rdx != 3 || regs.R10 != 4 || regs.R8 != 5 || regs.R9 != 6 {
		t.Fatalf("setSyscallArgs = %+v, want rdi..r9 = 1..6 with r10 for arg4", regs)
	}
}

func TestSetCallArgsUsesRcxForFourthArg(t *testing.T) {
	var regs unix.PtraceRegs
	setCallArgs(&regs, []uint64{1, 2, 3, 4, 5, 6})

	if regs.Rdi != 1 || regs.Rsi != 2 || regs.Rdx != 3 || regs.Rcx != 4 || regs.R8 != 5 || regs.R9 != 6 {
		t.Fatalf("setCallArgs = %+v, want rdi..r9 = 1..6 with rcx for arg4", regs)
	}
}

func TestSetArgsIgnoresExtraArgsBeyondSix(t *testing.T) {
	var regs unix.PtraceRegs
	setSyscallArgs(&regs, []uint64{1, 2, 3, 4, 5, 6, 7, 8})
	if regs.R9 != 6 {
		t.Fatalf("R9 = %d, want 6 (7th/8th args silently dropped)", regs.R9)
	}
}
