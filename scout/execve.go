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
	"os"

	"golang.org/x/sys/unix"

	"github.com/nestybox/carrier/abi"
	"github.com/nestybox/carrier/protocol"
)

// dispatchExecve services a trapped execve(2) (spec.md §4.G's "fake frame"
// case). The original agent cannot perform the real exec synchronously from
// inside its signal handler: the Command Center must ptrace-attach to the
// mission and arm PTRACE_O_TRACEEXEC before the exec actually happens, so
// the hand-assembled agent diverts rsp to a scratch stack, pushes a
// synthetic return frame and resumes at a small user-mode handler that does
// the real exec after the handler itself has returned.
//
// dispatch runs as an ordinary (if cgo-exported) Go call that can block, so
// the same ordering is reachable without constructing a stack frame by hand:
// notify the supervisor and wait for its attach-acknowledged reply before
// falling through to the real syscall. The attach race the fake frame exists
// to avoid is instead closed by the reply itself — the Command Center only
// acks once handle_exec has completed PTRACE_ATTACH and armed the trace
// option (commandcenter's execve handler).
func dispatchExecve(filenameArg, argvArg, envpArg uintptr) int64 {
	e := protocol.NewEncoder()
	e.Uint32(abi.CmdExecve).Int32(int32(os.Getpid())).CString(cStringAt(filenameArg))

	data, _, err := sendRecv(e.Encode())
	if err != nil {
		return -int64(unix.EIO)
	}
	d := protocol.NewDecoder(data)
	ack := d.Int32()
	if !d.CheckCompleted() || ack != 1 {
		return -int64(unix.EIO)
	}

	// The supervisor is attached and waiting on PTRACE_EVENT_EXEC; perform
	// the real exec through the trampoline so the filter lets it through.
	ret := RawSyscall(unix.SYS_EXECVE, filenameArg, argvArg, envpArg, 0, 0, 0)
	// A successful execve never returns; reaching here means it failed.
	return ret
}
