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
	"golang.org/x/sys/unix"

	"github.com/nestybox/carrier/abi"
	"github.com/nestybox/carrier/protocol"
)

// dispatchVfork services a trapped vfork(2), the other "fake frame" case in
// spec.md §4.G. vfork shares the caller's address space and suspends the
// parent until the child execs or exits, so the real call has to happen on
// this thread rather than being proxied like a simple RPC. Unlike execve,
// nothing about vfork itself needs the Command Center to be attached first;
// the notification here exists so the Command Center can track a
// provisional scout record for the child (the vforkRecord bookkeeping on
// the commandcenter side) before it has a chance to connect over its own
// socket.
func dispatchVfork() int64 {
	e := protocol.NewEncoder()
	e.Uint32(abi.CmdVfork)
	if _, _, err := sendRecv(e.Encode()); err != nil {
		return -int64(unix.EIO)
	}

	return RawSyscall(unix.SYS_VFORK, 0, 0, 0, 0, 0, 0)
}
