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

	"golang.org/x/sys/unix"

	"github.com/nestybox/carrier/abi"
	"github.com/nestybox/carrier/ipc"
	"github.com/nestybox/carrier/protocol"
)

// Connect establishes the private per-process channel with the Command
// Center (spec.md §4.G step 3): a SOCK_DGRAM socketpair is created, one end
// is handed to the Carrier over carrierSock with SCOUT_CONNECT and an
// SCM_RIGHTS fd, and the other end is kept (marked close-on-exec) as this
// process's own commChannel.
func Connect(carrierSock int) (int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, fmt.Errorf("scout: connect: socketpair: %w", err)
	}
	sendFd, keepFd := fds[0], fds[1]

	if err := unix.SetNonblock(keepFd, false); err != nil {
		return -1, fmt.Errorf("scout: connect: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(keepFd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return -1, fmt.Errorf("scout: connect: set close-on-exec: %w", err)
	}

	hello := protocol.NewEncoder()
	hello.Uint32(abi.ScoutConnectCmd)
	if _, err := ipc.SendMsg(carrierSock, hello.Encode(), sendFd); err != nil {
		return -1, fmt.Errorf("scout: connect: handoff: %w", err)
	}
	unix.Close(sendFd)

	return keepFd, nil
}

// WaitHandshake blocks for the one-byte handshake flightdeck.StartMission
// writes once the pre-execve injection has completed, releasing this
// process to proceed to execve (spec.md §4.F's last paragraph). Named and
// exposed here rather than left as an inline read so flightdeck.StartMission
// and this package share one documented contract for the byte's meaning.
func WaitHandshake(fd int) error {
	var b [1]byte
	n, err := unix.Read(fd, b[:])
	if err != nil {
		return fmt.Errorf("scout: wait_handshake: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("scout: wait_handshake: short read (%d bytes)", n)
	}
	return nil
}
