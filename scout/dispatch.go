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
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nestybox/carrier/abi"
	"github.com/nestybox/carrier/protocol"
)

// dispatch reconstructs a trapped syscall from the register image the
// sigaction shim pulled out of the ucontext and routes it by number,
// matching the table in spec.md §4.H. Its return value is written back
// into the tracee's own rax by the C shim, standing in for the syscall's
// real return value. Simple calls marshal args, round-trip over the
// private channel, and return the decoded ret; openat/fstat additionally
// carry a file descriptor across the channel.
func dispatch(nr uintptr, args [6]uintptr, faultRip uintptr) int64 {
	switch nr {
	case unix.SYS_OPEN:
		return doOpenLike(abi.CmdOpen, -1, args[0], int32(args[1]), uint32(args[2]))
	case unix.SYS_OPENAT:
		return doOpenLike(abi.CmdOpenat, int32(args[0]), args[1], int32(args[2]), uint32(args[3]))
	case unix.SYS_ACCESS:
		return doSimple(abi.CmdAccess, func(e *protocol.Encoder) {
			e.CString(cStringAt(args[0])).Int32(int32(args[1]))
		})
	case unix.SYS_STAT:
		return doStat(abi.CmdStat, args[0], args[1])
	case unix.SYS_LSTAT:
		return doStat(abi.CmdLstat, args[0], args[1])
	case unix.SYS_FSTAT:
		return doFstat(int(args[0]), args[1])
	case unix.SYS_READLINK:
		return doReadlink(args[0], args[1], args[2])
	case unix.SYS_UNLINK:
		return doSimple(abi.CmdUnlink, func(e *protocol.Encoder) {
			e.CString(cStringAt(args[0]))
		})
	case unix.SYS_RT_SIGACTION:
		// Only trapped so the filter can police it; signum != SIGSYS passes
		// straight through the trampoline untouched (spec.md §4.G).
		return RawSyscall(nr, args[0], args[1], args[2], args[3], args[4], args[5])
	case unix.SYS_DUP, unix.SYS_DUP2:
		return RawSyscall(nr, args[0], args[1], args[2], args[3], args[4], args[5])
	case unix.SYS_EXECVE:
		return dispatchExecve(args[0], args[1], args[2])
	case unix.SYS_VFORK:
		return dispatchVfork()
	default:
		return -int64(unix.ENOSYS)
	}
}

func doSimple(cmd uint32, fill func(e *protocol.Encoder)) int64 {
	e := protocol.NewEncoder()
	e.Uint32(cmd)
	fill(e)

	data, _, err := sendRecv(e.Encode())
	if err != nil {
		return -int64(unix.EIO)
	}
	d := protocol.NewDecoder(data)
	ret := d.Int32()
	if !d.CheckCompleted() {
		return -int64(unix.EIO)
	}
	return int64(ret)
}

func doOpenLike(cmd uint32, dirfd int32, pathArg uintptr, flags int32, mode uint32) int64 {
	e := protocol.NewEncoder()
	e.Uint32(cmd)
	if cmd == abi.CmdOpenat {
		e.Int32(dirfd)
	}
	e.CString(cStringAt(pathArg)).Int32(flags).Uint32(mode)

	data, fds, err := sendRecv(e.Encode())
	if err != nil {
		return -int64(unix.EIO)
	}
	d := protocol.NewDecoder(data)
	ret := d.Int32()
	if !d.CheckCompleted() {
		return -int64(unix.EIO)
	}
	if ret >= 0 && len(fds) == 1 {
		// Land the received fd on the exact number userspace expects back:
		// dup2 onto ret, then drop our own copy.
		if int(ret) != fds[0] {
			unix.Dup2(fds[0], int(ret))
			unix.Close(fds[0])
		}
	}
	return int64(ret)
}

func doStat(cmd uint32, pathArg, statbufArg uintptr) int64 {
	e := protocol.NewEncoder()
	e.Uint32(cmd).CString(cStringAt(pathArg))

	data, _, err := sendRecv(e.Encode())
	if err != nil {
		return -int64(unix.EIO)
	}
	d := protocol.NewDecoder(data)
	ret := d.Int32()
	raw := d.Struct(int(unsafe.Sizeof(unix.Stat_t{})))
	if !d.CheckCompleted() {
		return -int64(unix.EIO)
	}
	if ret >= 0 {
		copyToUserStat(statbufArg, raw)
	}
	return int64(ret)
}

func doFstat(fd int, statbufArg uintptr) int64 {
	e := protocol.NewEncoder()
	e.Uint32(abi.CmdFstat)

	data, _, err := sendRecv(e.Encode(), fd)
	if err != nil {
		return -int64(unix.EIO)
	}
	d := protocol.NewDecoder(data)
	ret := d.Int32()
	raw := d.Struct(int(unsafe.Sizeof(unix.Stat_t{})))
	if !d.CheckCompleted() {
		return -int64(unix.EIO)
	}
	if ret >= 0 {
		copyToUserStat(statbufArg, raw)
	}
	return int64(ret)
}

func doReadlink(pathArg, bufArg, bufsize uintptr) int64 {
	e := protocol.NewEncoder()
	e.Uint32(abi.CmdReadlink).CString(cStringAt(pathArg)).Uint32(uint32(bufsize))

	data, _, err := sendRecv(e.Encode())
	if err != nil {
		return -int64(unix.EIO)
	}
	d := protocol.NewDecoder(data)
	ret := d.Int32()
	buf := d.FixedBuf(-1)
	if !d.CheckCompleted() {
		return -int64(unix.EIO)
	}
	if ret >= 0 {
		copyToUserBuf(bufArg, buf)
	}
	return int64(ret)
}

// cStringAt reads a nul-terminated string out of the tracee's own memory at
// addr — valid here because dispatch runs synchronously inside the tracee
// itself (the SIGSYS handler), not via ptrace from outside it.
func cStringAt(addr uintptr) string {
	if addr == 0 {
		return ""
	}
	const maxPath = 4096
	p := (*byte)(unsafe.Pointer(addr))
	b := unsafe.Slice(p, maxPath)
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func copyToUserStat(addr uintptr, raw []byte) {
	if addr == 0 || len(raw) == 0 {
		return
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(raw))
	copy(dst, raw)
}

func copyToUserBuf(addr uintptr, raw []byte) {
	if addr == 0 || len(raw) == 0 {
		return
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(raw))
	copy(dst, raw)
}
