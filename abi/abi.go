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

// Package abi collects the numeric constants that form the wire-level
// contract between the Carrier, the Command Center and the Scout agent.
// Nothing in this package may import any other carrier package: every other
// component treats these values as the ABI.
package abi

// CarrierSock is the fd number the Carrier's end of the supervisor socket
// is dup2'd onto before the mission execs; it is deliberately not marked
// close-on-exec so the freshly-exec'd Scout can recover it.
const CarrierSock = 73

// TrampolineAddr is the fixed address of the 4 KiB RWX page that hosts the
// whitelisted "syscall; ret;" trampoline. The seccomp-BPF program allows any
// syscall whose instruction pointer falls inside this page.
const TrampolineAddr = 0x0000200000000000

// TrampolinePageSize is the size, in bytes, of the trampoline mapping.
const TrampolinePageSize = 4096

// Carrier-socket-only commands.
const (
	ScoutConnectCmd = 0x37fa
	StopMsgLoopCmd  = 0x37fb
)

// Commands carried on a Scout's private per-process socket, sequential
// starting at 1 per spec.
const (
	CmdHello = iota + 1
	CmdOpen
	CmdOpenat
	CmdAccess
	CmdFstat
	CmdStat
	CmdLstat
	CmdExecve
	CmdReadlink
	CmdUnlink
	CmdVfork
)

// CmdName renders a command id for logging.
func CmdName(cmd uint32) string {
	switch cmd {
	case CmdHello:
		return "hello"
	case CmdOpen:
		return "open"
	case CmdOpenat:
		return "openat"
	case CmdAccess:
		return "access"
	case CmdFstat:
		return "fstat"
	case CmdStat:
		return "stat"
	case CmdLstat:
		return "lstat"
	case CmdExecve:
		return "execve"
	case CmdReadlink:
		return "readlink"
	case CmdUnlink:
		return "unlink"
	case CmdVfork:
		return "vfork"
	case ScoutConnectCmd:
		return "scout_connect"
	case StopMsgLoopCmd:
		return "stop_msg_loop"
	default:
		return "unknown"
	}
}

// Scout runtime flags, threaded through flightdeck.Assemble into the
// agent's recovered global_flags.
const (
	FlagFilterInstalled = 0x1
	FlagCCCommReady     = 0x2
)

// Object-store constants (repo package), bit-exact per spec.
const (
	ObjectMagic = 0x091f

	ObjTypeInvalid = 0
	ObjTypeDir     = 1
	ObjTypeSuperDir = 2
	ObjTypeSymlink = 3
)

// Dentry type nibble (packed into the high 4 bits of a dentry's mode field).
const (
	DentNonexistent = 1
	DentFile        = 2
	DentDir         = 3
	DentSymlink     = 4
	DentLocal       = 5
)

// Dentry mode flag bits; the low 9 bits of mode are Unix permission bits.
const (
	ModeUserMask    = 01000
	ModeGroupMask   = 02000
	ModePlaceholder = 04000
	ModePermMask    = 0777
)

// SymlinkMaxTarget is the maximum encoded symlink target size, including
// the terminating nul.
const SymlinkMaxTarget = 256

// Monitored syscalls the seccomp-BPF program traps to SIGSYS, by name.
// scout's buildFilter resolves each to its x86_64 syscall number.
var MonitoredSyscalls = []string{
	"rt_sigaction",
	"dup",
	"dup2",
	"open",
	"openat",
	"access",
	"fstat",
	"lstat",
	"execve",
	"readlink",
	"stat",
	"unlink",
	"vfork",
}
