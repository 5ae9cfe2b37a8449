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

// Package commandcenter implements the supervisor side of spec.md §4.H: a
// single epoll-driven event loop multiplexing the Carrier socket and one
// socket per sandboxed process, dispatching each trapped syscall to a
// handler that serves it against a repo.Repo instead of the host
// filesystem.
package commandcenter

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/carrier/abi"
	"github.com/nestybox/carrier/flightdeck"
	"github.com/nestybox/carrier/ipc"
	"github.com/nestybox/carrier/protocol"
	"github.com/nestybox/carrier/ptrace"
	"github.com/nestybox/carrier/repo"
)

// ScoutRecord tracks one sandboxed process's private socket and identity,
// plus the bookkeeping an execve/vfork handoff needs.
type ScoutRecord struct {
	Sock int
	Pid  int32

	// vforkParent is the scout-table key of this record's vfork parent, set
	// once handleHello reconciles a pending vforkRecord against this
	// record's own hello (zero if this record was never a vfork child).
	vforkParent int32
}

// vforkRecord is the provisional bookkeeping a CmdVfork notification
// creates (spec.md §4.H's EXPANSION — vfork lifecycle): the child has no
// ScoutRecord yet (it hasn't connected its own channel), so the only thing
// worth remembering until it does is which parent it came from.
type vforkRecord struct {
	parentKey int32
}

// handlerFunc services one decoded request from a connected Scout and
// returns the reply to send back (plus any file descriptors to pass
// alongside it via SCM_RIGHTS). reqFds carries whatever fds the request
// itself arrived with (fstat's is the only handler that needs one).
type handlerFunc func(cc *CommandCenter, s *ScoutRecord, dec *protocol.Decoder, reqFds []int) (*protocol.Encoder, []int, error)

// CommandCenter owns the epoll set, the table of connected Scouts, and the
// object repository every handler serves requests against.
type CommandCenter struct {
	carrierFD int
	repo      *repo.Repo
	agentImg  *flightdeck.AgentImage

	epfd    int
	scouts  map[int32]*ScoutRecord
	pending map[int]int32 // fd -> scout table key, for epoll event lookup

	// pendingVforks queues vforkRecords in the order their CmdVfork
	// notifications arrived. handleHello pops the oldest entry and
	// reconciles it against the next child to connect and say hello. This
	// assumes vforks and their children's hellos arrive in the same
	// relative order, true because commandcenter's event loop is
	// single-goroutine cooperative (spec.md §5) and processes one message
	// at a time.
	pendingVforks []vforkRecord

	stopping  bool
	stopRead  int // self-pipe read end, registered in the epoll set
	stopWrite int // self-pipe write end; Stop writes a byte here to wake epoll_wait

	// execInFlight is nonzero while handleExec owns a transient ptrace
	// attach over a mission pid. The Carrier's SIGCHLD handler consults
	// ExecHandoffInFlight to avoid racing handleExec's own wait4 call: both
	// the exec-stop and the eventual real exit deliver SIGCHLD to the same
	// tracer, and only one of them should reap it.
	execInFlight int32
}

// ExecHandoffInFlight reports whether a handleExec ptrace session currently
// owns reaping responsibility for some mission pid.
func (cc *CommandCenter) ExecHandoffInFlight() bool {
	return atomic.LoadInt32(&cc.execInFlight) != 0
}

// New constructs a CommandCenter bound to carrierFD (the Carrier's end of
// the supervisor socketpair), repository rp, and the parsed agent image
// execve re-injection replays into the freshly exec'd process.
func New(carrierFD int, rp *repo.Repo, agentImg *flightdeck.AgentImage) *CommandCenter {
	return &CommandCenter{
		carrierFD: carrierFD,
		repo:      rp,
		agentImg:  agentImg,
		scouts:    make(map[int32]*ScoutRecord),
		pending:   make(map[int]int32),
	}
}

// Stop requests that Run return after its current iteration; used by the
// Carrier's SIGCHLD handler once the mission has exited. A byte written to
// stopWrite wakes the blocked epoll_wait(-1) immediately rather than
// leaving it stuck until the next Scout or Carrier message arrives.
func (cc *CommandCenter) Stop() {
	cc.stopping = true
	if cc.stopWrite != 0 {
		unix.Write(cc.stopWrite, []byte{0})
	}
}

// Run drives handle_messages (spec.md §4.H): epoll_wait(-1) over the
// Carrier fd and every connected Scout fd, dispatching each readable fd to
// handleCarrierMsg or handleScoutMsg until STOP_MSG_LOOP is received (or
// Stop is called) or an unrecoverable error occurs.
func (cc *CommandCenter) Run() error {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return fmt.Errorf("commandcenter: epoll_create1: %w", err)
	}
	cc.epfd = epfd
	defer unix.Close(epfd)

	stopFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("commandcenter: stop pipe: %w", err)
	}
	cc.stopRead, cc.stopWrite = stopFDs[0], stopFDs[1]
	defer unix.Close(cc.stopRead)
	defer unix.Close(cc.stopWrite)

	if err := cc.epollAdd(cc.carrierFD); err != nil {
		return err
	}
	if err := cc.epollAdd(cc.stopRead); err != nil {
		return err
	}

	events := make([]unix.EpollEvent, 32)
	for !cc.stopping {
		n, err := unix.EpollWait(cc.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("commandcenter: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == cc.stopRead {
				continue
			}
			if fd == cc.carrierFD {
				if err := cc.handleCarrierMsg(); err != nil {
					logrus.Warnf("commandcenter: carrier msg: %v", err)
				}
				continue
			}
			if err := cc.handleScoutMsg(fd); err != nil {
				logrus.Warnf("commandcenter: scout msg (fd %d): %v", fd, err)
				cc.removeScout(fd)
			}
		}
	}
	return nil
}

func (cc *CommandCenter) epollAdd(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(cc.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (cc *CommandCenter) epollDel(fd int) {
	unix.EpollCtl(cc.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// handleCarrierMsg accepts the two commands the Carrier socket itself
// carries: SCOUT_CONNECT hands off a fresh Scout's fd (with its SCM_RIGHTS
// ancillary fd), STOP_MSG_LOOP ends Run.
func (cc *CommandCenter) handleCarrierMsg() error {
	rcv := ipc.NewMsgReceiver(cc.carrierFD)
	if err := rcv.ReceiveOne(); err != nil {
		return err
	}
	dec := protocol.NewDecoder(rcv.Data())
	cmd := dec.Uint32()
	if !dec.CheckCompleted() {
		return fmt.Errorf("commandcenter: malformed carrier message")
	}

	switch cmd {
	case abi.ScoutConnectCmd:
		fds := rcv.Fds()
		if len(fds) != 1 {
			return fmt.Errorf("commandcenter: scout_connect: expected 1 fd, got %d", len(fds))
		}
		cc.addScout(fds[0])
	case abi.StopMsgLoopCmd:
		cc.stopping = true
	default:
		return fmt.Errorf("commandcenter: unknown carrier command %#x", cmd)
	}
	return nil
}

func (cc *CommandCenter) addScout(fd int) *ScoutRecord {
	key := int32(fd)
	s := &ScoutRecord{Sock: fd}
	cc.scouts[key] = s
	cc.pending[fd] = key
	if err := cc.epollAdd(fd); err != nil {
		logrus.Warnf("commandcenter: epoll add scout fd %d: %v", fd, err)
	}
	return s
}

func (cc *CommandCenter) removeScout(fd int) {
	cc.epollDel(fd)
	unix.Close(fd)
	if key, ok := cc.pending[fd]; ok {
		delete(cc.scouts, key)
		delete(cc.pending, fd)
	}
}

// handleScoutMsg decodes one request from a connected Scout, dispatches it
// by command id, and sends the handler's reply back on the same socket.
func (cc *CommandCenter) handleScoutMsg(fd int) error {
	key, ok := cc.pending[fd]
	if !ok {
		return fmt.Errorf("commandcenter: message from unknown fd %d", fd)
	}
	s := cc.scouts[key]

	rcv := ipc.NewMsgReceiver(fd)
	if err := rcv.ReceiveOne(); err != nil {
		return err
	}

	dec := protocol.NewDecoder(rcv.Data())
	cmd := dec.Uint32()

	h, ok := handlerTable[cmd]
	if !ok {
		return fmt.Errorf("commandcenter: unknown scout command %s", abi.CmdName(cmd))
	}

	enc, replyFds, err := h(cc, s, dec, rcv.Fds())
	if err != nil {
		return fmt.Errorf("commandcenter: %s handler: %w", abi.CmdName(cmd), err)
	}
	if enc == nil {
		// execve's handler drives its own reply timing (it must ack before
		// the real exec happens, then block for the post-exec trap); hello
		// is a pure fire-and-forget notification (spec.md §4.G) with no
		// reply at all. Either way there is nothing further to send here.
		return nil
	}

	if _, err := ipc.SendMsg(s.Sock, enc.Encode(), replyFds...); err != nil {
		return fmt.Errorf("commandcenter: reply: %w", err)
	}
	for _, f := range replyFds {
		unix.Close(f)
	}
	return nil
}

// handleExec performs the execve handoff (spec.md §4.H's handle_exec):
// ptrace-attach the mission, arm PTRACE_O_TRACEEXEC, resume it, ack the
// Scout so it proceeds into the real exec, wait for the kernel's post-exec
// trap, single-step once to let register state settle, re-inject with
// FLAG_FILTER_INSTALLED, clear trace options, detach.
func (cc *CommandCenter) handleExec(pid int, s *ScoutRecord) error {
	atomic.StoreInt32(&cc.execInFlight, 1)
	defer atomic.StoreInt32(&cc.execInFlight, 0)

	if err := ptrace.Attach(pid); err != nil {
		return fmt.Errorf("handle_exec: attach: %w", err)
	}
	if err := ptrace.SetOptions(pid, unix.PTRACE_O_TRACEEXEC); err != nil {
		ptrace.Detach(pid)
		return fmt.Errorf("handle_exec: set_options: %w", err)
	}
	if err := ptrace.Cont(pid, 0); err != nil {
		ptrace.Detach(pid)
		return fmt.Errorf("handle_exec: cont: %w", err)
	}

	ack := protocol.NewEncoder()
	ack.Int32(1)
	if _, err := ipc.SendMsg(s.Sock, ack.Encode()); err != nil {
		ptrace.Detach(pid)
		return fmt.Errorf("handle_exec: ack: %w", err)
	}

	event, err := ptrace.WaitTrap(pid)
	if err != nil || event != unix.PTRACE_EVENT_EXEC {
		// execve failed in the tracee; nothing more to re-inject.
		ptrace.Detach(pid)
		return err
	}

	if err := ptrace.Step(pid); err != nil {
		ptrace.Detach(pid)
		return fmt.Errorf("handle_exec: singlestep: %w", err)
	}

	if err := flightdeck.Takeoff(pid, cc.agentImg, abi.FlagFilterInstalled); err != nil {
		ptrace.Detach(pid)
		return fmt.Errorf("handle_exec: re-inject: %w", err)
	}

	if err := ptrace.SetOptions(pid, 0); err != nil {
		logrus.Warnf("handle_exec: clear options: %v", err)
	}
	return ptrace.Detach(pid)
}
