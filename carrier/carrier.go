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

// Package carrier owns the top-level mission lifecycle described in
// spec.md §4.I: launching the sandboxed process, handing it its Command
// Center channel, and running the supervisor loop until the mission exits.
package carrier

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/carrier/abi"
	"github.com/nestybox/carrier/commandcenter"
	"github.com/nestybox/carrier/flightdeck"
	"github.com/nestybox/carrier/ptrace"
	"github.com/nestybox/carrier/repo"
)

// ScoutStubCommand is the hidden cli.Command name cmd/carrier registers for
// the reexec path Bootstrap drives (see scout.go's package doc): "carrier
// scoutstub <mission-path> [mission-args...]" blocks on handshakeFD, then
// execs the real mission. Exported so cmd/carrier/main.go's subcommand
// table and Bootstrap's argv construction share one literal.
const ScoutStubCommand = "scoutstub"

// handshakeFD is the fixed fd number the scoutstub reexec inherits the
// handshake pipe's read end on, landed there the same way abi.CarrierSock
// pins the supervisor socket: via a padded syscall.ProcAttr.Files slice
// rather than os/exec's sequential ExtraFiles numbering, since both fds
// need stable, caller-independent numbers the reexec'd binary can assume
// without being told them on its command line.
const handshakeFD = abi.CarrierSock + 1

// Carrier launches and supervises one sandboxed mission.
type Carrier struct {
	missionPath string
	missionArgs []string
	env         []string

	repo     *repo.Repo
	agentImg *flightdeck.AgentImage
	cc       *commandcenter.CommandCenter

	missionPid int
	carrierFD  int // Carrier's kept end; handed to commandcenter.New

	exitStatus int
}

// New builds a Carrier for missionPath/missionArgs (the sandboxed command
// line) serving requests against rp. It parses this same binary's own ELF
// image as the agent flightdeck injects into the mission (see scout.go's
// package doc for why a reexec of this binary stands in for the original's
// dlopen'd shared object).
func New(missionPath string, missionArgs []string, env []string, rp *repo.Repo) (*Carrier, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("carrier: resolve self: %w", err)
	}
	img, err := flightdeck.ParseAgent(self)
	if err != nil {
		return nil, fmt.Errorf("carrier: parse agent image: %w", err)
	}
	return &Carrier{
		missionPath: missionPath,
		missionArgs: missionArgs,
		env:         env,
		repo:        rp,
		agentImg:    img,
	}, nil
}

// buildChildFiles lays out the reexec'd child's entire fd table: stdio at
// 0-2, the supervisor socket at abi.CarrierSock, the handshake pipe's read
// end at handshakeFD, and every slot in between closed. ^uintptr(0)
// converts to -1 once syscall.forkAndExecInChild narrows it back to int,
// which its dup loop treats as "leave this fd closed".
func buildChildFiles(carrierChild, hsRead int) []uintptr {
	const noFD = ^uintptr(0)
	files := make([]uintptr, handshakeFD+1)
	for i := range files {
		files[i] = noFD
	}
	files[unix.Stdin] = uintptr(os.Stdin.Fd())
	files[unix.Stdout] = uintptr(os.Stdout.Fd())
	files[unix.Stderr] = uintptr(os.Stderr.Fd())
	files[abi.CarrierSock] = uintptr(carrierChild)
	files[handshakeFD] = uintptr(hsRead)
	return files
}

// Bootstrap launches the mission's first process: it reexecs this binary
// under the scoutstub subcommand (spec.md §4.I's socketpair + dup2
// (CARRIER_SOCK) + close-on-exec dance from spec.md §4.G, performed here
// once up front rather than per-connect since this is the mission's root
// process), with SysProcAttr.Ptrace arranging a TRACEME-induced stop the
// instant that reexec completes and before any of its code — including the
// handshake read — has run.
func (c *Carrier) Bootstrap() error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("carrier: bootstrap: socketpair: %w", err)
	}
	carrierKeep, carrierChild := fds[0], fds[1]

	hsRead, hsWrite, err := os.Pipe()
	if err != nil {
		unix.Close(carrierKeep)
		unix.Close(carrierChild)
		return fmt.Errorf("carrier: bootstrap: pipe: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("carrier: bootstrap: resolve self: %w", err)
	}

	argv := append([]string{self, ScoutStubCommand, c.missionPath}, c.missionArgs...)
	attr := &syscall.ProcAttr{
		Env:   c.env,
		Files: buildChildFiles(carrierChild, int(hsRead.Fd())),
		Sys:   &syscall.SysProcAttr{Ptrace: true},
	}

	pid, err := syscall.ForkExec(self, argv, attr)
	unix.Close(carrierChild)
	hsRead.Close()
	if err != nil {
		unix.Close(carrierKeep)
		hsWrite.Close()
		return fmt.Errorf("carrier: bootstrap: forkexec: %w", err)
	}

	if err := flightdeck.StartMission(pid, c.agentImg, int(hsWrite.Fd())); err != nil {
		hsWrite.Close()
		unix.Close(carrierKeep)
		syscall.Kill(pid, syscall.SIGKILL)
		return fmt.Errorf("carrier: bootstrap: start_mission: %w", err)
	}
	hsWrite.Close()

	if err := ptrace.Detach(pid); err != nil {
		logrus.Warnf("carrier: bootstrap: detach %d: %v", pid, err)
	}

	c.missionPid = pid
	c.carrierFD = carrierKeep
	c.cc = commandcenter.New(carrierKeep, c.repo, c.agentImg)
	return nil
}

// Run drives the Command Center's message loop (spec.md §4.I) until the
// mission's root process exits, installs a SIGCHLD handler that reaps the
// mission itself while leaving any pid currently under a transient
// handleExec ptrace session to that session's own wait4 call, and returns
// the mission's exit status once the loop has stopped.
func (c *Carrier) Run() (int, error) {
	sigchld := make(chan os.Signal, 1)
	signal.Notify(sigchld, syscall.SIGCHLD)
	defer signal.Stop(sigchld)

	done := make(chan struct{})
	go c.reapLoop(sigchld, done)

	if err := c.cc.Run(); err != nil {
		return 0, fmt.Errorf("carrier: run: %w", err)
	}

	<-done
	return c.exitStatus, nil
}

// reapLoop waits for SIGCHLD notifications and checks whether the mission
// pid specifically has exited, ignoring the delivery entirely while
// commandcenter owns a transient ptrace session over some pid (its own
// wait4 is the one that must observe that pid's next stop).
func (c *Carrier) reapLoop(sigchld chan os.Signal, done chan struct{}) {
	var exited int32
	for range sigchld {
		if atomic.LoadInt32(&exited) != 0 {
			continue
		}
		if c.cc.ExecHandoffInFlight() {
			continue
		}

		var status syscall.WaitStatus
		wpid, err := syscall.Wait4(c.missionPid, &status, syscall.WNOHANG, nil)
		if err != nil || wpid != c.missionPid {
			continue
		}
		if status.Exited() || status.Signaled() {
			atomic.StoreInt32(&exited, 1)
			c.exitStatus = status.ExitStatus()
			c.cc.Stop()
			close(done)
			return
		}
		// A stop notification for the mission pid that isn't an exec-in-
		// flight handoff (e.g. job-control SIGSTOP) and isn't an exit:
		// resume it and keep watching.
		if status.Stopped() {
			ptrace.Cont(c.missionPid, 0)
		}
	}
}
