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

// Package scout is the code that runs once inside every sandboxed mission,
// installing the syscall trampoline, the private Command Center channel and
// the seccomp-BPF filter, and answering the trapped syscalls it receives.
//
// The original agent is a shared object dlopen'd into the target and run
// from its ELF constructor. Go binaries cannot be dlopen'd as a constructor
// the way a small position-independent .so can, so this package models the
// same lifecycle as a reexec path: flightdeck's injected loader invokes the
// entry this binary was itself relinked against (via its DT_INIT_ARRAY
// offset list), and the process landing here is a copy of this same
// executable reexec'd at that entry point — the same trick the teacher's
// nsenter package uses to run namespace-setup code in a freshly cloned
// process image (see domain/nsenter.go, nsenter/eventService.go) rather
// than trying to share live Go state across a fork.
package scout

import (
	"fmt"
	"os"
	"sync"

	"github.com/nestybox/carrier/abi"
	"github.com/nestybox/carrier/ipc"
	"github.com/nestybox/carrier/protocol"
)

// globalFlags holds the caller flags (spec.md §4.G step 1). Run stores the
// flags argument it is passed here; it does not read them back from a
// relocated global_flags symbol.
var globalFlags uint64

// commChannel is the private per-process socket established with the
// Command Center (step 3); every SIGSYS dispatch sends its RPC here.
var commChannel int = -1

var installOnce sync.Once

// Run is the constructor-equivalent entry point, executed once per mission
// (and once more per execve, under FLAG_FILTER_INSTALLED). flags carries
// the caller-supplied FLAG_* bits; carrierSock is the well-known fd (abi.CarrierSock) the freshly-exec'd
// process inherited from the Carrier.
func Run(flags uint64, carrierSock int) error {
	globalFlags = flags

	if err := InstallTrampoline(); err != nil {
		return fmt.Errorf("scout: run: %w", err)
	}

	if flags&abi.FlagCCCommReady == 0 {
		fd, err := Connect(carrierSock)
		if err != nil {
			return fmt.Errorf("scout: run: %w", err)
		}
		commChannel = fd

		if err := sendHello(); err != nil {
			return fmt.Errorf("scout: run: hello: %w", err)
		}
	}

	installOnce.Do(func() {
		installSigsysHandler()
	})

	if flags&abi.FlagFilterInstalled == 0 {
		if err := InstallFilter(); err != nil {
			fmt.Fprintf(os.Stderr, "scout: install filter: %v\n", err)
			os.Exit(1)
		}
	}

	return nil
}

// sendHello announces this mission's freshly established private channel to
// the Command Center (establish_cc_channel, spec.md §4.G step 3) — in
// particular, the piece a vfork'd child needs to reconcile its own record
// against the vforkRecord its parent's CmdVfork notification queued. It is
// fire-and-forget: the Command Center never replies, so this must not block
// waiting for one the way sendRecv does.
func sendHello() error {
	e := protocol.NewEncoder()
	e.Uint32(abi.CmdHello)
	_, err := ipc.SendMsg(commChannel, e.Encode())
	return err
}

// sendRecv marshals a request over the private channel and blocks for the
// matching reply, the pattern every "simple" SIGSYS dispatch (spec.md
// §4.G) shares.
func sendRecv(payload []byte, fds ...int) (data []byte, recvFds []int, err error) {
	if commChannel < 0 {
		return nil, nil, fmt.Errorf("scout: private channel not established")
	}
	if _, err := ipc.SendMsg(commChannel, payload, fds...); err != nil {
		return nil, nil, err
	}
	rcv := ipc.NewMsgReceiver(commChannel)
	if err := rcv.ReceiveOne(); err != nil {
		return nil, nil, err
	}
	return rcv.Data(), rcv.Fds(), nil
}
