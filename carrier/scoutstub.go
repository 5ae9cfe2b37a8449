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

package carrier

import (
	"fmt"
	"os"
	"syscall"

	"github.com/nestybox/carrier/abi"
	"github.com/nestybox/carrier/scout"
)

// RunScoutStub is the body cmd/carrier's scoutstub subcommand runs (see
// ScoutStubCommand's doc comment for why this reexec stands in for the
// original's shared-object injection). It blocks on the handshake pipe
// Bootstrap's flightdeck.StartMission call writes to once it has attached
// and run Takeoff against this very process, installs the trampoline,
// private channel and seccomp-BPF filter by calling scout.Run directly
// (this process already is the code that would otherwise be injected), and
// execs the real mission. The filter and the fds scout.Run opened survive
// that exec; the Go runtime and its SIGSYS handler do not, which is why the
// mission's own next monitored execve is re-instrumented through
// commandcenter's handleExec rather than here.
func RunScoutStub(missionPath string, missionArgs []string) error {
	if err := scout.WaitHandshake(handshakeFD); err != nil {
		return fmt.Errorf("carrier: scoutstub: %w", err)
	}
	if err := scout.Run(0, abi.CarrierSock); err != nil {
		return fmt.Errorf("carrier: scoutstub: %w", err)
	}

	argv := append([]string{missionPath}, missionArgs...)
	if err := syscall.Exec(missionPath, argv, os.Environ()); err != nil {
		return fmt.Errorf("carrier: scoutstub: exec %s: %w", missionPath, err)
	}
	return nil
}
