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

package commandcenter

import (
	"github.com/sirupsen/logrus"

	"github.com/nestybox/carrier/protocol"
)

// handleExecveCmd is the scout-socket entry point for cmd_execve
// notifications (spec.md §4.H). It drives handleExec itself rather than
// returning a reply for handleScoutMsg to send, since the ordering handle_exec
// needs (attach, arm PTRACE_O_TRACEEXEC, resume, *then* ack) doesn't fit the
// "decode request, return one reply" shape every other handler has.
func handleExecveCmd(cc *CommandCenter, s *ScoutRecord, dec *protocol.Decoder, reqFds []int) (*protocol.Encoder, []int, error) {
	pid := dec.Int32()
	filename := dec.CString()
	if !dec.CheckCompleted() {
		return nil, nil, errMalformed
	}
	s.Pid = pid

	if err := cc.handleExec(int(pid), s); err != nil {
		logrus.Warnf("commandcenter: execve handoff for pid %d (%s): %v", pid, filename, err)
	}
	return nil, nil, nil
}
