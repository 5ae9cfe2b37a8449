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
	"fmt"

	"github.com/nestybox/carrier/protocol"
)

// handleVforkCmd records that a Scout is about to vfork, queuing a
// provisional vforkRecord so the child's own hello (once its fresh
// establish_cc_channel() connection lands) can be linked back to this
// parent's record. The real vfork happens on the Scout's side through the
// trampoline only after this handler's reply is received (scout/vfork.go's
// dispatchVfork blocks on it), so the ack below is load-bearing, not
// decorative.
func handleVforkCmd(cc *CommandCenter, s *ScoutRecord, dec *protocol.Decoder, reqFds []int) (*protocol.Encoder, []int, error) {
	if !dec.CheckCompleted() {
		return nil, nil, errMalformed
	}

	parentKey, ok := cc.pending[s.Sock]
	if !ok {
		return nil, nil, fmt.Errorf("commandcenter: vfork notification from unregistered scout (fd %d)", s.Sock)
	}
	cc.pendingVforks = append(cc.pendingVforks, vforkRecord{parentKey: parentKey})

	enc := protocol.NewEncoder()
	enc.Int32(0)
	return enc, nil, nil
}
