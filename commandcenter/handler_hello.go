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
	"github.com/nestybox/carrier/abi"
	"github.com/nestybox/carrier/protocol"
)

// handlerTable dispatches a decoded scout-socket command to its handler.
// Each handler reads its own fields off dec (the cmd itself already
// consumed by handleScoutMsg) and returns the reply to send back.
var handlerTable = map[uint32]handlerFunc{
	abi.CmdHello:    handleHello,
	abi.CmdOpen:     handleOpen,
	abi.CmdOpenat:   handleOpenat,
	abi.CmdAccess:   handleAccess,
	abi.CmdFstat:    handleFstat,
	abi.CmdStat:     handleStat,
	abi.CmdLstat:    handleLstat,
	abi.CmdReadlink: handleReadlink,
	abi.CmdUnlink:   handleUnlink,
	abi.CmdExecve:   handleExecveCmd,
	abi.CmdVfork:    handleVforkCmd,
}

// handleHello is spec.md §4.G's establish_cc_channel confirmation: a
// fire-and-forget notification that this Scout's private channel is live.
// It carries no reply — sending one back here when nothing on the scout
// side ever drains it would desync the next exchange on this socket. If a
// vfork notification is still awaiting its child's connection, this is also
// where that child is reconciled with its parent's record.
func handleHello(cc *CommandCenter, s *ScoutRecord, dec *protocol.Decoder, reqFds []int) (*protocol.Encoder, []int, error) {
	if !dec.CheckCompleted() {
		return nil, nil, errMalformed
	}
	if len(cc.pendingVforks) > 0 {
		pv := cc.pendingVforks[0]
		cc.pendingVforks = cc.pendingVforks[1:]
		s.vforkParent = pv.parentKey
	}
	return nil, nil, nil
}
