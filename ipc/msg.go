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

// Package ipc provides the sendmsg/recvmsg helpers used by every
// Carrier<->Scout and Carrier<->Command-Center socket, including out of
// band file-descriptor passing via SCM_RIGHTS.
package ipc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MaxRecvFds bounds the number of file descriptors a single datagram may
// carry, matching the wire contract (0-2 ancillary fds).
const MaxRecvFds = 2

// dataBufSize is the receive buffer size; large enough for any frame this
// protocol produces (stat structs, readlink buffers, etc).
const dataBufSize = 8 * 1024

// SendMsg sends data as a single datagram on sock, optionally attaching up
// to two file descriptors via SCM_RIGHTS. Per spec this is a datagram
// socket, so a short send is itself an error condition, not a partial
// success to retry.
func SendMsg(sock int, data []byte, fds ...int) (int, error) {
	if len(fds) > MaxRecvFds {
		return -1, fmt.Errorf("ipc: SendMsg: too many fds (%d > %d)", len(fds), MaxRecvFds)
	}

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	n, err := unix.SendmsgN(sock, data, oob, nil, 0)
	if err != nil {
		return -1, fmt.Errorf("ipc: sendmsg: %w", err)
	}
	if n != len(data) {
		return n, fmt.Errorf("ipc: sendmsg: short send (%d of %d bytes)", n, len(data))
	}
	return n, nil
}

// MsgReceiver owns the receive buffer and ancillary-data scratch space for
// reading one datagram at a time off a Scout or Carrier socket.
type MsgReceiver struct {
	fd      int
	data    []byte
	oob     []byte
	nData   int
	fdsRcvd []int
}

// NewMsgReceiver allocates a receiver bound to fd.
func NewMsgReceiver(fd int) *MsgReceiver {
	return &MsgReceiver{
		fd:   fd,
		data: make([]byte, dataBufSize),
		oob:  make([]byte, unix.CmsgSpace(4*MaxRecvFds)),
	}
}

// Data returns the bytes received by the most recent ReceiveOne call.
func (r *MsgReceiver) Data() []byte {
	return r.data[:r.nData]
}

// Fds returns the file descriptors received by the most recent ReceiveOne
// call via SCM_RIGHTS, if any.
func (r *MsgReceiver) Fds() []int {
	return r.fdsRcvd
}

// ReceiveOne blocks until one datagram is available on the receiver's fd,
// populating Data() and Fds(). It fails if the kernel reports the message
// was truncated (MSG_TRUNC) — the receive buffer is sized generously enough
// that this indicates a protocol violation, not a sizing corner case.
func (r *MsgReceiver) ReceiveOne() error {
	n, oobn, flags, _, err := unix.Recvmsg(r.fd, r.data, r.oob, 0)
	if err != nil {
		return fmt.Errorf("ipc: recvmsg: %w", err)
	}
	if flags&unix.MSG_TRUNC != 0 {
		return fmt.Errorf("ipc: recvmsg: message truncated")
	}

	r.nData = n
	r.fdsRcvd = r.fdsRcvd[:0]

	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(r.oob[:oobn])
		if err != nil {
			return fmt.Errorf("ipc: parse control message: %w", err)
		}
		for _, cmsg := range cmsgs {
			fds, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}
			r.fdsRcvd = append(r.fdsRcvd, fds...)
		}
		if len(r.fdsRcvd) > MaxRecvFds {
			return fmt.Errorf("ipc: recvmsg: too many fds received (%d)", len(r.fdsRcvd))
		}
	}

	return nil
}
