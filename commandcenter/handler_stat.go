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
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nestybox/carrier/protocol"
	"github.com/nestybox/carrier/repo"
)

func statBytes(st *unix.Stat_t) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(st)), unsafe.Sizeof(*st))
}

func handleAccess(cc *CommandCenter, s *ScoutRecord, dec *protocol.Decoder, reqFds []int) (*protocol.Encoder, []int, error) {
	path := dec.CString()
	mode := dec.Int32()
	if !dec.CheckCompleted() {
		return nil, nil, errMalformed
	}

	enc := protocol.NewEncoder()
	if _, _, ok := resolveForOpen(cc, path); !ok {
		enc.Int32(-int32(unix.ENOENT))
		return enc, nil, nil
	}
	if err := unix.Access(cc.repo.RealPath(path), uint32(mode)); err != nil {
		enc.Int32(errnoOf(err))
		return enc, nil, nil
	}
	enc.Int32(0)
	return enc, nil, nil
}

func handleStatLike(cc *CommandCenter, path string, followSymlink bool) (int32, unix.Stat_t) {
	var st unix.Stat_t
	if _, _, ok := resolveForOpen(cc, path); !ok {
		return -int32(unix.ENOENT), st
	}
	var err error
	if followSymlink {
		err = unix.Stat(cc.repo.RealPath(path), &st)
	} else {
		err = unix.Lstat(cc.repo.RealPath(path), &st)
	}
	if err != nil {
		return errnoOf(err), st
	}
	return 0, st
}

func handleStat(cc *CommandCenter, s *ScoutRecord, dec *protocol.Decoder, reqFds []int) (*protocol.Encoder, []int, error) {
	path := dec.CString()
	if !dec.CheckCompleted() {
		return nil, nil, errMalformed
	}
	ret, st := handleStatLike(cc, path, true)
	enc := protocol.NewEncoder()
	enc.Int32(ret).Struct(statBytes(&st))
	return enc, nil, nil
}

func handleLstat(cc *CommandCenter, s *ScoutRecord, dec *protocol.Decoder, reqFds []int) (*protocol.Encoder, []int, error) {
	path := dec.CString()
	if !dec.CheckCompleted() {
		return nil, nil, errMalformed
	}
	ret, st := handleStatLike(cc, path, false)
	enc := protocol.NewEncoder()
	enc.Int32(ret).Struct(statBytes(&st))
	return enc, nil, nil
}

// handleFstat receives the caller's fd via SCM_RIGHTS ancillary data
// (there is no path to resolve) and closes its own copy once it has
// fstat'd it, per spec.md §4.H.
func handleFstat(cc *CommandCenter, s *ScoutRecord, dec *protocol.Decoder, reqFds []int) (*protocol.Encoder, []int, error) {
	fds := reqFds
	var st unix.Stat_t
	enc := protocol.NewEncoder()
	if len(fds) != 1 {
		enc.Int32(-int32(unix.EBADF)).Struct(statBytes(&st))
		return enc, nil, nil
	}
	fd := fds[0]
	defer unix.Close(fd)

	if err := unix.Fstat(fd, &st); err != nil {
		enc.Int32(errnoOf(err)).Struct(statBytes(&st))
		return enc, nil, nil
	}
	enc.Int32(0).Struct(statBytes(&st))
	return enc, nil, nil
}

func handleReadlink(cc *CommandCenter, s *ScoutRecord, dec *protocol.Decoder, reqFds []int) (*protocol.Encoder, []int, error) {
	path := dec.CString()
	bufsize := dec.Uint32()
	if !dec.CheckCompleted() {
		return nil, nil, errMalformed
	}

	enc := protocol.NewEncoder()
	e, _, ok := resolveForOpen(cc, path)
	if !ok || e.Kind != repo.KindSymlink {
		enc.Int32(-int32(unix.EINVAL)).FixedBuf(nil)
		return enc, nil, nil
	}
	target, err := cc.repo.LoadSymlinkTarget(e)
	if err != nil {
		enc.Int32(errnoOf(err)).FixedBuf(nil)
		return enc, nil, nil
	}
	b := []byte(target)
	if uint32(len(b)) > bufsize {
		b = b[:bufsize]
	}
	enc.Int32(int32(len(b))).FixedBuf(b)
	return enc, nil, nil
}

func handleUnlink(cc *CommandCenter, s *ScoutRecord, dec *protocol.Decoder, reqFds []int) (*protocol.Encoder, []int, error) {
	path := dec.CString()
	if !dec.CheckCompleted() {
		return nil, nil, errMalformed
	}

	enc := protocol.NewEncoder()
	if _, _, ok := resolveForOpen(cc, path); !ok {
		enc.Int32(-int32(unix.ENOENT))
		return enc, nil, nil
	}
	if err := cc.repo.Remove(path); err != nil {
		enc.Int32(-int32(unix.EIO))
		return enc, nil, nil
	}
	enc.Int32(0)
	return enc, nil, nil
}
