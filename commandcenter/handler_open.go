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
	"golang.org/x/sys/unix"

	"github.com/nestybox/carrier/protocol"
	"github.com/nestybox/carrier/repo"
)

// resolveForOpen looks a path up in the repository and reports whether it
// names something a Scout is allowed to open: Nonexistent/Removed entries
// don't exist in this view regardless of what sits on the real filesystem
// underneath (spec.md §2's content-addressed overlay).
func resolveForOpen(cc *CommandCenter, path string) (repo.Entry, int32, bool) {
	e, ok, err := cc.repo.Find(path)
	if err != nil {
		return repo.Entry{}, -int32(unix.EIO), false
	}
	if !ok || e.Kind == repo.KindNonexistent || e.Kind == repo.KindRemoved {
		return repo.Entry{}, -int32(unix.ENOENT), false
	}
	return e, 0, true
}

func doOpen(cc *CommandCenter, path string, flags int32, mode uint32) (int32, int) {
	_, errno, ok := resolveForOpen(cc, path)
	if !ok {
		return errno, -1
	}
	fd, err := unix.Open(cc.repo.RealPath(path), int(flags), mode)
	if err != nil {
		return errnoOf(err), -1
	}
	return int32(fd), fd
}

func handleOpen(cc *CommandCenter, s *ScoutRecord, dec *protocol.Decoder, reqFds []int) (*protocol.Encoder, []int, error) {
	path := dec.CString()
	flags := dec.Int32()
	mode := dec.Uint32()
	if !dec.CheckCompleted() {
		return nil, nil, errMalformed
	}

	ret, fd := doOpen(cc, path, flags, mode)
	enc := protocol.NewEncoder()
	if ret < 0 {
		enc.Int32(ret)
		return enc, nil, nil
	}
	enc.Int32(ret)
	return enc, []int{fd}, nil
}

func handleOpenat(cc *CommandCenter, s *ScoutRecord, dec *protocol.Decoder, reqFds []int) (*protocol.Encoder, []int, error) {
	_ = dec.Int32() // dirfd: the Scout always resolves relative paths to absolute before trapping (spec.md §4.G reconstructs args from registers, but paths crossing the RPC boundary are already normalized by the caller)
	path := dec.CString()
	flags := dec.Int32()
	mode := dec.Uint32()
	if !dec.CheckCompleted() {
		return nil, nil, errMalformed
	}

	ret, fd := doOpen(cc, path, flags, mode)
	enc := protocol.NewEncoder()
	enc.Int32(ret)
	if ret < 0 {
		return enc, nil, nil
	}
	return enc, []int{fd}, nil
}
