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

package repo

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/nestybox/carrier/abi"
)

const objHeaderSize = 6  // magic u16, type u16, size u16
const dirHeaderSize = 12 // objHeaderSize + ent_num u16, hash_offset u16, str_offset u16
const dentrySize = 8     // mode u16, name_offset u16, tm u32

type dentry struct {
	name string
	kind int // abi.Dent*
	mode uint16
	own  bool
	own2 bool // group
	hash uint64
}

// encodeDirObject serializes a directory's entries into the on-disk
// dir_object layout from SPEC_FULL.md/spec.md §4.C. It sorts ents in place
// byte-lexicographically by name before computing a size or a hash, per the
// Open Question in spec.md §9, so callers (dumpDir) may pass them in any order.
func encodeDirObject(ents []dentry) []byte {
	sort.Slice(ents, func(i, j int) bool { return ents[i].name < ents[j].name })

	n := len(ents)
	strTotal := 0
	for _, e := range ents {
		strTotal += len(e.name) + 1
	}

	hashOffset := dirHeaderSize + n*dentrySize
	strOffset := hashOffset + n*8
	size := strOffset + strTotal

	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], abi.ObjectMagic)
	binary.LittleEndian.PutUint16(buf[2:4], abi.ObjTypeDir)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(size))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(n))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(hashOffset))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(strOffset))

	strPtr := strOffset
	for i, e := range ents {
		dOff := dirHeaderSize + i*dentrySize
		mode := e.mode | uint16(e.kind<<12)
		if e.own {
			mode |= abi.ModeUserMask
		}
		if e.own2 {
			mode |= abi.ModeGroupMask
		}
		binary.LittleEndian.PutUint16(buf[dOff:dOff+2], mode)
		binary.LittleEndian.PutUint16(buf[dOff+2:dOff+4], uint16(strPtr))
		// tm (4 bytes) is left zero; the original format reserves it for a
		// modification timestamp that no current handler consumes.

		hOff := hashOffset + i*8
		binary.LittleEndian.PutUint64(buf[hOff:hOff+8], e.hash)

		copy(buf[strPtr:], e.name)
		buf[strPtr+len(e.name)] = 0
		strPtr += len(e.name) + 1
	}

	return buf
}

// decodeDirObject is the dual of encodeDirObject, used by Repo.loadDir.
func decodeDirObject(buf []byte) ([]dentry, error) {
	if len(buf) < dirHeaderSize {
		return nil, fmt.Errorf("repo: dir object truncated (%d bytes)", len(buf))
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != abi.ObjectMagic {
		return nil, fmt.Errorf("repo: dir object magic mismatch")
	}
	if binary.LittleEndian.Uint16(buf[2:4]) != abi.ObjTypeDir {
		return nil, fmt.Errorf("repo: object is not a directory")
	}

	n := int(binary.LittleEndian.Uint16(buf[6:8]))
	hashOffset := int(binary.LittleEndian.Uint16(buf[8:10]))

	ents := make([]dentry, n)
	for i := 0; i < n; i++ {
		dOff := dirHeaderSize + i*dentrySize
		if dOff+dentrySize > len(buf) {
			return nil, fmt.Errorf("repo: dir object entry %d out of range", i)
		}
		mode := binary.LittleEndian.Uint16(buf[dOff : dOff+2])
		nameOff := int(binary.LittleEndian.Uint16(buf[dOff+2 : dOff+4]))

		hOff := hashOffset + i*8
		if hOff+8 > len(buf) {
			return nil, fmt.Errorf("repo: dir object hash %d out of range", i)
		}
		hash := binary.LittleEndian.Uint64(buf[hOff : hOff+8])

		end := nameOff
		for end < len(buf) && buf[end] != 0 {
			end++
		}
		if end >= len(buf) {
			return nil, fmt.Errorf("repo: dir object name %d unterminated", i)
		}

		ents[i] = dentry{
			name: string(buf[nameOff:end]),
			kind: int(mode >> 12),
			mode: mode & abi.ModePermMask,
			own:  mode&abi.ModeUserMask != 0,
			own2: mode&abi.ModeGroupMask != 0,
			hash: hash,
		}
	}
	return ents, nil
}

// encodeSymlinkObject serializes a symlink's target into the on-disk
// symlink_object layout.
func encodeSymlinkObject(target string) []byte {
	payload := append([]byte(target), 0)
	size := objHeaderSize + 4 + len(payload)
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], abi.ObjectMagic)
	binary.LittleEndian.PutUint16(buf[2:4], abi.ObjTypeSymlink)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(size))
	binary.LittleEndian.PutUint32(buf[6:10], uint32(len(payload)))
	copy(buf[10:], payload)
	return buf
}

// decodeSymlinkObject is the dual of encodeSymlinkObject.
func decodeSymlinkObject(buf []byte) (string, error) {
	if len(buf) < objHeaderSize+4 {
		return "", fmt.Errorf("repo: symlink object truncated")
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != abi.ObjectMagic {
		return "", fmt.Errorf("repo: symlink object magic mismatch")
	}
	if binary.LittleEndian.Uint16(buf[2:4]) != abi.ObjTypeSymlink {
		return "", fmt.Errorf("repo: object is not a symlink")
	}
	n := int(binary.LittleEndian.Uint32(buf[6:10]))
	if objHeaderSize+4+n > len(buf) || n == 0 {
		return "", fmt.Errorf("repo: symlink object target out of range")
	}
	raw := buf[objHeaderSize+4 : objHeaderSize+4+n]
	if raw[len(raw)-1] == 0 {
		raw = raw[:len(raw)-1]
	}
	return string(raw), nil
}
