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

// Package repo implements OGL, the content-addressed directory/file/symlink
// object store the Command Center answers filesystem syscalls against
// instead of the host filesystem.
package repo

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// hash64 truncates a SHA-256 digest to its first 8 bytes, read big-endian
// (byte 0 is the MSB). This is the canonical object id; hex formatting is
// always "%016x". Earlier drafts of this format truncated little-endian
// instead — that variant is not compatible and must never be reintroduced
// (see DESIGN.md).
func hash64(b []byte) uint64 {
	digest := sha256.Sum256(b)
	return binary.BigEndian.Uint64(digest[:8])
}

// hashHex formats a hash the way root-ref and objects/<hash> expect it:
// 16 lowercase hex digits.
func hashHex(h uint64) string {
	return fmt.Sprintf("%016x", h)
}
