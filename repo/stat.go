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
	"os"
	"syscall"
)

// statOwnership extracts the low 9 permission bits and the "owner/group
// match at commit time" flags spec.md §3 defines for File/Dir/Symlink
// entries: own and ownGroup record whether the real file's uid/gid matched
// the committing process's own uid/gid, since the object format itself
// carries no uid/gid (spec.md §3).
func statOwnership(st os.FileInfo) (mode uint16, own, ownGroup bool) {
	mode = uint16(st.Mode().Perm())
	sys, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return mode, false, false
	}
	own = sys.Uid == uint32(os.Getuid())
	ownGroup = sys.Gid == uint32(os.Getgid())
	return mode, own, ownGroup
}
