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

// EntryKind is the tagged-union discriminant for a directory entry. Rather
// than the teacher's virtual-dispatch ogl_entry hierarchy, entries are a
// plain value type switched on Kind (Design Notes §9): Entry is cheap to
// copy and store directly as a map value.
type EntryKind int

const (
	KindNonexistent EntryKind = iota
	KindRemoved
	KindLocal
	KindFile
	KindDir
	KindSymlink
)

func (k EntryKind) String() string {
	switch k {
	case KindNonexistent:
		return "nonexistent"
	case KindRemoved:
		return "removed"
	case KindLocal:
		return "local"
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return "invalid"
	}
}

// Entry is one name's value inside a parent directory. Only the fields
// relevant to Kind are meaningful; this mirrors ogl_entry's subclasses
// collapsed into one struct (Design Notes §9).
type Entry struct {
	Kind EntryKind

	// File fields.
	FileHash      uint64
	FileValidHash bool

	// Dir fields: DirHandle indexes Repo.dirs.
	DirHandle Handle

	// Symlink fields.
	LinkTarget   string
	LinkHash     uint64
	LinkLoaded   bool
	LinkModified bool

	// Shared perm/ownership bits, meaningful for File, Dir and Symlink.
	Mode     uint16 // low 9 bits: unix permission bits
	Own      bool   // uid matched the committer's uid at commit time
	OwnGroup bool   // gid matched the committer's gid at commit time
}

// Hashcode returns the entry's canonical object hash for File and Symlink
// entries. Dir entries return 0 (a directory's hash is kept on its node in
// Repo.dirs), as do all other kinds.
func (e Entry) Hashcode() uint64 {
	switch e.Kind {
	case KindFile:
		return e.FileHash
	case KindDir:
		return 0 // resolved via Repo.dirs[e.DirHandle].hash
	case KindSymlink:
		return e.LinkHash
	default:
		return 0
	}
}
