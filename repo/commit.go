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
	"fmt"
	"os"
)

// Commit walks the tree, computes any missing file hashes, dumps modified
// symlinks, dumps modified directories in post-order (children before
// parents, so invariant 4 — a parent hash never appears in storage before
// its children — always holds), then rewrites root-ref. If any step fails,
// Commit returns an error without advancing root-ref (spec.md §4.C
// "Failure semantics").
func (r *Repo) Commit() error {
	root := r.dirs[r.root]
	if !root.modified {
		return nil
	}

	var dirsPostOrder []Handle
	if err := r.collectForDump(r.root, &dirsPostOrder); err != nil {
		return err
	}
	for i := len(dirsPostOrder) - 1; i >= 0; i-- {
		if err := r.dumpDir(dirsPostOrder[i]); err != nil {
			return err
		}
	}
	return writeRootRef(r.repoPath, r.dirs[r.root].hash)
}

// collectForDump performs the depth-first walk described in spec.md §4.C's
// commit(): it computes missing file hashes and dumps modified symlinks as
// it goes, and appends every modified directory (pre-order) to *dirs so the
// caller can dump them in reverse (post-order, leaves first).
func (r *Repo) collectForDump(h Handle, dirs *[]Handle) error {
	d := r.dirs[h]
	if !d.modified {
		return nil
	}
	if !d.loaded {
		panic(fmt.Sprintf("repo: directory %q is modified but not loaded", d.abspath))
	}
	*dirs = append(*dirs, h)

	for name, e := range d.entries {
		switch e.Kind {
		case KindFile:
			if !e.FileValidHash {
				hash, mode, own, ownGroup, err := r.computeFileHash(d.abspath, name)
				if err != nil {
					return err
				}
				e.FileHash = hash
				e.FileValidHash = true
				e.Mode = mode
				e.Own = own
				e.OwnGroup = ownGroup
				d.entries[name] = e
			}
		case KindDir:
			if err := r.collectForDump(e.DirHandle, dirs); err != nil {
				return err
			}
		case KindSymlink:
			if e.LinkModified {
				if err := r.dumpSymlink(h, name); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *Repo) computeFileHash(dirAbspath, name string) (hash uint64, mode uint16, own, ownGroup bool, err error) {
	path := r.realPath(joinPath(dirAbspath, name))
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, false, false, fmt.Errorf("repo: compute hash for %q: %w", path, err)
	}
	hash = hash64(data)

	st, err := os.Lstat(path)
	if err != nil {
		return 0, 0, false, false, fmt.Errorf("repo: stat %q: %w", path, err)
	}
	mode, own, ownGroup = statOwnership(st)
	return hash, mode, own, ownGroup, nil
}

// dumpSymlink reads the real symlink's target, serializes and stores a
// symlink_object, and records its hash in the parent's entry.
func (r *Repo) dumpSymlink(parent Handle, name string) error {
	d := r.dirs[parent]
	path := r.realPath(joinPath(d.abspath, name))
	target, err := os.Readlink(path)
	if err != nil {
		return fmt.Errorf("repo: readlink %q: %w", path, err)
	}
	if len(target)+1 > 256 {
		return fmt.Errorf("repo: symlink target %q exceeds 256 bytes", path)
	}

	buf := encodeSymlinkObject(target)
	hash := hash64(buf)
	if err := r.storeObj(hash, buf); err != nil {
		return err
	}

	st, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("repo: lstat %q: %w", path, err)
	}
	mode, own, ownGroup := statOwnership(st)

	e := d.entries[name]
	e.LinkHash = hash
	e.LinkTarget = target
	e.LinkLoaded = true
	e.LinkModified = false
	e.Mode = mode
	e.Own = own
	e.OwnGroup = ownGroup
	d.entries[name] = e
	return nil
}

// dumpDir serializes h's entries into a dir_object, stores it, and writes
// its hash (plus the dir's own perm bits, collected via get_stat against
// the real filesystem) back so the parent entry and root-ref are correct.
func (r *Repo) dumpDir(h Handle) error {
	d := r.dirs[h]

	ents := make([]dentry, 0, len(d.entries))
	for name, e := range d.entries {
		switch e.Kind {
		case KindNonexistent:
			ents = append(ents, dentry{name: name, kind: entNonexistent})
		case KindFile:
			ents = append(ents, dentry{name: name, kind: entFile, mode: e.Mode, own: e.Own, own2: e.OwnGroup, hash: e.FileHash})
		case KindDir:
			ents = append(ents, dentry{name: name, kind: entDir, mode: r.dirs[e.DirHandle].mode, own: r.dirs[e.DirHandle].own, own2: r.dirs[e.DirHandle].ownGroup, hash: r.dirs[e.DirHandle].hash})
		case KindSymlink:
			ents = append(ents, dentry{name: name, kind: entSymlink, mode: e.Mode, own: e.Own, own2: e.OwnGroup, hash: e.LinkHash})
		case KindLocal:
			ents = append(ents, dentry{name: name, kind: entLocal})
		case KindRemoved:
			// Removed entries are dropped entirely rather than dumped as a
			// tombstone; spec.md has no ENT_REMOVED on-disk encoding.
		}
	}

	buf := encodeDirObject(ents)
	hash := hash64(buf)
	if err := r.storeObj(hash, buf); err != nil {
		return err
	}
	d.hash = hash

	if path := r.realPath(d.abspath); d.abspath != "" {
		if st, err := os.Lstat(path); err == nil {
			d.mode, d.own, d.ownGroup = statOwnership(st)
		}
	}

	d.modified = false
	d.loaded = true
	return nil
}
