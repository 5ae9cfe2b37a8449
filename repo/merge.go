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
	"errors"
	"sort"
)

// ErrMergeConflict is returned by Merge when src and dst changed the same
// name incompatibly since common; dst is left untouched in that case.
var ErrMergeConflict = errors.New("repo: merge conflict")

type diffOp int

const (
	diffAdd diffOp = iota
	diffRM
	diffMod
)

// diffWalk replays ogl_dir::diff: it classifies every name present in
// either srcH or cmmH as added, removed, or (for names common to both with
// differing type or hashcode) modified, and calls handler for each. handler
// may return false to stop the walk early, mirroring the original's early
// abort when a conflict is already found.
func diffWalk(src *Repo, srcH Handle, cmm *Repo, cmmH Handle, handler func(op diffOp, name string) bool) error {
	if err := src.ensureLoaded(srcH); err != nil {
		return err
	}
	if err := cmm.ensureLoaded(cmmH); err != nil {
		return err
	}
	sEntries := src.dirs[srcH].entries
	cEntries := cmm.dirs[cmmH].entries

	var common []string
	for name := range sEntries {
		if _, ok := cEntries[name]; ok {
			common = append(common, name)
		} else if !handler(diffAdd, name) {
			return nil
		}
	}
	for name := range cEntries {
		if _, ok := sEntries[name]; !ok {
			if !handler(diffRM, name) {
				return nil
			}
		}
	}

	sort.Strings(common)
	for _, name := range common {
		se := sEntries[name]
		ce := cEntries[name]
		if se.Kind != ce.Kind {
			if !handler(diffMod, name) {
				return nil
			}
			continue
		}
		switch se.Kind {
		case KindFile:
			if se.FileHash != ce.FileHash {
				if !handler(diffMod, name) {
					return nil
				}
			}
		case KindDir:
			if src.dirs[se.DirHandle].hash != cmm.dirs[ce.DirHandle].hash {
				if !handler(diffMod, name) {
					return nil
				}
			}
		case KindSymlink:
			if se.LinkHash != ce.LinkHash {
				if !handler(diffMod, name) {
					return nil
				}
			}
		}
	}
	return nil
}

// Merge replays, onto dst, the changes src made relative to common (a
// shared ancestor of both), per spec.md §4.C: "On conflict-free merge(src,
// dst, common), changes between common and src are replayed onto dst."
// dst is left unmodified and ErrMergeConflict is returned if src and dst
// touched the same name in incompatible ways.
func Merge(src, dst, common *Repo) error {
	if err := checkMergeConflicts(src, dst, common); err != nil {
		return err
	}
	return applyMergeChanges(src, dst, common)
}

func checkMergeConflicts(src, dst, common *Repo) error {
	queue := []string{"/"}
	for len(queue) > 0 {
		path := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		srcH, err := src.findDir(path)
		if err != nil {
			return err
		}
		cmmH, err := common.findDir(path)
		if err != nil {
			return err
		}

		conflict := false
		err = diffWalk(src, srcH, common, cmmH, func(op diffOp, name string) bool {
			dstH, dstErr := dst.findDir(path)
			if dstErr == nil {
				// findDir does not load the directory it returns.
				dstErr = dst.ensureLoaded(dstH)
			}

			switch op {
			case diffAdd:
				if dstErr != nil {
					conflict = true
					return false
				}
				if err := dst.ensureLoaded(dstH); err != nil {
					conflict = true
					return false
				}
				if _, ok := dst.dirs[dstH].entries[name]; ok {
					conflict = true
					return false
				}

			case diffRM:
				if dstErr != nil {
					conflict = true
					return false
				}
				if conflictOnModifiedEntry(dst, dstH, common, cmmH, name) {
					conflict = true
					return false
				}

			case diffMod:
				if dstErr != nil {
					conflict = true
					return false
				}
				dstD := dst.dirs[dstH]
				dstEnt, ok := dstD.entries[name]
				if !ok {
					conflict = true
					return false
				}
				cmmEnt := common.dirs[cmmH].entries[name]
				if dstEnt.Kind != cmmEnt.Kind {
					conflict = true
					return false
				}
				switch dstEnt.Kind {
				case KindFile:
					if dstEnt.FileHash != cmmEnt.FileHash {
						conflict = true
						return false
					}
				case KindDir:
					// Directories are an exception: modifying one in dst is
					// fine as long as src also kept it a directory, since
					// conflicts are then checked entry-by-entry one level
					// down instead of by whole-subtree hash.
					srcEnt := src.dirs[srcH].entries[name]
					if srcEnt.Kind == KindDir {
						queue = append(queue, joinPath(path, name))
					} else if dst.dirs[dstEnt.DirHandle].hash != common.dirs[cmmEnt.DirHandle].hash {
						conflict = true
						return false
					}
				case KindSymlink:
					if dstEnt.LinkHash != cmmEnt.LinkHash {
						conflict = true
						return false
					}
				}
			}
			return true
		})
		if err != nil {
			return err
		}
		if conflict {
			return ErrMergeConflict
		}
	}
	return nil
}

// conflictOnModifiedEntry reports whether dst's copy of name (in directory
// dstH) diverges from the version common agreed on, which would make a
// DIFF_RM from src unsafe to replay.
func conflictOnModifiedEntry(dst *Repo, dstH Handle, cmm *Repo, cmmH Handle, name string) bool {
	dstEnt, ok := dst.dirs[dstH].entries[name]
	if !ok {
		return true
	}
	cmmEnt := cmm.dirs[cmmH].entries[name]
	if dstEnt.Kind != cmmEnt.Kind {
		return true
	}
	switch dstEnt.Kind {
	case KindFile:
		return dstEnt.FileHash != cmmEnt.FileHash
	case KindDir:
		return dst.dirs[dstEnt.DirHandle].hash != cmm.dirs[cmmEnt.DirHandle].hash
	case KindSymlink:
		return dstEnt.LinkHash != cmmEnt.LinkHash
	}
	return false
}

// applyMergeChanges runs after checkMergeConflicts has certified the whole
// subtree conflict-free; it performs the same walk and actually mutates
// dst. Unlike the original (whose DIFF_MOD branch for non-directory names
// dropped the entry without replacing it — a replay bug the "Replace the
// name with a new ogl_dir" comment next to it clearly didn't intend), a
// MOD here removes dst's stale entry and re-adds src's version, matching
// what DIFF_ADD already does for a brand new name.
func applyMergeChanges(src, dst, common *Repo) error {
	// Entries are added to and removed from dst's directories below, so
	// dst's cached path->Handle resolutions are dropped afterwards.
	defer dst.invalidateDirCache()

	queue := []string{"/"}
	for len(queue) > 0 {
		path := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		srcH, err := src.findDir(path)
		if err != nil {
			return err
		}
		cmmH, err := common.findDir(path)
		if err != nil {
			return err
		}
		dstH, err := dst.findDir(path)
		if err != nil {
			return err
		}

		err = diffWalk(src, srcH, common, cmmH, func(op diffOp, name string) bool {
			switch op {
			case diffAdd:
				addMergedEntry(src, srcH, dst, dstH, name)

			case diffRM:
				delete(dst.dirs[dstH].entries, name)
				dst.markModifiedUpTo(dstH)

			case diffMod:
				srcEnt := src.dirs[srcH].entries[name]
				dstEnt := dst.dirs[dstH].entries[name]
				if srcEnt.Kind == KindDir && dstEnt.Kind == KindDir {
					queue = append(queue, joinPath(path, name))
					return true
				}
				delete(dst.dirs[dstH].entries, name)
				addMergedEntry(src, srcH, dst, dstH, name)
			}
			return true
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// addMergedEntry copies src's entry for name (from directory srcH) into
// dst's directory dstH, recursively cloning whole subtrees for Dir entries
// (ogl_dir::copy_to's behavior).
func addMergedEntry(src *Repo, srcH Handle, dst *Repo, dstH Handle, name string) {
	e := src.dirs[srcH].entries[name]
	switch e.Kind {
	case KindDir:
		childAbspath := joinPath(dst.dirs[dstH].abspath, name)
		newH := copyDirTree(src, e.DirHandle, dst, dstH, name, childAbspath)
		dst.dirs[dstH].entries[name] = Entry{Kind: KindDir, DirHandle: newH, Mode: e.Mode, Own: e.Own, OwnGroup: e.OwnGroup}
	default:
		dst.dirs[dstH].entries[name] = e
	}
	dst.markModifiedUpTo(dstH)
}

// copyDirTree deep-clones the directory rooted at srcH (in src's arena)
// into a freshly allocated node in dst's arena, parented at dstParent under
// name. If the source subtree is unmodified (loaded==false, hash valid),
// only a lazy stub is created — it is loaded from the shared object store
// by hash on first access, exactly like ogl_dir::copy_to's "else make dst
// unloaded" branch.
func copyDirTree(src *Repo, srcH Handle, dst *Repo, dstParent Handle, name, abspath string) Handle {
	srcD := src.dirs[srcH]

	dstD := newDirNode(dstParent, name, abspath)
	dstD.hash = srcD.hash
	dstD.mode = srcD.mode
	dstD.own = srcD.own
	dstD.ownGroup = srcD.ownGroup
	dstD.modified = srcD.modified
	dstH := Handle(len(dst.dirs))
	dst.dirs = append(dst.dirs, dstD)

	if !srcD.modified {
		dstD.loaded = false
		return dstH
	}

	dstD.loaded = true
	dstD.entries = make(map[string]Entry, len(srcD.entries))
	for childName, e := range srcD.entries {
		if e.Kind == KindDir {
			childAbspath := joinPath(abspath, childName)
			childH := copyDirTree(src, e.DirHandle, dst, dstH, childName, childAbspath)
			dstD.entries[childName] = Entry{Kind: KindDir, DirHandle: childH, Mode: e.Mode, Own: e.Own, OwnGroup: e.OwnGroup}
		} else {
			dstD.entries[childName] = e
		}
	}
	return dstH
}
