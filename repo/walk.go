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
	"sort"
)

// WalkFunc is called once per entry during Walk, with its full OGL-namespace
// path. Returning an error aborts the walk and Walk returns that error.
type WalkFunc func(path string, e Entry) error

// Walk visits every entry reachable from absPath, depth-first, children in
// lexicographic order within each directory, descending into Dir entries
// after visiting them. It never mutates the repo: this is the read-only
// traversal readdir-style handlers and "carrier fsck" use, as opposed to the
// mutating Find/AddFile/AddDir/Remove surface.
func Walk(r *Repo, absPath string, fn WalkFunc) error {
	e, ok, err := r.Find(absPath)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("repo: walk: %q does not exist", absPath)
	}
	if e.Kind != KindDir {
		return fn(absPath, e)
	}
	if err := fn(absPath, e); err != nil {
		return err
	}
	return r.walkDir(e.DirHandle, absPath, fn)
}

func (r *Repo) walkDir(h Handle, path string, fn WalkFunc) error {
	if err := r.ensureLoaded(h); err != nil {
		return err
	}
	d := r.dirs[h]

	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e := d.entries[name]
		childPath := joinPath(path, name)
		if err := fn(childPath, e); err != nil {
			return err
		}
		if e.Kind == KindDir {
			if err := r.walkDir(e.DirHandle, childPath, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
