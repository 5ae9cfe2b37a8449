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

// Handle indexes Repo.dirs. The teacher's ogl_dir keeps a raw ogl_dir*
// parent back-reference; here every Dir<->Dir link (parent and any Dir-kind
// child) is a Handle into one arena owned by the Repo, so the tree can never
// dangle and never needs an owning/non-owning distinction (Design Notes §9).
type Handle int

// noParent marks the root directory, which has no parent.
const noParent Handle = -1

// dirNode is one directory's in-memory state. A dirNode is either fully
// usable (loaded or freshly created) or a stub that must be loaded from
// storage before use: modified==false && loaded==false means "load me
// first"; any other combination is usable in memory (spec.md §3 invariant
// 3).
type dirNode struct {
	parent  Handle
	name    string // this directory's own name within its parent; "" for root
	abspath string // cached absolute OGL-namespace path

	entries map[string]Entry

	hash     uint64
	mode     uint16
	own      bool
	ownGroup bool
	modified bool
	loaded   bool
}

func newDirNode(parent Handle, name, abspath string) *dirNode {
	return &dirNode{
		parent:  parent,
		name:    name,
		abspath: abspath,
		entries: make(map[string]Entry),
	}
}

// markModifiedUpTo walks from h to the root setting modified=true on every
// ancestor, maintaining invariant 2 from spec.md §3 ("if a Dir is modified,
// every ancestor is modified too").
func (r *Repo) markModifiedUpTo(h Handle) {
	for h != noParent {
		d := r.dirs[h]
		if d.modified {
			return
		}
		d.modified = true
		h = d.parent
	}
}

// ensureLoaded loads a dirNode's entries from storage if it is a stub
// (invariant 3). It is a no-op for dirs that are already usable.
func (r *Repo) ensureLoaded(h Handle) error {
	d := r.dirs[h]
	if d.modified || d.loaded {
		return nil
	}
	return r.loadDir(h)
}

// lookup returns the named entry in dir h, loading h first if needed.
func (r *Repo) lookup(h Handle, name string) (Entry, bool, error) {
	if err := r.ensureLoaded(h); err != nil {
		return Entry{}, false, err
	}
	e, ok := r.dirs[h].entries[name]
	return e, ok, nil
}

func (r *Repo) path(h Handle) string {
	return r.dirs[h].abspath
}

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
