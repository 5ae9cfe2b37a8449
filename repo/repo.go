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
	"path/filepath"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// Repo is a single content-addressed OGL repository: a tree of Dir/File/
// Symlink/Nonexistent/Local/Removed entries rooted at "/", backed by
// objects/<hash> files and one root-ref pointer, and (for File entries)
// content read lazily from a real filesystem rooted at rootFSPath.
type Repo struct {
	rootFSPath string
	repoPath   string
	dirs       []*dirNode
	root       Handle

	// dirCache maps an already-resolved absolute directory path to its
	// Handle in an immutable radix tree (Insert replaces the tree pointer,
	// Get reads it), so a syscall that traverses several
	// levels deep (every open/stat under a busy directory) doesn't re-walk
	// from the root on every call. Any directory structure change resets it
	// wholesale: replacing an immutable tree is cheap and stale-handle bugs
	// from a resolved-then-deleted directory are not.
	dirCache *iradix.Tree
}

// Init creates a brand-new, empty repository at repoPath: an objects/
// directory, an empty root directory object, and a root-ref pointing at it.
func Init(repoPath string) error {
	if err := os.MkdirAll(filepath.Join(repoPath, objectsDir), 0755); err != nil {
		return fmt.Errorf("repo: init: %w", err)
	}
	buf := encodeDirObject(nil)
	hash := hash64(buf)
	if err := os.WriteFile(objectPath(repoPath, hash), buf, 0644); err != nil {
		return fmt.Errorf("repo: init: %w", err)
	}
	return writeRootRef(repoPath, hash)
}

// Open opens an existing repository at repoPath, whose File entries are
// read lazily against rootFSPath. The root directory is constructed lazily
// (unmodified, unloaded): it is loaded on first access.
func Open(rootFSPath, repoPath string) (*Repo, error) {
	hash, err := readRootRef(repoPath)
	if err != nil {
		return nil, err
	}
	r := &Repo{rootFSPath: rootFSPath, repoPath: repoPath, dirCache: iradix.New()}
	root := newDirNode(noParent, "", "/")
	root.hash = hash
	r.dirs = append(r.dirs, root)
	r.root = 0
	return r, nil
}

// invalidateDirCache drops every cached path->Handle resolution. Called by
// every mutation that can add or remove a directory entry, since a stale
// cached Handle for a path whose directory structure just changed would
// resolve to the wrong (or a deleted) node.
func (r *Repo) invalidateDirCache() {
	r.dirCache = iradix.New()
}

// RootPath returns the real filesystem path File entries are read against.
func (r *Repo) RootPath() string {
	return r.rootFSPath
}

// Root returns a handle to the repository's root directory.
func (r *Repo) Root() Handle {
	return r.root
}

func (r *Repo) realPath(oglPath string) string {
	return filepath.Join(r.rootFSPath, oglPath)
}

// RealPath is realPath exported for callers outside the package (the
// Command Center's handlers) that need to operate on a File or Local
// entry's actual backing bytes on rootFSPath.
func (r *Repo) RealPath(oglPath string) string {
	return r.realPath(oglPath)
}

// LoadSymlinkTarget returns a Symlink entry's target: the entry's own
// LinkTarget when LinkLoaded is set, otherwise the target decoded from
// storage. e is a copy, so a target read from storage is not cached.
// Handlers call this instead of duplicating object.go's decode step.
func (r *Repo) LoadSymlinkTarget(e Entry) (string, error) {
	if e.Kind != KindSymlink {
		return "", fmt.Errorf("repo: not a symlink")
	}
	if e.LinkLoaded {
		return e.LinkTarget, nil
	}
	buf, err := r.loadObj(e.LinkHash)
	if err != nil {
		return "", err
	}
	return decodeSymlinkObject(buf)
}

// loadDir reads a directory's object from storage and populates its
// entries map. It is fatal (panics) if the stored object's magic doesn't
// match: that indicates corruption or a programmer error, not a recoverable
// I/O failure (spec.md §4.C "Failure semantics").
func (r *Repo) loadDir(h Handle) error {
	d := r.dirs[h]
	buf, err := r.loadObj(d.hash)
	if err != nil {
		return err
	}
	ents, err := decodeDirObject(buf)
	if err != nil {
		panic(fmt.Sprintf("repo: corrupt directory object %016x: %v", d.hash, err))
	}

	d.entries = make(map[string]Entry, len(ents))
	for _, e := range ents {
		switch e.kind {
		case entNonexistent:
			d.entries[e.name] = Entry{Kind: KindNonexistent}
		case entFile:
			d.entries[e.name] = Entry{
				Kind: KindFile, FileHash: e.hash, FileValidHash: true,
				Mode: e.mode, Own: e.own, OwnGroup: e.own2,
			}
		case entDir:
			child := newDirNode(h, e.name, joinPath(d.abspath, e.name))
			child.hash = e.hash
			child.mode = e.mode
			child.own = e.own
			child.ownGroup = e.own2
			ch := Handle(len(r.dirs))
			r.dirs = append(r.dirs, child)
			d.entries[e.name] = Entry{Kind: KindDir, DirHandle: ch, Mode: e.mode, Own: e.own, OwnGroup: e.own2}
		case entSymlink:
			d.entries[e.name] = Entry{
				Kind: KindSymlink, LinkHash: e.hash, LinkLoaded: false,
				Mode: e.mode, Own: e.own, OwnGroup: e.own2,
			}
		case entLocal:
			d.entries[e.name] = Entry{Kind: KindLocal}
		}
	}
	d.modified = false
	d.loaded = true
	return nil
}

// Local dentry-kind constants, internal to the on-disk codec (abi exposes
// the canonical numeric values; these mirror them for decodeDirObject's
// switch without importing abi into object.go's hot path twice).
const (
	entNonexistent = 1
	entFile        = 2
	entDir         = 3
	entSymlink     = 4
	entLocal       = 5
)

// getParentDir resolves the parent directory of an absolute path and
// returns it along with the final path component. It fails if absPath is
// not a descendant of the repo.
func (r *Repo) getParentDir(absPath string) (Handle, string, error) {
	if !strings.HasPrefix(absPath, "/") {
		return 0, "", fmt.Errorf("repo: path %q is not absolute", absPath)
	}
	sep := strings.LastIndexByte(absPath, '/')
	basename := absPath[sep+1:]
	if basename == "" {
		return 0, "", fmt.Errorf("repo: path %q has no basename", absPath)
	}
	dirPath := absPath[:sep]
	if dirPath == "" {
		dirPath = "/"
	}
	h, err := r.findDir(dirPath)
	if err != nil {
		return 0, "", err
	}
	return h, basename, nil
}

// Find walks from the root to absPath, loading intermediate directories on
// demand, and returns the entry found there (or ok==false if it does not
// exist in any loaded directory along the way).
func (r *Repo) Find(absPath string) (Entry, bool, error) {
	if absPath == "/" {
		return Entry{Kind: KindDir, DirHandle: r.root}, true, nil
	}
	if !strings.HasPrefix(absPath, "/") {
		return Entry{}, false, fmt.Errorf("repo: path %q is not absolute", absPath)
	}
	parts := strings.Split(strings.Trim(absPath, "/"), "/")
	cur := r.root
	for i, part := range parts {
		e, ok, err := r.lookup(cur, part)
		if err != nil {
			return Entry{}, false, err
		}
		if !ok {
			return Entry{}, false, nil
		}
		if i == len(parts)-1 {
			return e, true, nil
		}
		if e.Kind != KindDir {
			return Entry{}, false, nil
		}
		cur = e.DirHandle
	}
	return Entry{}, false, nil
}

// findDir is Find specialized to directories, used internally by path
// resolution; it aborts the lookup (returns an error) if an intermediate
// path component exists but is not a directory.
func (r *Repo) findDir(absPath string) (Handle, error) {
	if absPath == "/" {
		return r.root, nil
	}
	if v, ok := r.dirCache.Get([]byte(absPath)); ok {
		return v.(Handle), nil
	}

	parts := strings.Split(strings.Trim(absPath, "/"), "/")
	cur := r.root
	for _, part := range parts {
		e, ok, err := r.lookup(cur, part)
		if err != nil {
			return 0, err
		}
		if !ok || e.Kind != KindDir {
			return 0, fmt.Errorf("repo: %q is not a directory", absPath)
		}
		cur = e.DirHandle
	}

	tree, _, _ := r.dirCache.Insert([]byte(absPath), cur)
	r.dirCache = tree
	return cur, nil
}

// AddFile records a new File entry named by the last component of absPath.
// It fails if the parent doesn't exist or the name is already taken.
func (r *Repo) AddFile(absPath string) error {
	h, name, err := r.getParentDir(absPath)
	if err != nil {
		return err
	}
	return r.addLeaf(h, name, Entry{Kind: KindFile})
}

// AddDir records a new, empty Dir entry.
func (r *Repo) AddDir(absPath string) error {
	h, name, err := r.getParentDir(absPath)
	if err != nil {
		return err
	}
	if err := r.ensureLoaded(h); err != nil {
		return err
	}
	if _, ok := r.dirs[h].entries[name]; ok {
		return fmt.Errorf("repo: %q already exists", absPath)
	}
	child := newDirNode(h, name, joinPath(r.dirs[h].abspath, name))
	child.modified = true
	child.loaded = true
	ch := Handle(len(r.dirs))
	r.dirs = append(r.dirs, child)
	r.dirs[h].entries[name] = Entry{Kind: KindDir, DirHandle: ch}
	r.markModifiedUpTo(h)
	r.invalidateDirCache()
	return nil
}

// AddSymlink records a new Symlink entry whose target is read from the real
// filesystem at commit/dump time.
func (r *Repo) AddSymlink(absPath string) error {
	h, name, err := r.getParentDir(absPath)
	if err != nil {
		return err
	}
	return r.addLeaf(h, name, Entry{Kind: KindSymlink, LinkModified: true})
}

func (r *Repo) addLeaf(h Handle, name string, e Entry) error {
	if err := r.ensureLoaded(h); err != nil {
		return err
	}
	if _, ok := r.dirs[h].entries[name]; ok {
		return fmt.Errorf("repo: %q already exists", name)
	}
	r.dirs[h].entries[name] = e
	r.markModifiedUpTo(h)
	return nil
}

// Remove deletes an entry (and, for a Dir, its whole subtree) unconditionally.
func (r *Repo) Remove(absPath string) error {
	h, name, err := r.getParentDir(absPath)
	if err != nil {
		return err
	}
	if err := r.ensureLoaded(h); err != nil {
		return err
	}
	if _, ok := r.dirs[h].entries[name]; !ok {
		return fmt.Errorf("repo: %q does not exist", absPath)
	}
	delete(r.dirs[h].entries, name)
	r.markModifiedUpTo(h)
	r.invalidateDirCache()
	return nil
}

// MarkLocal inserts a placeholder entry telling handlers to fall back to
// the real filesystem for this name.
func (r *Repo) MarkLocal(absPath string) error {
	h, name, err := r.getParentDir(absPath)
	if err != nil {
		return err
	}
	return r.addLeaf(h, name, Entry{Kind: KindLocal})
}

// MarkNonexistent inserts a placeholder entry remembering that this name is
// known not to exist, so repeated lookups don't keep hitting storage.
func (r *Repo) MarkNonexistent(absPath string) error {
	h, name, err := r.getParentDir(absPath)
	if err != nil {
		return err
	}
	return r.addLeaf(h, name, Entry{Kind: KindNonexistent})
}
