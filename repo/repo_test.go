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
	"path/filepath"
	"testing"
)

func newTestRepo(t *testing.T) (*Repo, string) {
	t.Helper()
	rootFS, err := os.MkdirTemp("", "carrier-rootfs")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(rootFS) })

	repoPath, err := os.MkdirTemp("", "carrier-repo")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(repoPath) })

	if err := Init(repoPath); err != nil {
		t.Fatalf("Init: %v", err)
	}
	r, err := Open(rootFS, repoPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r, rootFS
}

func writeRealFile(t *testing.T, rootFS, relPath, content string) {
	t.Helper()
	full := filepath.Join(rootFS, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestEmptyRepoRootIsDir(t *testing.T) {
	r, _ := newTestRepo(t)

	e, ok, err := r.Find("/")
	if err != nil || !ok {
		t.Fatalf("Find(/) = %v, %v, %v", e, ok, err)
	}
	if e.Kind != KindDir {
		t.Fatalf("root kind = %v, want KindDir", e.Kind)
	}
}

func TestAddFindCommitReopenRoundTrip(t *testing.T) {
	r, rootFS := newTestRepo(t)
	writeRealFile(t, rootFS, "etc/hosts", "127.0.0.1 localhost\n")

	if err := r.AddDir("/etc"); err != nil {
		t.Fatalf("AddDir: %v", err)
	}
	if err := r.AddFile("/etc/hosts"); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := r.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	r2, err := Open(rootFS, r.repoPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e, ok, err := r2.Find("/etc/hosts")
	if err != nil || !ok {
		t.Fatalf("Find(/etc/hosts) after reopen = %v, %v, %v", e, ok, err)
	}
	if e.Kind != KindFile || !e.FileValidHash {
		t.Fatalf("reopened entry = %+v, want valid File", e)
	}
}

func TestRemoveThenCommitDropsEntry(t *testing.T) {
	r, rootFS := newTestRepo(t)
	writeRealFile(t, rootFS, "tmp/a", "a")

	if err := r.AddDir("/tmp"); err != nil {
		t.Fatalf("AddDir: %v", err)
	}
	if err := r.AddFile("/tmp/a"); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := r.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := r.Remove("/tmp/a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := r.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	r2, err := Open(rootFS, r.repoPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok, err := r2.Find("/tmp/a"); err != nil || ok {
		t.Fatalf("Find(/tmp/a) after remove+commit = ok=%v err=%v, want ok=false", ok, err)
	}
}

func TestDirCacheServesRepeatedLookupsAndInvalidatesOnMutation(t *testing.T) {
	r, rootFS := newTestRepo(t)
	writeRealFile(t, rootFS, "a/b/c", "c")

	if err := r.AddDir("/a"); err != nil {
		t.Fatalf("AddDir /a: %v", err)
	}
	if err := r.AddDir("/a/b"); err != nil {
		t.Fatalf("AddDir /a/b: %v", err)
	}
	if err := r.AddFile("/a/b/c"); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	h1, err := r.findDir("/a/b")
	if err != nil {
		t.Fatalf("findDir: %v", err)
	}
	if _, ok := r.dirCache.Get([]byte("/a/b")); !ok {
		t.Fatalf("findDir(/a/b) did not populate dirCache")
	}
	h2, err := r.findDir("/a/b")
	if err != nil {
		t.Fatalf("findDir (cached): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("cached findDir returned a different handle: %v != %v", h1, h2)
	}

	if err := r.Remove("/a/b/c"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := r.AddDir("/a/d"); err != nil {
		t.Fatalf("AddDir /a/d: %v", err)
	}
	if _, ok := r.dirCache.Get([]byte("/a/b")); ok {
		t.Fatalf("dirCache entry for /a/b survived a directory-structure mutation")
	}

	h3, err := r.findDir("/a/b")
	if err != nil {
		t.Fatalf("findDir after invalidation: %v", err)
	}
	if h3 != h1 {
		t.Fatalf("findDir after invalidation = %v, want same handle %v", h3, h1)
	}
}

func TestWalkVisitsEveryEntryOnce(t *testing.T) {
	r, rootFS := newTestRepo(t)
	writeRealFile(t, rootFS, "a/b", "b")
	writeRealFile(t, rootFS, "a/c", "c")

	mustMkTree(t, r, "/a", []string{"b", "c"})
	if err := r.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var seen []string
	if err := Walk(r, "/", func(path string, e Entry) error {
		seen = append(seen, path)
		return nil
	}); err != nil {
		t.Fatalf("Walk: %v", err)
	}

	want := map[string]bool{"/": true, "/a": true, "/a/b": true, "/a/c": true}
	if len(seen) != len(want) {
		t.Fatalf("Walk visited %v, want %d entries", seen, len(want))
	}
	for _, p := range seen {
		if !want[p] {
			t.Fatalf("Walk visited unexpected path %q", p)
		}
	}
}

func mustMkTree(t *testing.T, r *Repo, dir string, files []string) {
	t.Helper()
	if err := r.AddDir(dir); err != nil {
		t.Fatalf("AddDir(%s): %v", dir, err)
	}
	for _, f := range files {
		if err := r.AddFile(dir + "/" + f); err != nil {
			t.Fatalf("AddFile(%s/%s): %v", dir, f, err)
		}
	}
}

// branchFrom opens a second Repo handle against the same on-disk repo and
// rootfs, simulating the independent branch a vforked mission would see.
func branchFrom(t *testing.T, r *Repo, rootFS string) *Repo {
	t.Helper()
	b, err := Open(rootFS, r.repoPath)
	if err != nil {
		t.Fatalf("Open (branch): %v", err)
	}
	return b
}

func TestMergeReplaysDisjointAdds(t *testing.T) {
	r, rootFS := newTestRepo(t)
	writeRealFile(t, rootFS, "common/f", "f")
	if err := r.AddDir("/common"); err != nil {
		t.Fatalf("AddDir: %v", err)
	}
	if err := r.AddFile("/common/f"); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := r.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	common := branchFrom(t, r, rootFS)
	src := branchFrom(t, r, rootFS)
	dst := branchFrom(t, r, rootFS)

	writeRealFile(t, rootFS, "srconly", "s")
	if err := src.AddFile("/srconly"); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := src.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := Merge(src, dst, common); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if _, ok, err := dst.Find("/srconly"); err != nil || !ok {
		t.Fatalf("Find(/srconly) after merge = ok=%v err=%v, want ok=true", ok, err)
	}
	if _, ok, err := dst.Find("/common/f"); err != nil || !ok {
		t.Fatalf("Find(/common/f) after merge = ok=%v err=%v, want ok=true", ok, err)
	}
}

func TestMergeConflictSameNameAddedBothSides(t *testing.T) {
	r, rootFS := newTestRepo(t)
	if err := r.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	common := branchFrom(t, r, rootFS)
	src := branchFrom(t, r, rootFS)
	dst := branchFrom(t, r, rootFS)

	writeRealFile(t, rootFS, "clash", "src-version")
	if err := src.AddFile("/clash"); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := src.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := dst.AddFile("/clash"); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := dst.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := Merge(src, dst, common); err != ErrMergeConflict {
		t.Fatalf("Merge() = %v, want ErrMergeConflict", err)
	}
}
