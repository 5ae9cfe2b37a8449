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
	"strconv"
	"strings"
)

const objectsDir = "objects"
const rootRefFile = "root-ref"

func objectPath(repoPath string, hash uint64) string {
	return filepath.Join(repoPath, objectsDir, hashHex(hash))
}

// storeObj writes obj under objects/<hash> if it isn't already present.
// store_obj is idempotent: an existing object file is assumed correct for
// its hash (SHA-256-64 collisions are not a concern for these corpora, per
// spec.md §4.C) and is left untouched.
func (r *Repo) storeObj(hash uint64, obj []byte) error {
	path := objectPath(r.repoPath, hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, obj, 0644); err != nil {
		return fmt.Errorf("repo: store object %016x: %w", hash, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("repo: store object %016x: %w", hash, err)
	}
	return nil
}

func (r *Repo) loadObj(hash uint64) ([]byte, error) {
	buf, err := os.ReadFile(objectPath(r.repoPath, hash))
	if err != nil {
		return nil, fmt.Errorf("repo: load object %016x: %w", hash, err)
	}
	return buf, nil
}

func readRootRef(repoPath string) (uint64, error) {
	buf, err := os.ReadFile(filepath.Join(repoPath, rootRefFile))
	if err != nil {
		return 0, fmt.Errorf("repo: read root-ref: %w", err)
	}
	line := strings.TrimSuffix(string(buf), "\n")
	if len(line) != 16 {
		return 0, fmt.Errorf("repo: malformed root-ref %q", line)
	}
	v, err := strconv.ParseUint(line, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("repo: malformed root-ref %q: %w", line, err)
	}
	return v, nil
}

func writeRootRef(repoPath string, hash uint64) error {
	path := filepath.Join(repoPath, rootRefFile)
	tmp := path + ".tmp"
	line := hashHex(hash) + "\n"
	if err := os.WriteFile(tmp, []byte(line), 0644); err != nil {
		return fmt.Errorf("repo: write root-ref: %w", err)
	}
	// Atomic rename so a crash never leaves root-ref pointing at a hash
	// whose objects aren't fully durable yet (invariant 5, spec.md §3).
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("repo: write root-ref: %w", err)
	}
	return nil
}
