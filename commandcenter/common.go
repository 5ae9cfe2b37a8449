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

package commandcenter

import (
	"errors"

	"golang.org/x/sys/unix"
)

var errMalformed = errors.New("commandcenter: malformed request")

// errnoOf converts a golang.org/x/sys/unix error into the negative errno
// every reply on the wire carries in its ret field (spec.md §4.H: "All
// negative returns converted to -errno").
func errnoOf(err error) int32 {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}
	return -int32(unix.EIO)
}
