// Copyright 2024 TreeFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package inodes

import (
	"context"
	"errors"
	"syscall"

	"treefs/internal/common"
)

// errnoTable maps sentinel errors to the errno a kernel-facing server
// should answer with. Order matters: the first match wins.
var errnoTable = []struct {
	err   error
	errno syscall.Errno
}{
	{common.ErrNotFound, syscall.ENOENT},
	{common.ErrStale, syscall.ENOENT},
	{common.ErrExists, syscall.EEXIST},
	{common.ErrNotDir, syscall.ENOTDIR},
	{common.ErrIsDir, syscall.EISDIR},
	{common.ErrNotEmpty, syscall.ENOTEMPTY},
	{common.ErrInvalidPath, syscall.EINVAL},
	{common.ErrNotSymlink, syscall.EINVAL},
	{common.ErrInvalidHandle, syscall.EBADF},
	{common.ErrBusy, syscall.EBUSY},
	{common.ErrOverlayLocked, syscall.EBUSY},
	{common.ErrCorrupt, syscall.EIO},
	{common.ErrIO, syscall.EIO},
	{context.Canceled, syscall.EINTR},
	{context.DeadlineExceeded, syscall.ETIMEDOUT},
}

// Errno translates an error from this package into an errno. nil maps to
// 0 and unknown errors to EIO.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	for _, e := range errnoTable {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	return syscall.EIO
}
