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
	"fmt"
	"os"

	"treefs/internal/common"
	"treefs/internal/model"
)

// Dispatcher exposes the mount through inode-number addressed operations,
// the shape a kernel-facing protocol server consumes. Errors map to errnos
// with Errno.
type Dispatcher struct {
	mount   *Mount
	handles *HandleManager
}

// NewDispatcher creates a dispatcher over m.
func NewDispatcher(m *Mount) *Dispatcher {
	return &Dispatcher{mount: m, handles: NewHandleManager()}
}

// Handles returns the open handle table.
func (d *Dispatcher) Handles() *HandleManager { return d.handles }

func (d *Dispatcher) Getattr(ctx context.Context, ino model.InodeNumber) (Attr, error) {
	n, err := d.mount.LookupInode(ino)
	if err != nil {
		return Attr{}, err
	}
	return n.Getattr(ctx)
}

func (d *Dispatcher) Lookup(ctx context.Context, parent model.InodeNumber, name string) (Attr, error) {
	dir, err := d.mount.lookupTree(parent)
	if err != nil {
		return Attr{}, err
	}
	n, err := dir.Lookup(ctx, name)
	if err != nil {
		return Attr{}, err
	}
	return n.Getattr(ctx)
}

// Create creates (or with flags lacking O_EXCL, opens) a file and returns
// an open handle on it.
func (d *Dispatcher) Create(ctx context.Context, parent model.InodeNumber, name string, mode uint32, flags int) (Attr, HandleID, error) {
	dir, err := d.mount.lookupTree(parent)
	if err != nil {
		return Attr{}, 0, err
	}
	f, err := dir.Create(ctx, name, mode, flags&os.O_EXCL != 0)
	if err != nil {
		return Attr{}, 0, err
	}
	if flags&os.O_TRUNC != 0 {
		if err := f.Truncate(ctx, 0); err != nil {
			return Attr{}, 0, err
		}
	}
	attr, err := f.Getattr(ctx)
	if err != nil {
		return Attr{}, 0, err
	}
	f.openHandle()
	return attr, d.handles.Allocate(f.ino, false, flags), nil
}

func (d *Dispatcher) Mkdir(ctx context.Context, parent model.InodeNumber, name string, mode uint32) (Attr, error) {
	dir, err := d.mount.lookupTree(parent)
	if err != nil {
		return Attr{}, err
	}
	child, err := dir.Mkdir(ctx, name, mode)
	if err != nil {
		return Attr{}, err
	}
	return child.Getattr(ctx)
}

func (d *Dispatcher) Symlink(ctx context.Context, parent model.InodeNumber, name, target string) (Attr, error) {
	dir, err := d.mount.lookupTree(parent)
	if err != nil {
		return Attr{}, err
	}
	f, err := dir.Symlink(ctx, name, target)
	if err != nil {
		return Attr{}, err
	}
	return f.Getattr(ctx)
}

func (d *Dispatcher) Unlink(ctx context.Context, parent model.InodeNumber, name string) error {
	dir, err := d.mount.lookupTree(parent)
	if err != nil {
		return err
	}
	return dir.Unlink(ctx, name)
}

func (d *Dispatcher) Rmdir(ctx context.Context, parent model.InodeNumber, name string) error {
	dir, err := d.mount.lookupTree(parent)
	if err != nil {
		return err
	}
	return dir.Rmdir(ctx, name)
}

func (d *Dispatcher) Rename(ctx context.Context, parent model.InodeNumber, name string, newParent model.InodeNumber, newName string) error {
	src, err := d.mount.lookupTree(parent)
	if err != nil {
		return err
	}
	dst, err := d.mount.lookupTree(newParent)
	if err != nil {
		return err
	}
	return src.Rename(ctx, name, dst, newName)
}

// Open opens a file. O_TRUNC truncates it.
func (d *Dispatcher) Open(ctx context.Context, ino model.InodeNumber, flags int) (HandleID, error) {
	f, err := d.mount.lookupFile(ino)
	if err != nil {
		return 0, err
	}
	if flags&os.O_TRUNC != 0 {
		if err := f.Truncate(ctx, 0); err != nil {
			return 0, err
		}
	}
	f.openHandle()
	return d.handles.Allocate(ino, false, flags), nil
}

// OpenDir opens a directory for Readdir.
func (d *Dispatcher) OpenDir(_ context.Context, ino model.InodeNumber) (HandleID, error) {
	if _, err := d.mount.lookupTree(ino); err != nil {
		return 0, err
	}
	return d.handles.Allocate(ino, true, os.O_RDONLY), nil
}

func (d *Dispatcher) fileForHandle(h HandleID) (*FileInode, openHandle, error) {
	info, ok := d.handles.Get(h)
	if !ok || info.isDir {
		return nil, openHandle{}, fmt.Errorf("handle %d: %w", h, common.ErrInvalidHandle)
	}
	f, err := d.mount.lookupFile(info.ino)
	return f, info, err
}

func (d *Dispatcher) Read(ctx context.Context, h HandleID, off int64, size int) ([]byte, error) {
	f, _, err := d.fileForHandle(h)
	if err != nil {
		return nil, err
	}
	return f.Read(ctx, off, size)
}

// Write writes at off, or at the end of the file for O_APPEND handles.
func (d *Dispatcher) Write(ctx context.Context, h HandleID, data []byte, off int64) (int, error) {
	f, info, err := d.fileForHandle(h)
	if err != nil {
		return 0, err
	}
	if info.flags&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, fmt.Errorf("handle %d is read-only: %w", h, common.ErrInvalidHandle)
	}
	if info.flags&os.O_APPEND != 0 {
		attr, err := f.Getattr(ctx)
		if err != nil {
			return 0, err
		}
		off = attr.Size
	}
	return f.Write(ctx, data, off)
}

// Readdir returns up to limit entries after the handle's position; limit
// <= 0 returns the rest.
func (d *Dispatcher) Readdir(ctx context.Context, h HandleID, limit int) ([]DirListEntry, error) {
	info, ok := d.handles.Get(h)
	if !ok || !info.isDir {
		return nil, fmt.Errorf("handle %d: %w", h, common.ErrInvalidHandle)
	}
	dir, err := d.mount.lookupTree(info.ino)
	if err != nil {
		return nil, err
	}
	entries, err := dir.Readdir(ctx)
	if err != nil {
		return nil, err
	}
	if info.dirPos >= len(entries) {
		return nil, nil
	}
	entries = entries[info.dirPos:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	d.handles.UpdateDirPos(h, info.dirPos+len(entries))
	return entries, nil
}

// Release closes a handle.
func (d *Dispatcher) Release(h HandleID) error {
	info, ok := d.handles.Release(h)
	if !ok {
		return fmt.Errorf("handle %d: %w", h, common.ErrInvalidHandle)
	}
	if info.isDir {
		return nil
	}
	if f, err := d.mount.lookupFile(info.ino); err == nil {
		f.releaseHandle()
	}
	return nil
}

func (d *Dispatcher) Readlink(ctx context.Context, ino model.InodeNumber) (string, error) {
	f, err := d.mount.lookupFile(ino)
	if err != nil {
		return "", err
	}
	return f.Readlink(ctx)
}

// Forget tells the mount the kernel dropped its reference to ino.
func (d *Dispatcher) Forget(ino model.InodeNumber) error {
	return d.mount.Forget(ino)
}
