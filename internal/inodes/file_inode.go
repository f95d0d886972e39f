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
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"treefs/internal/common"
	"treefs/internal/model"
	"treefs/internal/overlay"
)

// FileInode is a loaded regular file or symlink. While tree backed its
// content is the blob named by the hash; once materialized it is the
// overlay record, kept open for the lifetime of the node.
type FileInode struct {
	inodeBase

	mu      sync.Mutex
	backing Backing
	file    *os.File
	size    int64 // content length of the open record
	atime   time.Time
	ctime   time.Time
	mtime   time.Time
	handles int
}

func newFileInode(m *Mount, ino, parent model.InodeNumber, name string, mode uint32, backing Backing) *FileInode {
	f := &FileInode{backing: backing, atime: m.startTime, ctime: m.startTime, mtime: m.startTime}
	f.inodeBase = inodeBase{ino: ino, mount: m, parent: parent, name: name, mode: mode}
	return f
}

func (f *FileInode) isMaterializedLocked() bool {
	_, ok := f.backing.(OverlayBacked)
	return ok
}

// IsMaterialized reports whether the file is overlay backed.
func (f *FileInode) IsMaterialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isMaterializedLocked()
}

func (f *FileInode) ensureOpenLocked() error {
	if f.file != nil {
		return nil
	}
	file, h, err := f.mount.overlay.OpenFile(f.ino, overlay.HeaderIdentifierFile)
	if err != nil {
		return err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat overlay record for inode %d: %w", f.ino, err)
	}
	f.file = file
	f.size = max(st.Size()-overlay.HeaderLength, 0)
	for _, p := range []struct {
		dst *time.Time
		src time.Time
	}{{&f.atime, h.Atime}, {&f.ctime, h.Ctime}, {&f.mtime, h.Mtime}} {
		if !p.src.IsZero() {
			*p.dst = p.src
		}
	}
	return nil
}

func (f *FileInode) closeFileLocked() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

func (f *FileInode) closeFile() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeFileLocked()
}

func (f *FileInode) blobLocked(ctx context.Context) (*model.Blob, error) {
	tb := f.backing.(TreeBacked)
	blob, err := f.mount.store.GetBlob(ctx, tb.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to load blob for inode %d: %w", f.ino, err)
	}
	return blob, nil
}

func (f *FileInode) Getattr(ctx context.Context) (Attr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var size int64
	if f.isMaterializedLocked() {
		if err := f.ensureOpenLocked(); err != nil {
			return Attr{}, err
		}
		size = f.size
	} else {
		blob, err := f.blobLocked(ctx)
		if err != nil {
			return Attr{}, err
		}
		size = int64(len(blob.Contents))
	}
	nlink := uint32(1)
	if f.isUnlinked() {
		nlink = 0
	}
	return Attr{
		Ino:   f.ino,
		Mode:  f.getMode(),
		Size:  size,
		Nlink: nlink,
		Atime: f.atime,
		Mtime: f.mtime,
		Ctime: f.ctime,
	}, nil
}

// ReadAll returns the whole content.
func (f *FileInode) ReadAll(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked(ctx, 0, -1)
}

// Read returns up to size bytes starting at off.
func (f *FileInode) Read(ctx context.Context, off int64, size int) ([]byte, error) {
	if off < 0 || size < 0 {
		return nil, fmt.Errorf("read at %d+%d: %w", off, size, common.ErrInvalidPath)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked(ctx, off, size)
}

// readLocked reads [off, off+size); size < 0 means to the end.
func (f *FileInode) readLocked(ctx context.Context, off int64, size int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !f.isMaterializedLocked() {
		blob, err := f.blobLocked(ctx)
		if err != nil {
			return nil, err
		}
		content := blob.Contents
		if off >= int64(len(content)) {
			return []byte{}, nil
		}
		content = content[off:]
		if size >= 0 && size < len(content) {
			content = content[:size]
		}
		return content, nil
	}

	if err := f.ensureOpenLocked(); err != nil {
		return nil, err
	}
	if off >= f.size {
		return []byte{}, nil
	}
	n := f.size - off
	if size >= 0 && int64(size) < n {
		n = int64(size)
	}
	buf := make([]byte, n)
	read, err := f.file.ReadAt(buf, overlay.HeaderLength+off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read inode %d: %w", f.ino, err)
	}
	return buf[:read], nil
}

// Readlink returns the target of a symlink.
func (f *FileInode) Readlink(ctx context.Context) (string, error) {
	if !model.IsSymlinkMode(f.getMode()) {
		return "", fmt.Errorf("inode %d: %w", f.ino, common.ErrNotSymlink)
	}
	data, err := f.ReadAll(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ContentHash returns the blob hash of the current content: the recorded
// hash while tree backed, a hash of the overlay bytes otherwise.
func (f *FileInode) ContentHash(ctx context.Context) (model.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tb, ok := f.backing.(TreeBacked); ok {
		return tb.Hash, nil
	}
	data, err := f.readLocked(ctx, 0, -1)
	if err != nil {
		return model.ZeroHash, err
	}
	return model.HashBytes(data), nil
}

// Write stores data at off, materializing the file first.
func (f *FileInode) Write(ctx context.Context, data []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("write at %d: %w", off, common.ErrInvalidPath)
	}
	f.mu.Lock()
	if err := f.materializeLocked(ctx); err != nil {
		f.mu.Unlock()
		return 0, err
	}
	n, err := f.file.WriteAt(data, overlay.HeaderLength+off)
	if end := off + int64(n); end > f.size {
		f.size = end
	}
	if err == nil {
		err = f.touchLocked(time.Now())
	} else {
		err = fmt.Errorf("failed to write inode %d: %w", f.ino, err)
	}
	f.mu.Unlock()
	// Propagate even when the file was already materialized: an earlier
	// attempt may have failed to reach the parent.
	if perr := f.mount.propagateMaterialized(f); perr != nil && err == nil {
		err = perr
	}
	return n, err
}

// Truncate sets the content length, materializing the file first.
func (f *FileInode) Truncate(ctx context.Context, size int64) error {
	if size < 0 {
		return fmt.Errorf("truncate to %d: %w", size, common.ErrInvalidPath)
	}
	f.mu.Lock()
	err := f.materializeLocked(ctx)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	if err = f.file.Truncate(overlay.HeaderLength + size); err != nil {
		err = fmt.Errorf("failed to truncate inode %d: %w", f.ino, err)
	} else {
		f.size = size
		err = f.touchLocked(time.Now())
	}
	f.mu.Unlock()
	if perr := f.mount.propagateMaterialized(f); perr != nil && err == nil {
		err = perr
	}
	return err
}

// Materialize copies the blob into the overlay and marks every ancestor
// materialized. Idempotent.
func (f *FileInode) Materialize(ctx context.Context) error {
	f.mu.Lock()
	err := f.materializeLocked(ctx)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.mount.propagateMaterialized(f)
}

// materializeLocked leaves the node overlay backed with the record open.
// The parent is not updated here; callers propagate after unlocking.
func (f *FileInode) materializeLocked(ctx context.Context) error {
	if f.isMaterializedLocked() {
		return f.ensureOpenLocked()
	}
	blob, err := f.blobLocked(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	file, err := f.mount.overlay.CreateFile(f.ino, blob.Contents, now)
	if err != nil {
		return err
	}
	f.file = file
	f.size = int64(len(blob.Contents))
	f.backing = OverlayBacked{}
	f.ctime = now
	log.Debugf("[FileInode] materialized inode %d (%d bytes)", f.ino, f.size)
	return nil
}

func (f *FileInode) touchLocked(now time.Time) error {
	f.mtime, f.ctime = now, now
	return overlay.WriteHeader(f.file, overlay.Header{
		ID:      overlay.HeaderIdentifierFile,
		Version: overlay.HeaderVersion,
		Atime:   f.atime,
		Ctime:   f.ctime,
		Mtime:   f.mtime,
	})
}

// prepareUnlink is called by the parent, under its lock, before the record
// is removed. An open descriptor keeps the content readable afterwards.
func (f *FileInode) prepareUnlink() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isMaterializedLocked() {
		if err := f.ensureOpenLocked(); err != nil {
			log.Warnf("[FileInode] inode %d unlinked without an open record: %v", f.ino, err)
		}
	}
	f.markUnlinked()
}

// resetBacking points a tree backed file at a new blob. Materialized files
// are left alone.
func (f *FileInode) resetBacking(hash model.Hash, mode uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isMaterializedLocked() {
		return
	}
	f.backing = TreeBacked{Hash: hash}
	f.setMode(mode)
}

// evict releases the record of an unlinked node with no open handles.
func (f *FileInode) evict() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handles > 0 {
		return fmt.Errorf("forget inode %d: %w", f.ino, common.ErrBusy)
	}
	return f.closeFileLocked()
}

func (f *FileInode) openHandle() {
	f.mu.Lock()
	f.handles++
	f.mu.Unlock()
}

func (f *FileInode) releaseHandle() {
	f.mu.Lock()
	if f.handles > 0 {
		f.handles--
	}
	f.mu.Unlock()
}
