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
	"time"

	log "github.com/sirupsen/logrus"

	"treefs/internal/common"
	"treefs/internal/model"
)

// maxRenameAttempts bounds how often a rename restarts after losing a race
// with a concurrent change to the entries it pre-resolved.
const maxRenameAttempts = 8

func (t *TreeInode) checkWritableLocked() error {
	if t.isUnlinked() {
		return fmt.Errorf("directory %d: %w", t.ino, common.ErrStale)
	}
	return nil
}

func normalizeMode(mode, typ uint32) uint32 {
	return typ | (mode &^ model.ModeMask)
}

// Create makes a new empty regular file. With exclusive set an existing
// name fails with ErrExists; otherwise the existing file is returned. The
// existence check and the insert happen under one hold of t's lock.
func (t *TreeInode) Create(ctx context.Context, name string, mode uint32, exclusive bool) (*FileInode, error) {
	if err := common.ValidateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	if e := t.contents.get(name); e != nil {
		defer t.mu.Unlock()
		if exclusive {
			return nil, fmt.Errorf("create %s: %w", name, common.ErrExists)
		}
		if e.IsDir() {
			return nil, fmt.Errorf("create %s: %w", name, common.ErrIsDir)
		}
		n, err := t.getOrLoadChildLocked(ctx, name)
		if err != nil {
			return nil, err
		}
		return n.(*FileInode), nil
	}
	f, err := t.addFileLocked(name, normalizeMode(mode, model.ModeFile), nil)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := t.mount.propagateMaterialized(t); err != nil {
		return nil, err
	}
	return f, nil
}

// Symlink creates a symbolic link to target.
func (t *TreeInode) Symlink(ctx context.Context, name, target string) (*FileInode, error) {
	if err := common.ValidateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.contents.get(name) != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("symlink %s: %w", name, common.ErrExists)
	}
	f, err := t.addFileLocked(name, model.DefaultSymlinkMode, []byte(target))
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := t.mount.propagateMaterialized(t); err != nil {
		return nil, err
	}
	return f, nil
}

// addFileLocked writes the child record first and the directory second, so
// a crash in between leaves only an unreferenced record.
func (t *TreeInode) addFileLocked(name string, mode uint32, contents []byte) (*FileInode, error) {
	if err := t.checkWritableLocked(); err != nil {
		return nil, err
	}
	m := t.mount
	ino := m.allocateInodeNumber()
	now := time.Now()
	file, err := m.overlay.CreateFile(ino, contents, now)
	if err != nil {
		return nil, err
	}
	f := newFileInode(m, ino, t.ino, name, mode, OverlayBacked{})
	f.file = file
	f.size = int64(len(contents))
	f.atime, f.ctime, f.mtime = now, now, now

	e := newOverlayEntry(name, mode, ino)
	e.inode = f
	t.contents.put(e)
	revert := t.beginMutationLocked()
	if err := t.saveLocked(); err != nil {
		t.contents.remove(name)
		revert()
		file.Close()
		m.overlay.RemoveFile(ino)
		return nil, err
	}
	t.mtime = now
	m.inodes.insert(f)
	log.Debugf("[TreeInode] created %s (inode %d) in %d", name, ino, t.ino)
	return f, nil
}

// Mkdir creates an empty directory.
func (t *TreeInode) Mkdir(ctx context.Context, name string, mode uint32) (*TreeInode, error) {
	if err := common.ValidateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := t.mount
	t.mu.Lock()
	if t.contents.get(name) != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("mkdir %s: %w", name, common.ErrExists)
	}
	if err := t.checkWritableLocked(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	mode = normalizeMode(mode, model.ModeDir)
	ino := m.allocateInodeNumber()
	dir := newDir()
	dir.materialized = true
	if err := m.overlay.SaveDir(ino, dir.toOverlay()); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	child := newTreeInode(m, ino, t.ino, name, mode, dir)
	child.mtime = time.Now()
	child.recorded.Store(true)

	e := newOverlayEntry(name, mode, ino)
	e.inode = child
	t.contents.put(e)
	revert := t.beginMutationLocked()
	if err := t.saveLocked(); err != nil {
		t.contents.remove(name)
		revert()
		m.overlay.RemoveFile(ino)
		t.mu.Unlock()
		return nil, err
	}
	t.mtime = child.mtime
	m.inodes.insert(child)
	t.mu.Unlock()
	log.Debugf("[TreeInode] mkdir %s (inode %d) in %d", name, ino, t.ino)

	if err := m.propagateMaterialized(t); err != nil {
		return nil, err
	}
	return child, nil
}

// Unlink removes a non-directory entry.
func (t *TreeInode) Unlink(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	e := t.contents.get(name)
	if e == nil {
		t.mu.Unlock()
		return fmt.Errorf("unlink %s: %w", name, common.ErrNotFound)
	}
	if e.IsDir() {
		t.mu.Unlock()
		return fmt.Errorf("unlink %s: %w", name, common.ErrIsDir)
	}
	t.contents.remove(name)
	revert := t.beginMutationLocked()
	if err := t.saveLocked(); err != nil {
		t.contents.put(e)
		revert()
		t.mu.Unlock()
		return err
	}
	t.mtime = time.Now()
	t.dropEntryLocked(e)
	t.mu.Unlock()
	return t.mount.propagateMaterialized(t)
}

// dropEntryLocked finishes removing an entry that is already gone from the
// saved directory: the loaded node is marked unlinked and, for overlay
// backed content, the record is deleted.
func (t *TreeInode) dropEntryLocked(e *Entry) {
	if f, ok := e.inode.(*FileInode); ok {
		// Keep the content reachable for open handles.
		f.prepareUnlink()
	} else if e.inode != nil {
		e.inode.base().markUnlinked()
	}
	if e.IsDir() {
		t.mount.dropRetained(e.ino)
	}
	if e.IsMaterialized() {
		if err := t.mount.overlay.RemoveFile(e.ino); err != nil {
			// The parent no longer references the record; only space is lost.
			log.Warnf("[TreeInode] %v", err)
		}
	}
}

// Rmdir removes an empty directory.
func (t *TreeInode) Rmdir(ctx context.Context, name string) error {
	for attempt := 0; attempt < maxRenameAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := t.Lookup(ctx, name)
		if err != nil {
			return err
		}
		child, ok := n.(*TreeInode)
		if !ok {
			return fmt.Errorf("rmdir %s: %w", name, common.ErrNotDir)
		}
		retry, err := t.tryRmdir(name, child)
		if !retry {
			if err == nil {
				err = t.mount.propagateMaterialized(t)
			}
			return err
		}
	}
	return fmt.Errorf("rmdir %s: %w", name, common.ErrBusy)
}

func (t *TreeInode) tryRmdir(name string, child *TreeInode) (retry bool, err error) {
	unlock := lockDirs(t, child)
	defer unlock()
	e := t.contents.get(name)
	if e == nil {
		return false, fmt.Errorf("rmdir %s: %w", name, common.ErrNotFound)
	}
	if e.inode != child {
		return true, nil
	}
	if child.contents.len() > 0 {
		return false, fmt.Errorf("rmdir %s: %w", name, common.ErrNotEmpty)
	}
	t.contents.remove(name)
	revert := t.beginMutationLocked()
	if err := t.saveLocked(); err != nil {
		t.contents.put(e)
		revert()
		return false, err
	}
	t.mtime = time.Now()
	t.dropEntryLocked(e)
	log.Debugf("[TreeInode] rmdir %s (inode %d) in %d", name, child.ino, t.ino)
	return false, nil
}

// Rename moves name in t to newName in newParent, replacing a destination
// file or empty directory. Both directories are updated under their
// combined locks, taken in inode number order.
func (t *TreeInode) Rename(ctx context.Context, name string, newParent *TreeInode, newName string) error {
	if err := common.ValidateName(name); err != nil {
		return err
	}
	if err := common.ValidateName(newName); err != nil {
		return err
	}
	if t == newParent && name == newName {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.contents.get(name) == nil {
			return fmt.Errorf("rename %s: %w", name, common.ErrNotFound)
		}
		return nil
	}
	for attempt := 0; attempt < maxRenameAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		retry, err := t.tryRename(ctx, name, newParent, newName)
		if retry {
			continue
		}
		if err != nil {
			return err
		}
		if err := t.mount.propagateMaterialized(newParent); err != nil {
			return err
		}
		if newParent != t {
			return t.mount.propagateMaterialized(t)
		}
		return nil
	}
	return fmt.Errorf("rename %s: %w", name, common.ErrBusy)
}

func (t *TreeInode) tryRename(ctx context.Context, name string, newParent *TreeInode, newName string) (retry bool, err error) {
	m := t.mount

	// Resolve what can be resolved without holding both locks.
	t.mu.Lock()
	src := t.contents.get(name)
	srcIsDir := src != nil && src.IsDir()
	t.mu.Unlock()
	if src == nil {
		return false, fmt.Errorf("rename %s: %w", name, common.ErrNotFound)
	}

	var srcDir, dstDir *TreeInode
	if srcIsDir {
		m.renameMu.Lock()
		defer m.renameMu.Unlock()

		n, err := t.Lookup(ctx, name)
		if err != nil {
			return false, err
		}
		srcDir = n.(*TreeInode)
		if srcDir.isSelfOrAncestorOf(newParent) {
			return false, fmt.Errorf("rename %s into its own subtree: %w", name, common.ErrInvalidPath)
		}
		newParent.mu.Lock()
		d := newParent.contents.get(newName)
		newParent.mu.Unlock()
		if d != nil && d.IsDir() {
			n, err := newParent.Lookup(ctx, newName)
			if err != nil {
				return false, err
			}
			dstDir = n.(*TreeInode)
		}
	}

	unlock := lockDirs(t, newParent, srcDir, dstDir)
	defer unlock()

	if err := newParent.checkWritableLocked(); err != nil {
		return false, err
	}
	src = t.contents.get(name)
	if src == nil {
		return false, fmt.Errorf("rename %s: %w", name, common.ErrNotFound)
	}
	if src.IsDir() != srcIsDir || (srcIsDir && src.inode != srcDir) {
		return true, nil
	}
	dst := newParent.contents.get(newName)
	if dst != nil {
		switch {
		case srcIsDir && !dst.IsDir():
			return false, fmt.Errorf("rename %s over %s: %w", name, newName, common.ErrNotDir)
		case !srcIsDir && dst.IsDir():
			return false, fmt.Errorf("rename %s over %s: %w", name, newName, common.ErrIsDir)
		case dst.IsDir() && (dstDir == nil || dst.inode != dstDir):
			return true, nil
		case dst.IsDir() && dstDir.contents.len() > 0:
			return false, fmt.Errorf("rename %s over %s: %w", name, newName, common.ErrNotEmpty)
		}
	} else if srcIsDir && dstDir != nil {
		return true, nil
	}

	// Apply in memory, then persist the destination before the source: a
	// crash between the two saves leaves the entry in both places rather
	// than in neither.
	t.contents.remove(name)
	if dst != nil {
		newParent.contents.remove(newName)
	}
	src.name = newName
	newParent.contents.put(src)
	revertDst := newParent.beginMutationLocked()
	revertSrc := t.beginMutationLocked()

	undo := func() {
		newParent.contents.remove(newName)
		if dst != nil {
			newParent.contents.put(dst)
		}
		src.name = name
		t.contents.put(src)
		revertSrc()
		revertDst()
	}
	if err := newParent.saveLocked(); err != nil {
		undo()
		return false, err
	}
	if t != newParent {
		if err := t.saveLocked(); err != nil {
			undo()
			if rerr := newParent.saveLocked(); rerr != nil {
				log.Errorf("[TreeInode] failed to restore directory %d after rename: %v", newParent.ino, rerr)
			}
			return false, err
		}
	}

	now := time.Now()
	t.mtime, newParent.mtime = now, now
	if src.inode != nil {
		src.inode.base().setLocation(newParent.ino, newName)
	}
	if dst != nil {
		newParent.dropEntryLocked(dst)
	}
	log.Debugf("[TreeInode] renamed %d/%s to %d/%s", t.ino, name, newParent.ino, newName)
	return false, nil
}

