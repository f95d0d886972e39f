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
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"treefs/internal/common"
	"treefs/internal/model"
)

// TreeInode is a loaded directory. mu guards contents and mtime; it is
// never held while acquiring the lock of an ancestor.
type TreeInode struct {
	inodeBase

	mu       sync.Mutex
	contents Dir
	mtime    time.Time

	// recorded is set once the parent's entry for t is known to be overlay
	// backed. A materialized t whose parent save failed stays unrecorded so
	// the next propagation climbs past it.
	recorded atomic.Bool
}

func newTreeInode(m *Mount, ino, parent model.InodeNumber, name string, mode uint32, dir Dir) *TreeInode {
	t := &TreeInode{contents: dir, mtime: m.startTime}
	t.inodeBase = inodeBase{ino: ino, mount: m, parent: parent, name: name, mode: mode}
	return t
}

// DirListEntry is one element of a Readdir result.
type DirListEntry struct {
	Name string
	Ino  model.InodeNumber
	Mode uint32
}

// EntrySnapshot is a point-in-time copy of one entry.
type EntrySnapshot struct {
	Name         string
	Mode         uint32
	Ino          model.InodeNumber
	Hash         model.Hash // set when not materialized
	Materialized bool
}

// DirSnapshot is a point-in-time copy of a directory, entries sorted by
// name.
type DirSnapshot struct {
	Ino          model.InodeNumber
	TreeHash     model.Hash
	Materialized bool
	Entries      []EntrySnapshot
}

// Lookup resolves a child, loading it on first access. Loading happens
// under t's lock, so concurrent lookups of one name share a single node.
func (t *TreeInode) Lookup(ctx context.Context, name string) (Inode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getOrLoadChildLocked(ctx, name)
}

func (t *TreeInode) getOrLoadChildLocked(ctx context.Context, name string) (Inode, error) {
	e := t.contents.get(name)
	if e == nil {
		return nil, fmt.Errorf("%s: %w", name, common.ErrNotFound)
	}
	if e.inode != nil {
		return e.inode, nil
	}
	m := t.mount
	if !e.ino.IsAllocated() {
		e.ino = m.allocateInodeNumber()
	}

	var child Inode
	if e.IsDir() {
		dir, err := t.loadChildDir(ctx, e)
		if err != nil {
			return nil, err
		}
		m.restoreNumbers(e.ino, &dir)
		tc := newTreeInode(m, e.ino, t.ino, name, e.mode, dir)
		tc.recorded.Store(e.IsMaterialized())
		child = tc
	} else {
		child = newFileInode(m, e.ino, t.ino, name, e.mode, e.backing)
	}
	e.inode = child
	m.inodes.insert(child)
	log.Tracef("[TreeInode] loaded %s as inode %d in %d", name, e.ino, t.ino)
	return child, nil
}

func (t *TreeInode) loadChildDir(ctx context.Context, e *Entry) (Dir, error) {
	switch b := e.backing.(type) {
	case TreeBacked:
		tree, err := t.mount.getTree(ctx, b.Hash)
		if err != nil {
			return Dir{}, fmt.Errorf("failed to load tree for %s: %w", e.name, err)
		}
		return dirFromTree(tree), nil
	default:
		od, ok, err := t.mount.overlay.LoadDir(e.ino)
		if err != nil {
			return Dir{}, err
		}
		if !ok {
			return Dir{}, fmt.Errorf("%w: materialized directory %s (inode %d) has no overlay record",
				common.ErrCorrupt, e.name, e.ino)
		}
		return dirFromOverlay(od)
	}
}

// Readdir lists the directory, assigning inode numbers to entries that
// have not been addressed yet.
func (t *TreeInode) Readdir(ctx context.Context) ([]DirListEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DirListEntry, 0, t.contents.len())
	t.contents.ascend(func(e *Entry) bool {
		if !e.ino.IsAllocated() {
			e.ino = t.mount.allocateInodeNumber()
		}
		out = append(out, DirListEntry{Name: e.name, Ino: e.ino, Mode: e.mode})
		return true
	})
	return out, nil
}

func (t *TreeInode) Getattr(ctx context.Context) (Attr, error) {
	if err := ctx.Err(); err != nil {
		return Attr{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return Attr{
		Ino:   t.ino,
		Mode:  t.getMode(),
		Size:  int64(t.contents.len()),
		Nlink: 2,
		Atime: t.mtime,
		Mtime: t.mtime,
		Ctime: t.mtime,
	}, nil
}

// Snapshot copies the directory's current state.
func (t *TreeInode) Snapshot() DirSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := DirSnapshot{
		Ino:          t.ino,
		TreeHash:     t.contents.treeHash,
		Materialized: t.contents.materialized,
		Entries:      make([]EntrySnapshot, 0, t.contents.len()),
	}
	t.contents.ascend(func(e *Entry) bool {
		es := EntrySnapshot{Name: e.name, Mode: e.mode, Ino: e.ino, Materialized: e.IsMaterialized()}
		if h, ok := e.Hash(); ok {
			es.Hash = h
		}
		s.Entries = append(s.Entries, es)
		return true
	})
	return s
}

// IsMaterialized reports whether the directory is overlay backed.
func (t *TreeInode) IsMaterialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.contents.materialized
}

// Materialize writes the directory to the overlay and marks every ancestor
// materialized. Idempotent.
func (t *TreeInode) Materialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if !t.contents.materialized {
		t.contents.materialized = true
		if err := t.saveLocked(); err != nil {
			t.contents.materialized = false
			t.mu.Unlock()
			return err
		}
	}
	t.mu.Unlock()
	return t.mount.propagateMaterialized(t)
}

// childMaterialized marks the entry for child overlay backed and saves t.
// done reports that t's own parent already records t as materialized, so
// propagation can stop. moved reports that name no longer refers to child.
func (t *TreeInode) childMaterialized(name string, child Inode) (done, moved bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.contents.get(name)
	if e == nil || e.inode != child {
		return false, true, nil
	}
	wasDirMaterialized := t.contents.materialized
	if e.IsMaterialized() && wasDirMaterialized {
		return t.recorded.Load(), false, nil
	}
	prev := e.backing
	e.backing = OverlayBacked{}
	t.contents.materialized = true
	if err := t.saveLocked(); err != nil {
		e.backing = prev
		t.contents.materialized = wasDirMaterialized
		return false, false, err
	}
	return wasDirMaterialized && t.recorded.Load(), false, nil
}

// saveLocked writes the directory record. Callers hold t.mu.
func (t *TreeInode) saveLocked() error {
	return t.mount.overlay.SaveDir(t.ino, t.contents.toOverlay())
}

// beginMutationLocked marks t materialized ahead of a structural change and
// returns a function restoring the previous flag if the save fails.
func (t *TreeInode) beginMutationLocked() (revert func()) {
	prev := t.contents.materialized
	t.contents.materialized = true
	return func() { t.contents.materialized = prev }
}

func (t *TreeInode) hasLoadedChildrenLocked() bool {
	loaded := false
	t.contents.ascend(func(e *Entry) bool {
		loaded = e.inode != nil
		return !loaded
	})
	return loaded
}

// forgetChild drops the loaded node for name if it is reconstructible.
func (t *TreeInode) forgetChild(name string, n Inode) error {
	switch child := n.(type) {
	case *TreeInode:
		unlock := lockDirs(t, child)
		defer unlock()
		e := t.contents.get(name)
		if e == nil || e.inode != n {
			return fmt.Errorf("forget inode %d: %w", n.InodeNumber(), common.ErrBusy)
		}
		if child.hasLoadedChildrenLocked() || child.contents.materialized != e.IsMaterialized() {
			return fmt.Errorf("forget inode %d: %w", n.InodeNumber(), common.ErrBusy)
		}
		// Numbers assigned since the last save live only in memory.
		t.mount.retainNumbers(child.ino, &child.contents)
		e.inode = nil
	case *FileInode:
		t.mu.Lock()
		defer t.mu.Unlock()
		e := t.contents.get(name)
		if e == nil || e.inode != n {
			return fmt.Errorf("forget inode %d: %w", n.InodeNumber(), common.ErrBusy)
		}
		child.mu.Lock()
		defer child.mu.Unlock()
		if child.handles > 0 || child.isMaterializedLocked() != e.IsMaterialized() {
			return fmt.Errorf("forget inode %d: %w", n.InodeNumber(), common.ErrBusy)
		}
		child.closeFileLocked()
		e.inode = nil
	}
	t.mount.inodes.remove(n.InodeNumber())
	return nil
}

// lockDirs locks each distinct non-nil directory in ascending inode number
// order and returns the matching unlock.
func lockDirs(dirs ...*TreeInode) (unlock func()) {
	uniq := make([]*TreeInode, 0, len(dirs))
	for _, d := range dirs {
		if d != nil && !slices.Contains(uniq, d) {
			uniq = append(uniq, d)
		}
	}
	slices.SortFunc(uniq, func(a, b *TreeInode) int { return cmp.Compare(a.ino, b.ino) })
	for _, d := range uniq {
		d.mu.Lock()
	}
	return func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			uniq[i].mu.Unlock()
		}
	}
}

// isSelfOrAncestorOf reports whether t is dir or one of its ancestors.
// Callers hold the mount's renameMu so directory locations are stable.
func (t *TreeInode) isSelfOrAncestorOf(dir *TreeInode) bool {
	cur := Inode(dir)
	for {
		if cur.InodeNumber() == t.ino {
			return true
		}
		if cur.InodeNumber() == model.RootInodeNumber {
			return false
		}
		parent, _, unlinked := cur.base().location()
		if unlinked {
			return false
		}
		p, ok := t.mount.inodes.lookup(parent)
		if !ok {
			return false
		}
		cur = p
	}
}
