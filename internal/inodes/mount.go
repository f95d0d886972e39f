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

// Package inodes implements the live directory tree of a client checkout:
// lazily loaded nodes that are backed by immutable trees until mutated,
// then materialized into the overlay.
package inodes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"treefs/internal/common"
	"treefs/internal/model"
	"treefs/internal/overlay"
	"treefs/internal/store"
)

// OverlayDirName is the overlay directory inside a client directory.
const OverlayDirName = "local"

const snapshotFileName = "SNAPSHOT"

// Options configures Open.
type Options struct {
	// ClientDir holds the overlay and the SNAPSHOT file.
	ClientDir string
	Store     store.ObjectStore
	// InitialSnapshot is the tree a new client starts from. Ignored when
	// the client already records a snapshot. Zero means the empty tree.
	InitialSnapshot model.Hash
	CreateIfMissing bool
}

// Mount is one live tree rooted at a client directory.
type Mount struct {
	clientDir string
	overlay   *overlay.Overlay
	store     store.ObjectStore
	inodes    *inodeMap
	root      *TreeInode
	nextIno   atomic.Uint64
	startTime time.Time

	// renameMu serializes directory renames so the ancestry check stays
	// valid until the move is applied. File renames do not take it.
	renameMu sync.Mutex
	// checkoutMu serializes checkouts against each other.
	checkoutMu sync.Mutex

	snapMu   sync.RWMutex
	snapshot model.Hash

	// retained holds the numbers handed out inside forgotten directories,
	// keyed by directory inode, until the directory is loaded again.
	retainedMu sync.Mutex
	retained   map[model.InodeNumber]map[string]model.InodeNumber

	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) the client at opts.ClientDir. An unclean prior
// shutdown is recovered by rescanning the overlay.
func Open(ctx context.Context, opts Options) (*Mount, error) {
	if opts.Store == nil {
		return nil, errors.New("inodes: no object store")
	}
	if opts.CreateIfMissing {
		if err := os.MkdirAll(opts.ClientDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create client directory: %w", err)
		}
	}
	m := &Mount{
		clientDir: opts.ClientDir,
		overlay:   overlay.New(filepath.Join(opts.ClientDir, OverlayDirName)),
		store:     opts.Store,
		inodes:    newInodeMap(),
		startTime: time.Now(),
	}

	next, clean, err := m.overlay.Open(opts.CreateIfMissing)
	if err != nil {
		return nil, err
	}
	if !clean {
		log.Warnf("[Mount] %s was not shut down cleanly, rescanning overlay", opts.ClientDir)
		next, err = m.overlay.ScanForNextInodeNumber()
		if err != nil {
			m.overlay.Close(0)
			return nil, err
		}
	}
	m.nextIno.Store(uint64(next))

	snapshot, ok, err := readSnapshotFile(m.snapshotPath())
	if err != nil {
		m.overlay.Close(0)
		return nil, err
	}
	if !ok {
		snapshot = opts.InitialSnapshot
		if snapshot.IsZero() {
			snapshot = model.EmptyTree().Hash
		}
	}
	m.snapshot = snapshot

	if err := m.loadRoot(ctx); err != nil {
		m.overlay.Close(0)
		return nil, err
	}
	if !ok {
		if err := writeSnapshotFile(m.snapshotPath(), snapshot); err != nil {
			m.overlay.Close(0)
			return nil, err
		}
	}
	log.Debugf("[Mount] opened %s at %s (next inode %d)", opts.ClientDir, snapshot, next)
	return m, nil
}

func (m *Mount) loadRoot(ctx context.Context) error {
	od, ok, err := m.overlay.LoadDir(model.RootInodeNumber)
	if err != nil {
		return fmt.Errorf("failed to load root directory: %w", err)
	}
	var dir Dir
	if ok {
		dir, err = dirFromOverlay(od)
		if err != nil {
			return err
		}
	} else {
		tree, err := m.getTree(ctx, m.snapshot)
		if err != nil {
			return fmt.Errorf("failed to load root tree: %w", err)
		}
		dir = dirFromTree(tree)
	}
	m.root = newTreeInode(m, model.RootInodeNumber, 0, "", model.DefaultDirMode, dir)
	m.root.recorded.Store(true)
	m.inodes.insert(m.root)
	return nil
}

// Close persists the snapshot and the inode counter and releases the
// overlay lock. Safe to call more than once.
func (m *Mount) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.shutdown(true)
	})
	return m.closeErr
}

// Abandon releases the overlay without persisting the inode counter, as a
// crash would.
func (m *Mount) Abandon() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.shutdown(false)
	})
	return m.closeErr
}

func (m *Mount) shutdown(clean bool) error {
	var errs []error
	for _, n := range m.inodes.all() {
		if f, ok := n.(*FileInode); ok {
			if err := f.closeFile(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	next := model.InodeNumber(0)
	if clean {
		if err := writeSnapshotFile(m.snapshotPath(), m.Snapshot()); err != nil {
			errs = append(errs, err)
		}
		next = m.NextInodeNumber()
	}
	if err := m.overlay.Close(next); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// allocateInodeNumber hands out the next number. Numbers are never reused
// within a session and the counter persisted at Close is above all of them.
func (m *Mount) allocateInodeNumber() model.InodeNumber {
	return model.InodeNumber(m.nextIno.Add(1) - 1)
}

// NextInodeNumber returns the number the next allocation will receive.
func (m *Mount) NextInodeNumber() model.InodeNumber {
	return model.InodeNumber(m.nextIno.Load())
}

func (m *Mount) Root() *TreeInode          { return m.root }
func (m *Mount) Overlay() *overlay.Overlay { return m.overlay }
func (m *Mount) Store() store.ObjectStore  { return m.store }
func (m *Mount) ClientDir() string         { return m.clientDir }

// Snapshot returns the tree the mount is currently checked out at.
func (m *Mount) Snapshot() model.Hash {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snapshot
}

func (m *Mount) setSnapshot(h model.Hash) error {
	m.snapMu.Lock()
	m.snapshot = h
	m.snapMu.Unlock()
	return writeSnapshotFile(m.snapshotPath(), h)
}

func (m *Mount) snapshotPath() string {
	return filepath.Join(m.clientDir, snapshotFileName)
}

// LoadedInodeCount returns the number of nodes in the node table.
func (m *Mount) LoadedInodeCount() int {
	return m.inodes.len()
}

func (m *Mount) getTree(ctx context.Context, h model.Hash) (*model.Tree, error) {
	if empty := model.EmptyTree(); h == empty.Hash {
		return empty, nil
	}
	return m.store.GetTree(ctx, h)
}

// LookupInode returns a loaded node by number.
func (m *Mount) LookupInode(ino model.InodeNumber) (Inode, error) {
	n, ok := m.inodes.lookup(ino)
	if !ok {
		return nil, fmt.Errorf("inode %d: %w", ino, common.ErrNotFound)
	}
	return n, nil
}

func (m *Mount) lookupTree(ino model.InodeNumber) (*TreeInode, error) {
	n, err := m.LookupInode(ino)
	if err != nil {
		return nil, err
	}
	t, ok := n.(*TreeInode)
	if !ok {
		return nil, fmt.Errorf("inode %d: %w", ino, common.ErrNotDir)
	}
	return t, nil
}

func (m *Mount) lookupFile(ino model.InodeNumber) (*FileInode, error) {
	n, err := m.LookupInode(ino)
	if err != nil {
		return nil, err
	}
	f, ok := n.(*FileInode)
	if !ok {
		return nil, fmt.Errorf("inode %d: %w", ino, common.ErrIsDir)
	}
	return f, nil
}

// ResolvePath walks a mount-relative path from the root, loading nodes on
// the way.
func (m *Mount) ResolvePath(ctx context.Context, p string) (Inode, error) {
	parts, err := common.SplitPath(p)
	if err != nil {
		return nil, err
	}
	var cur Inode = m.root
	for i, name := range parts {
		dir, ok := cur.(*TreeInode)
		if !ok {
			return nil, fmt.Errorf("%s: %w", strings.Join(parts[:i], "/"), common.ErrNotDir)
		}
		cur, err = dir.Lookup(ctx, name)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// ResolveDir is ResolvePath for a path that must name a directory.
func (m *Mount) ResolveDir(ctx context.Context, p string) (*TreeInode, error) {
	n, err := m.ResolvePath(ctx, p)
	if err != nil {
		return nil, err
	}
	t, ok := n.(*TreeInode)
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, common.ErrNotDir)
	}
	return t, nil
}

// ParentDir resolves the directory containing p and returns it with the
// final path component.
func (m *Mount) ParentDir(ctx context.Context, p string) (*TreeInode, string, error) {
	norm, err := common.NormalizePath(p)
	if err != nil {
		return nil, "", err
	}
	if norm == "" {
		return nil, "", fmt.Errorf("%q has no parent: %w", p, common.ErrInvalidPath)
	}
	dir, err := m.ResolveDir(ctx, common.ParentPath(norm))
	if err != nil {
		return nil, "", err
	}
	return dir, common.BaseName(norm), nil
}

// propagateMaterialized records in each ancestor that the child below it is
// now overlay backed, stopping at the first recorded directory that already
// knew. Only one directory lock is held at a time.
func (m *Mount) propagateMaterialized(child Inode) error {
	for attempts := 0; attempts < maxPropagateSteps; attempts++ {
		if child.InodeNumber() == model.RootInodeNumber {
			return nil
		}
		parentIno, name, unlinked := child.base().location()
		if unlinked {
			return nil
		}
		parent, err := m.lookupTree(parentIno)
		if err != nil {
			return err
		}
		done, moved, err := parent.childMaterialized(name, child)
		switch {
		case err != nil:
			return err
		case moved:
			// Renamed concurrently; re-read the location.
			continue
		}
		if dir, ok := child.(*TreeInode); ok {
			dir.recorded.Store(true)
		}
		if done {
			return nil
		}
		child = parent
	}
	return fmt.Errorf("materializing inode %d: %w", child.InodeNumber(), common.ErrBusy)
}

const maxPropagateSteps = 4096

// Forget evicts a node from the node table. Only nodes whose state is fully
// reconstructible from the overlay or the store can be forgotten: not the
// root, no loaded children, no open handles.
func (m *Mount) Forget(ino model.InodeNumber) error {
	if ino == model.RootInodeNumber {
		return fmt.Errorf("forget root: %w", common.ErrBusy)
	}
	n, err := m.LookupInode(ino)
	if err != nil {
		return err
	}
	parentIno, name, unlinked := n.base().location()
	if unlinked {
		return m.forgetUnlinked(n)
	}
	parent, err := m.lookupTree(parentIno)
	if err != nil {
		return err
	}
	return parent.forgetChild(name, n)
}

func (m *Mount) forgetUnlinked(n Inode) error {
	switch n := n.(type) {
	case *TreeInode:
		n.mu.Lock()
		busy := n.hasLoadedChildrenLocked()
		n.mu.Unlock()
		if busy {
			return fmt.Errorf("forget inode %d: %w", n.ino, common.ErrBusy)
		}
	case *FileInode:
		if err := n.evict(); err != nil {
			return err
		}
	}
	m.inodes.remove(n.InodeNumber())
	// An unlinked node's record is unreachable; drop it if one was written
	// after the unlink.
	return m.overlay.RemoveFile(n.InodeNumber())
}

// retainNumbers remembers the allocated entry numbers of dir. Callers hold
// dir's lock.
func (m *Mount) retainNumbers(ino model.InodeNumber, dir *Dir) {
	nums := make(map[string]model.InodeNumber)
	dir.ascend(func(e *Entry) bool {
		if e.ino.IsAllocated() {
			nums[e.name] = e.ino
		}
		return true
	})
	if len(nums) == 0 {
		return
	}
	m.retainedMu.Lock()
	defer m.retainedMu.Unlock()
	if m.retained == nil {
		m.retained = make(map[model.InodeNumber]map[string]model.InodeNumber)
	}
	m.retained[ino] = nums
}

// restoreNumbers hands retained numbers back to a freshly loaded dir.
func (m *Mount) restoreNumbers(ino model.InodeNumber, dir *Dir) {
	m.retainedMu.Lock()
	nums, ok := m.retained[ino]
	delete(m.retained, ino)
	m.retainedMu.Unlock()
	if !ok {
		return
	}
	for name, n := range nums {
		if e := dir.get(name); e != nil && !e.ino.IsAllocated() {
			e.ino = n
		}
	}
}

func (m *Mount) dropRetained(ino model.InodeNumber) {
	m.retainedMu.Lock()
	delete(m.retained, ino)
	m.retainedMu.Unlock()
}

func readSnapshotFile(path string) (model.Hash, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return model.ZeroHash, false, nil
	}
	if err != nil {
		return model.ZeroHash, false, fmt.Errorf("failed to read snapshot: %w", err)
	}
	h, err := model.HashFromHex(strings.TrimSpace(string(data)))
	if err != nil {
		return model.ZeroHash, false, fmt.Errorf("%w: snapshot file %s: %v", common.ErrCorrupt, path, err)
	}
	return h, true, nil
}

func writeSnapshotFile(path string, h model.Hash) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(h.String()+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}
