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
	"github.com/google/btree"

	"treefs/internal/model"
	"treefs/internal/overlay"
)

// Backing says where an entry's content comes from. It is exactly one of
// TreeBacked or OverlayBacked.
type Backing interface {
	isBacking()
}

// TreeBacked content is derived from an immutable object in the store.
type TreeBacked struct {
	Hash model.Hash
}

// OverlayBacked content lives in the overlay under the entry's inode number.
type OverlayBacked struct{}

func (TreeBacked) isBacking()    {}
func (OverlayBacked) isBacking() {}

// Entry is one child slot of a directory.
type Entry struct {
	name    string
	mode    uint32
	ino     model.InodeNumber // zero until the child is first addressed
	backing Backing
	inode   Inode // loaded child node, owned by the directory
}

func newTreeEntry(name string, mode uint32, hash model.Hash) *Entry {
	return &Entry{name: name, mode: mode, backing: TreeBacked{Hash: hash}}
}

func newOverlayEntry(name string, mode uint32, ino model.InodeNumber) *Entry {
	return &Entry{name: name, mode: mode, ino: ino, backing: OverlayBacked{}}
}

func (e *Entry) Name() string                   { return e.name }
func (e *Entry) Mode() uint32                   { return e.mode }
func (e *Entry) InodeNumber() model.InodeNumber { return e.ino }
func (e *Entry) Backing() Backing               { return e.backing }
func (e *Entry) IsDir() bool                    { return model.IsDirMode(e.mode) }

// IsMaterialized reports whether the entry is overlay backed.
func (e *Entry) IsMaterialized() bool {
	_, ok := e.backing.(OverlayBacked)
	return ok
}

// Hash returns the object hash of a tree backed entry.
func (e *Entry) Hash() (model.Hash, bool) {
	if tb, ok := e.backing.(TreeBacked); ok {
		return tb.Hash, true
	}
	return model.ZeroHash, false
}

func entryLess(a, b *Entry) bool { return a.name < b.name }

const dirDegree = 8

// Dir is the in-memory listing of one directory, ordered by name.
type Dir struct {
	entries *btree.BTreeG[*Entry]
	// treeHash is the tree this directory was derived from; zero if it was
	// created locally.
	treeHash model.Hash
	// materialized is false while the entries exactly mirror treeHash.
	materialized bool
}

func newDir() Dir {
	return Dir{entries: btree.NewG(dirDegree, entryLess)}
}

func dirFromTree(tree *model.Tree) Dir {
	d := newDir()
	d.treeHash = tree.Hash
	for _, te := range tree.Entries {
		d.entries.ReplaceOrInsert(newTreeEntry(te.Name, te.Mode(), te.Hash))
	}
	return d
}

func dirFromOverlay(od *overlay.Dir) (Dir, error) {
	d := newDir()
	d.materialized = true
	if len(od.TreeHash) != 0 {
		h, err := model.HashFromBytes(od.TreeHash)
		if err != nil {
			return Dir{}, err
		}
		d.treeHash = h
	}
	for name, de := range od.Entries {
		if de.IsMaterialized() {
			d.entries.ReplaceOrInsert(newOverlayEntry(name, de.Mode, de.InodeNumber))
			continue
		}
		h, err := model.HashFromBytes(de.Hash)
		if err != nil {
			return Dir{}, err
		}
		e := newTreeEntry(name, de.Mode, h)
		e.ino = de.InodeNumber
		d.entries.ReplaceOrInsert(e)
	}
	return d, nil
}

func (d *Dir) toOverlay() *overlay.Dir {
	od := &overlay.Dir{Entries: make(map[string]overlay.DirEntry, d.entries.Len())}
	if !d.treeHash.IsZero() {
		th := d.treeHash
		od.TreeHash = th[:]
	}
	d.entries.Ascend(func(e *Entry) bool {
		de := overlay.DirEntry{Mode: e.mode, InodeNumber: e.ino}
		if tb, ok := e.backing.(TreeBacked); ok {
			h := tb.Hash
			de.Hash = h[:]
		}
		od.Entries[e.name] = de
		return true
	})
	return od
}

func (d *Dir) get(name string) *Entry {
	e, _ := d.entries.Get(&Entry{name: name})
	return e
}

func (d *Dir) put(e *Entry) {
	d.entries.ReplaceOrInsert(e)
}

func (d *Dir) remove(name string) *Entry {
	e, _ := d.entries.Delete(&Entry{name: name})
	return e
}

func (d *Dir) len() int { return d.entries.Len() }

func (d *Dir) ascend(fn func(e *Entry) bool) {
	d.entries.Ascend(fn)
}
