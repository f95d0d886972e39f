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

	log "github.com/sirupsen/logrus"

	"treefs/internal/common"
	"treefs/internal/model"
)

// ConflictKind classifies a path where a local change was kept over an
// upstream change during checkout.
type ConflictKind int

const (
	// ConflictModifiedLocally: upstream changed an entry that has local
	// modifications.
	ConflictModifiedLocally ConflictKind = iota
	// ConflictRemovedUpstream: upstream removed an entry that has local
	// modifications.
	ConflictRemovedUpstream
	// ConflictRemovedLocally: upstream changed an entry the user deleted.
	ConflictRemovedLocally
)

func (k ConflictKind) String() string {
	switch k {
	case ConflictModifiedLocally:
		return "modified locally"
	case ConflictRemovedUpstream:
		return "removed upstream"
	case ConflictRemovedLocally:
		return "removed locally"
	}
	return fmt.Sprintf("conflict(%d)", int(k))
}

// Conflict is one path checkout left in its local state.
type Conflict struct {
	Path string
	Kind ConflictKind
}

// CheckoutResult summarizes a checkout.
type CheckoutResult struct {
	Conflicts []Conflict
}

// Checkout moves the mount onto the tree named by hash. Mirrored content
// follows the new tree; local modifications and deletions are kept and
// reported when upstream also changed them. Each directory is updated in a
// single locked step; cancellation stops before the next directory.
func (m *Mount) Checkout(ctx context.Context, hash model.Hash) (*CheckoutResult, error) {
	m.checkoutMu.Lock()
	defer m.checkoutMu.Unlock()

	tree, err := m.getTree(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkout target %s: %w", hash, err)
	}
	res := &CheckoutResult{}
	if err := m.root.checkout(ctx, "", tree, res); err != nil {
		return res, err
	}
	if err := m.setSnapshot(hash); err != nil {
		return res, err
	}
	log.Infof("[Checkout] %s now at %s (%d conflicts)", m.clientDir, hash, len(res.Conflicts))
	return res, nil
}

type pendingCheckout struct {
	dir  *TreeInode
	path string
	hash model.Hash
}

// pristine reports whether e is unchanged from the tree t was derived from.
func pristine(e *Entry, materializedDir bool, old *model.Tree) bool {
	if !materializedDir {
		return true
	}
	h, ok := e.Hash()
	if !ok || old == nil {
		return false
	}
	oe, found := old.Entry(e.name)
	return found && oe.Hash == h && oe.Mode() == e.mode
}

func sameEntry(a, b *model.TreeEntry) bool {
	return a.Hash == b.Hash && a.Type == b.Type
}

func (t *TreeInode) checkout(ctx context.Context, path string, tree *model.Tree, res *CheckoutResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := t.mount

	t.mu.Lock()
	var old *model.Tree
	if t.contents.materialized && !t.contents.treeHash.IsZero() {
		var err error
		old, err = m.getTree(ctx, t.contents.treeHash)
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("failed to load previous tree of %q: %w", path, err)
		}
	}
	materialized := t.contents.materialized
	changed := t.contents.treeHash != tree.Hash
	var pending []pendingCheckout
	conflict := func(name string, kind ConflictKind) {
		res.Conflicts = append(res.Conflicts, Conflict{Path: common.JoinPath(path, name), Kind: kind})
	}

	for i := range tree.Entries {
		te := &tree.Entries[i]
		e := t.contents.get(te.Name)
		if e == nil {
			if materialized && old != nil {
				if oe, ok := old.Entry(te.Name); ok {
					// Deleted locally.
					if !sameEntry(oe, te) {
						conflict(te.Name, ConflictRemovedLocally)
					}
					continue
				}
			}
			t.contents.put(newTreeEntry(te.Name, te.Mode(), te.Hash))
			changed = true
			continue
		}

		if !pristine(e, materialized, old) {
			if e.IsMaterialized() && e.IsDir() && te.IsTree() {
				n, err := t.getOrLoadChildLocked(ctx, te.Name)
				if err != nil {
					t.mu.Unlock()
					return err
				}
				pending = append(pending, pendingCheckout{n.(*TreeInode), common.JoinPath(path, te.Name), te.Hash})
				continue
			}
			var oe *model.TreeEntry
			if old != nil {
				oe, _ = old.Entry(te.Name)
			}
			if oe == nil || !sameEntry(oe, te) {
				conflict(te.Name, ConflictModifiedLocally)
			}
			continue
		}

		h, _ := e.Hash()
		if h == te.Hash && e.mode == te.Mode() {
			continue
		}
		changed = true
		switch {
		case e.IsDir() && te.IsTree():
			e.backing = TreeBacked{Hash: te.Hash}
			if child, ok := e.inode.(*TreeInode); ok {
				pending = append(pending, pendingCheckout{child, common.JoinPath(path, te.Name), te.Hash})
			}
		case !e.IsDir() && !te.IsTree():
			e.backing = TreeBacked{Hash: te.Hash}
			e.mode = te.Mode()
			if f, ok := e.inode.(*FileInode); ok {
				f.resetBacking(te.Hash, te.Mode())
			}
		default:
			// Type changed; the old node, if loaded, is gone.
			t.contents.remove(te.Name)
			if e.inode != nil {
				e.inode.base().markUnlinked()
			}
			t.contents.put(newTreeEntry(te.Name, te.Mode(), te.Hash))
		}
	}

	var removed []*Entry
	t.contents.ascend(func(e *Entry) bool {
		if _, ok := tree.Entry(e.name); ok {
			return true
		}
		if pristine(e, materialized, old) {
			removed = append(removed, e)
		} else if old != nil {
			if _, ok := old.Entry(e.name); ok {
				conflict(e.name, ConflictRemovedUpstream)
			}
		}
		return true
	})
	for _, e := range removed {
		t.contents.remove(e.name)
		if e.inode != nil {
			e.inode.base().markUnlinked()
		} else if e.IsDir() {
			m.dropRetained(e.ino)
		}
		changed = true
	}

	t.contents.treeHash = tree.Hash
	if materialized && changed {
		if err := t.saveLocked(); err != nil {
			t.mu.Unlock()
			return err
		}
	}
	t.mu.Unlock()

	for _, p := range pending {
		sub, err := m.getTree(ctx, p.hash)
		if err != nil {
			return fmt.Errorf("failed to load tree for %q: %w", p.path, err)
		}
		if err := p.dir.checkout(ctx, p.path, sub, res); err != nil {
			return err
		}
	}
	return nil
}
