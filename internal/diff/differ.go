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

// Package diff compares a live mount against a historical tree and reports
// which paths were added, modified, removed or ignored.
package diff

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"treefs/internal/common"
	"treefs/internal/inodes"
	"treefs/internal/model"
)

const gitignoreName = ".gitignore"

// Options tunes a diff.
type Options struct {
	// ListIgnored reports ignored untracked files instead of omitting them.
	ListIgnored bool
	// SystemIgnore and UserIgnore are extra gitignore lines applied from
	// the root, in addition to .gitignore files found in the tree.
	SystemIgnore []string
	UserIgnore   []string
	// Parallelism bounds concurrently walked subtrees; 0 means GOMAXPROCS.
	Parallelism int
}

// DiffMountForStatus diffs m against the tree hash and collects the result.
// Per-path failures land in Status.Errors; the returned error is reserved
// for failures of the walk itself, such as cancellation.
func DiffMountForStatus(ctx context.Context, m *inodes.Mount, hash model.Hash, opts Options) (*Status, error) {
	cb := newStatusCallback()
	if err := Diff(ctx, m, hash, cb, opts); err != nil {
		return nil, err
	}
	return cb.extract(), nil
}

// Diff walks m and the tree hash in lock-step by name and reports every
// difference to cb. Reporting order is unspecified.
func Diff(ctx context.Context, m *inodes.Mount, hash model.Hash, cb Callback, opts Options) error {
	tree, err := getTree(ctx, m, hash)
	if err != nil {
		return fmt.Errorf("failed to load tree %s: %w", hash, err)
	}
	limit := opts.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	d := &differ{
		ctx:         gctx,
		mount:       m,
		cb:          cb,
		listIgnored: opts.ListIgnored,
		g:           g,
	}
	var rules *ignoreRules
	rules = rules.push("", opts.SystemIgnore)
	rules = rules.push("", opts.UserIgnore)

	err = d.spawn(func() error {
		return d.diffDir("", m.Root(), tree, rules, false)
	})
	if werr := g.Wait(); err == nil {
		err = werr
	}
	if err != nil {
		return err
	}
	log.Debugf("[Diff] %s against %s done", m.ClientDir(), hash)
	return nil
}

func getTree(ctx context.Context, m *inodes.Mount, h model.Hash) (*model.Tree, error) {
	if empty := model.EmptyTree(); h == empty.Hash {
		return empty, nil
	}
	return m.Store().GetTree(ctx, h)
}

type differ struct {
	ctx         context.Context
	mount       *inodes.Mount
	cb          Callback
	listIgnored bool
	g           *errgroup.Group
}

// spawn runs fn on the errgroup, or inline when the group is at its limit.
// Only cancellation is returned as an error; everything else is reported
// through the callback.
func (d *differ) spawn(fn func() error) error {
	if d.g.TryGo(fn) {
		return nil
	}
	return fn()
}

func (d *differ) canceled() error {
	return context.Cause(d.ctx)
}

// diffDir compares a live directory with the tree recorded for the same
// path. ignored says that untracked children are ignored because an
// ancestor directory is.
func (d *differ) diffDir(path string, dir *inodes.TreeInode, tree *model.Tree, rules *ignoreRules, ignored bool) error {
	if err := d.canceled(); err != nil {
		return err
	}
	snap := dir.Snapshot()
	if !snap.Materialized && snap.TreeHash == tree.Hash {
		return nil
	}
	rules = d.loadGitignore(path, dir, snap, rules)

	live, hist := snap.Entries, tree.Entries
	i, j := 0, 0
	for i < len(live) || j < len(hist) {
		var err error
		switch {
		case j >= len(hist) || (i < len(live) && live[i].Name < hist[j].Name):
			err = d.added(path, dir, live[i], rules, ignored)
			i++
		case i >= len(live) || hist[j].Name < live[i].Name:
			err = d.removed(common.JoinPath(path, hist[j].Name), hist[j])
			j++
		default:
			err = d.both(path, dir, live[i], hist[j], rules)
			i++
			j++
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// loadGitignore extends rules with the directory's own .gitignore, if any.
func (d *differ) loadGitignore(path string, dir *inodes.TreeInode, snap inodes.DirSnapshot, rules *ignoreRules) *ignoreRules {
	found := false
	for _, e := range snap.Entries {
		if e.Name == gitignoreName && !model.IsDirMode(e.Mode) {
			found = true
			break
		}
	}
	if !found {
		return rules
	}
	p := common.JoinPath(path, gitignoreName)
	data, err := d.readFile(dir, gitignoreName)
	if err != nil {
		d.cb.DiffError(p, err)
		return rules
	}
	return rules.push(path, splitLines(data))
}

func (d *differ) readFile(dir *inodes.TreeInode, name string) ([]byte, error) {
	n, err := dir.Lookup(d.ctx, name)
	if err != nil {
		return nil, err
	}
	f, ok := n.(*inodes.FileInode)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, common.ErrIsDir)
	}
	return f.ReadAll(d.ctx)
}

func (d *differ) lookupDir(dir *inodes.TreeInode, name string) (*inodes.TreeInode, error) {
	n, err := dir.Lookup(d.ctx, name)
	if err != nil {
		return nil, err
	}
	child, ok := n.(*inodes.TreeInode)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, common.ErrNotDir)
	}
	return child, nil
}

// added reports an entry that exists only in the live tree.
func (d *differ) added(parent string, dir *inodes.TreeInode, e inodes.EntrySnapshot, rules *ignoreRules, ignored bool) error {
	path := common.JoinPath(parent, e.Name)
	isDir := model.IsDirMode(e.Mode)
	ignored = ignored || rules.isIgnored(path, isDir)
	if ignored && !d.listIgnored {
		return nil
	}
	if !isDir {
		if ignored {
			d.cb.IgnoredFile(path)
		} else {
			d.cb.UntrackedFile(path)
		}
		return nil
	}
	child, err := d.lookupDir(dir, e.Name)
	if err != nil {
		return d.report(path, err)
	}
	return d.spawn(func() error {
		return d.addedDir(path, child, rules, ignored)
	})
}

func (d *differ) addedDir(path string, dir *inodes.TreeInode, rules *ignoreRules, ignored bool) error {
	if err := d.canceled(); err != nil {
		return err
	}
	snap := dir.Snapshot()
	rules = d.loadGitignore(path, dir, snap, rules)
	for _, e := range snap.Entries {
		if err := d.added(path, dir, e, rules, ignored); err != nil {
			return err
		}
	}
	return nil
}

// removed reports an entry that exists only in the historical tree, and
// for a subtree every file below it.
func (d *differ) removed(path string, te model.TreeEntry) error {
	if !te.IsTree() {
		d.cb.RemovedFile(path, te)
		return nil
	}
	return d.spawn(func() error {
		if err := d.canceled(); err != nil {
			return err
		}
		tree, err := getTree(d.ctx, d.mount, te.Hash)
		if err != nil {
			return d.report(path, err)
		}
		for _, child := range tree.Entries {
			if err := d.removed(common.JoinPath(path, child.Name), child); err != nil {
				return err
			}
		}
		return nil
	})
}

// both compares an entry present on both sides.
func (d *differ) both(parent string, dir *inodes.TreeInode, e inodes.EntrySnapshot, te model.TreeEntry, rules *ignoreRules) error {
	path := common.JoinPath(parent, e.Name)
	liveIsDir := model.IsDirMode(e.Mode)

	switch {
	case liveIsDir && te.IsTree():
		if !e.Materialized && e.Hash == te.Hash {
			return nil
		}
		child, err := d.lookupDir(dir, e.Name)
		if err != nil {
			return d.report(path, err)
		}
		return d.spawn(func() error {
			tree, err := getTree(d.ctx, d.mount, te.Hash)
			if err != nil {
				return d.report(path, err)
			}
			// Tracked directories are never ignored, but untracked files
			// under one that matches a rule are.
			return d.diffDir(path, child, tree, rules, rules.isIgnored(path, true))
		})
	case liveIsDir || te.IsTree():
		// The type changed: everything on the old side is removed and
		// everything on the new side is untracked.
		if err := d.removed(path, te); err != nil {
			return err
		}
		return d.added(parent, dir, e, rules, false)
	}

	if model.EntryTypeFromMode(e.Mode) != te.Type {
		d.cb.ModifiedFile(path, te)
		return nil
	}
	if !e.Materialized {
		if e.Hash != te.Hash {
			d.cb.ModifiedFile(path, te)
		}
		return nil
	}
	// Materialized content may still be identical to the tree.
	n, err := dir.Lookup(d.ctx, e.Name)
	if err != nil {
		return d.report(path, err)
	}
	f, ok := n.(*inodes.FileInode)
	if !ok {
		return d.report(path, fmt.Errorf("%s: %w", e.Name, common.ErrIsDir))
	}
	h, err := f.ContentHash(d.ctx)
	if err != nil {
		return d.report(path, err)
	}
	if h != te.Hash {
		d.cb.ModifiedFile(path, te)
	}
	return nil
}

// report hands a per-path error to the callback, unless the walk itself was
// canceled.
func (d *differ) report(path string, err error) error {
	if cerr := d.canceled(); cerr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return cerr
	}
	d.cb.DiffError(path, err)
	return nil
}
