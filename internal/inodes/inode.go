package inodes

import (
	"context"
	"sync"
	"time"

	"treefs/internal/common"
	"treefs/internal/model"
)

// Inode is a loaded node of the live tree: a *TreeInode or a *FileInode.
type Inode interface {
	InodeNumber() model.InodeNumber
	// Path returns the mount-relative path, or false once unlinked.
	Path() (string, bool)
	Getattr(ctx context.Context) (Attr, error)
	base() *inodeBase
}

// Attr is what getattr reports for a node.
type Attr struct {
	Ino   model.InodeNumber
	Mode  uint32
	Size  int64
	Nlink uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// IsDir reports whether the attributes describe a directory.
func (a Attr) IsDir() bool { return model.IsDirMode(a.Mode) }

// inodeBase carries identity and the non-owning back-reference to the
// parent. The parent is named by inode number and resolved through the
// mount's node table.
type inodeBase struct {
	ino   model.InodeNumber
	mount *Mount

	locMu    sync.Mutex
	parent   model.InodeNumber
	name     string
	mode     uint32
	unlinked bool
}

func (b *inodeBase) InodeNumber() model.InodeNumber { return b.ino }

func (b *inodeBase) base() *inodeBase { return b }

func (b *inodeBase) location() (parent model.InodeNumber, name string, unlinked bool) {
	b.locMu.Lock()
	defer b.locMu.Unlock()
	return b.parent, b.name, b.unlinked
}

// setLocation is called with the old and new parent directories locked.
func (b *inodeBase) setLocation(parent model.InodeNumber, name string) {
	b.locMu.Lock()
	b.parent, b.name = parent, name
	b.locMu.Unlock()
}

func (b *inodeBase) markUnlinked() {
	b.locMu.Lock()
	b.unlinked = true
	b.locMu.Unlock()
}

func (b *inodeBase) isUnlinked() bool {
	b.locMu.Lock()
	defer b.locMu.Unlock()
	return b.unlinked
}

func (b *inodeBase) getMode() uint32 {
	b.locMu.Lock()
	defer b.locMu.Unlock()
	return b.mode
}

func (b *inodeBase) setMode(mode uint32) {
	b.locMu.Lock()
	b.mode = mode
	b.locMu.Unlock()
}

// Path walks parent back-references up to the root. The result may be
// stale by the time it is returned if a rename races with it.
func (b *inodeBase) Path() (string, bool) {
	var names []string
	cur := b
	for cur.ino != model.RootInodeNumber {
		parent, name, unlinked := cur.location()
		if unlinked {
			return "", false
		}
		names = append(names, name)
		p, ok := b.mount.inodes.lookup(parent)
		if !ok {
			return "", false
		}
		cur = p.base()
	}
	path := ""
	for i := len(names) - 1; i >= 0; i-- {
		path = common.JoinPath(path, names[i])
	}
	return path, true
}

// inodeMap is the mount's node table. It holds every loaded node, including
// unlinked ones that have not been forgotten yet.
type inodeMap struct {
	mu    sync.RWMutex
	nodes map[model.InodeNumber]Inode
}

func newInodeMap() *inodeMap {
	return &inodeMap{nodes: make(map[model.InodeNumber]Inode)}
}

func (m *inodeMap) insert(n Inode) {
	m.mu.Lock()
	m.nodes[n.InodeNumber()] = n
	m.mu.Unlock()
}

func (m *inodeMap) lookup(ino model.InodeNumber) (Inode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[ino]
	return n, ok
}

func (m *inodeMap) remove(ino model.InodeNumber) {
	m.mu.Lock()
	delete(m.nodes, ino)
	m.mu.Unlock()
}

func (m *inodeMap) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

func (m *inodeMap) all() []Inode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Inode, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out
}
