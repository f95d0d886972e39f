package model

import (
	"bytes"
	"fmt"
	"sort"
)

// File mode type bits, matching st_mode.
const (
	ModeDir     uint32 = 0040000
	ModeFile    uint32 = 0100000
	ModeSymlink uint32 = 0120000
	ModeMask    uint32 = 0170000

	ModeExecBits uint32 = 0111
)

// Default permission sets applied to objects projected from trees.
const (
	DefaultDirMode     = ModeDir | 0755
	DefaultFileMode    = ModeFile | 0644
	DefaultExecMode    = ModeFile | 0755
	DefaultSymlinkMode = ModeSymlink | 0777
)

// IsDirMode reports whether mode describes a directory.
func IsDirMode(mode uint32) bool { return mode&ModeMask == ModeDir }

// IsSymlinkMode reports whether mode describes a symbolic link.
func IsSymlinkMode(mode uint32) bool { return mode&ModeMask == ModeSymlink }

// TreeEntryType is the kind of object a TreeEntry points at.
type TreeEntryType uint8

const (
	TreeEntryRegularFile TreeEntryType = iota
	TreeEntryExecutableFile
	TreeEntrySymlink
	TreeEntryTree
)

func (t TreeEntryType) String() string {
	switch t {
	case TreeEntryRegularFile:
		return "file"
	case TreeEntryExecutableFile:
		return "exec"
	case TreeEntrySymlink:
		return "link"
	case TreeEntryTree:
		return "tree"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Mode returns the st_mode an entry of this type is projected with.
func (t TreeEntryType) Mode() uint32 {
	switch t {
	case TreeEntryExecutableFile:
		return DefaultExecMode
	case TreeEntrySymlink:
		return DefaultSymlinkMode
	case TreeEntryTree:
		return DefaultDirMode
	}
	return DefaultFileMode
}

// EntryTypeFromMode maps an st_mode back to the tree entry type that would
// record it. Permission bits other than the executable bits are dropped.
func EntryTypeFromMode(mode uint32) TreeEntryType {
	switch mode & ModeMask {
	case ModeDir:
		return TreeEntryTree
	case ModeSymlink:
		return TreeEntrySymlink
	}
	if mode&ModeExecBits != 0 {
		return TreeEntryExecutableFile
	}
	return TreeEntryRegularFile
}

// TreeEntry is one named child of a Tree.
type TreeEntry struct {
	Name string
	Hash Hash
	Type TreeEntryType
}

// IsTree reports whether the entry refers to a subtree.
func (e TreeEntry) IsTree() bool { return e.Type == TreeEntryTree }

// Mode is shorthand for e.Type.Mode().
func (e TreeEntry) Mode() uint32 { return e.Type.Mode() }

// Tree is an immutable directory listing. Entries are sorted by name.
type Tree struct {
	Hash    Hash
	Entries []TreeEntry
}

// NewTree sorts entries and computes the tree hash.
func NewTree(entries []TreeEntry) (*Tree, error) {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Name == sorted[i-1].Name {
			return nil, fmt.Errorf("duplicate tree entry %q", sorted[i].Name)
		}
	}
	return &Tree{Hash: ComputeTreeHash(sorted), Entries: sorted}, nil
}

// EmptyTree returns the tree with no entries.
func EmptyTree() *Tree {
	return &Tree{Hash: ComputeTreeHash(nil)}
}

// ComputeTreeHash hashes the canonical encoding of sorted entries.
func ComputeTreeHash(sorted []TreeEntry) Hash {
	var buf bytes.Buffer
	buf.WriteString("tree\n")
	for _, e := range sorted {
		buf.WriteString(e.Type.String())
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(e.Hash[:])
	}
	return HashBytes(buf.Bytes())
}

// Entry finds a child by name.
func (t *Tree) Entry(name string) (*TreeEntry, bool) {
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].Name >= name })
	if i < len(t.Entries) && t.Entries[i].Name == name {
		return &t.Entries[i], true
	}
	return nil, false
}

// Blob is an immutable file body.
type Blob struct {
	Hash     Hash
	Contents []byte
}

// NewBlob computes the content address of contents.
func NewBlob(contents []byte) *Blob {
	return &Blob{Hash: HashBytes(contents), Contents: contents}
}
