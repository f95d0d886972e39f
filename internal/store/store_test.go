package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treefs/internal/common"
	"treefs/internal/model"
)

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := NewMemoryStore()
	empty, err := s.GetTree(ctx, model.EmptyTree().Hash)
	require.NoError(t, err)
	assert.Empty(t, empty.Entries)

	blob := model.NewBlob([]byte("hi"))
	require.NoError(t, s.PutBlob(ctx, blob))
	got, err := s.GetBlob(ctx, blob.Hash)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got.Contents))

	_, err = s.GetBlob(ctx, model.HashBytes([]byte("nope")))
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = s.GetTree(ctx, blob.Hash)
	assert.ErrorIs(t, err, common.ErrNotFound)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.GetBlob(canceled, blob.Hash)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBoltStore_Roundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "objects.db")

	s, err := OpenBolt(ctx, path)
	require.NoError(t, err)

	blob := model.NewBlob([]byte("hi"))
	require.NoError(t, s.PutBlob(ctx, blob))
	tree, err := model.NewTree([]model.TreeEntry{
		{Name: "b.txt", Hash: blob.Hash, Type: model.TreeEntryRegularFile},
		{Name: "run.sh", Hash: blob.Hash, Type: model.TreeEntryExecutableFile},
	})
	require.NoError(t, err)
	require.NoError(t, s.PutTree(ctx, tree))
	require.NoError(t, s.SetRef("main", tree.Hash))
	require.NoError(t, s.Close())

	s, err = OpenBolt(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetTree(ctx, tree.Hash)
	require.NoError(t, err)
	assert.Equal(t, tree, got)

	b, err := s.GetBlob(ctx, blob.Hash)
	require.NoError(t, err)
	assert.Equal(t, blob.Contents, b.Contents)

	_, err = s.GetTree(ctx, model.EmptyTree().Hash)
	require.NoError(t, err, "empty tree is always present")

	h, err := s.ResolveRev("main")
	require.NoError(t, err)
	assert.Equal(t, tree.Hash, h)
	h, err = s.ResolveRev(tree.Hash.String())
	require.NoError(t, err)
	assert.Equal(t, tree.Hash, h)
	_, err = s.ResolveRev("missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

type countingStore struct {
	ObjectStore
	treeLoads int
}

func (c *countingStore) GetTree(ctx context.Context, h model.Hash) (*model.Tree, error) {
	c.treeLoads++
	return c.ObjectStore.GetTree(ctx, h)
}

func TestCachingStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	inner := &countingStore{ObjectStore: NewMemoryStore()}
	s := NewCachingStore(inner, 16, 16)
	for i := 0; i < 3; i++ {
		_, err := s.GetTree(ctx, model.EmptyTree().Hash)
		require.NoError(t, err)
	}
	trees, _ := s.Stats()
	if trees.Hits == 0 {
		t.Skip("caching disabled via TREEFS_CACHE=0")
	}
	assert.Equal(t, 1, inner.treeLoads)
	assert.Equal(t, uint64(2), trees.Hits)

	_, err := s.GetBlob(ctx, model.HashBytes([]byte("x")))
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestImportFS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs := memfs.New()
	require.NoError(t, fs.MkdirAll("a/deep", 0755))
	require.NoError(t, fs.MkdirAll(".git", 0755))
	require.NoError(t, util.WriteFile(fs, "a/b.txt", []byte("hi"), 0644))
	require.NoError(t, util.WriteFile(fs, "a/deep/run.sh", []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, util.WriteFile(fs, "top.txt", []byte("top"), 0644))
	require.NoError(t, util.WriteFile(fs, ".git/HEAD", []byte("ref"), 0644))

	s := NewMemoryStore()
	root, err := ImportFS(ctx, fs, "/", s, DefaultImportSkip...)
	require.NoError(t, err)

	rootTree, err := s.GetTree(ctx, root)
	require.NoError(t, err)
	names := []string{}
	for _, e := range rootTree.Entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a", "top.txt"}, names)

	a, ok := rootTree.Entry("a")
	require.True(t, ok)
	require.True(t, a.IsTree())
	aTree, err := s.GetTree(ctx, a.Hash)
	require.NoError(t, err)
	b, ok := aTree.Entry("b.txt")
	require.True(t, ok)
	assert.Equal(t, model.HashBytes([]byte("hi")), b.Hash)
	assert.Equal(t, model.TreeEntryRegularFile, b.Type)

	deep, _ := aTree.Entry("deep")
	deepTree, err := s.GetTree(ctx, deep.Hash)
	require.NoError(t, err)
	run, ok := deepTree.Entry("run.sh")
	require.True(t, ok)
	assert.Equal(t, model.TreeEntryExecutableFile, run.Type)

	again, err := ImportFS(ctx, fs, "/", s, DefaultImportSkip...)
	require.NoError(t, err)
	assert.Equal(t, root, again, "import is deterministic")
}
