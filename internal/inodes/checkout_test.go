package inodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treefs/internal/common"
	"treefs/internal/store"
)

func TestCheckout_PreservesLocalModifications(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemoryStore()
	v1 := importFiles(t, s, map[string]string{
		"a/b.txt":   "one",
		"a/c.txt":   "c",
		"keep.txt":  "keep",
		"gone.txt":  "gone",
		"d/deep.go": "package d",
	})
	v2 := importFiles(t, s, map[string]string{
		"a/b.txt":   "two",
		"a/c.txt":   "c2",
		"keep.txt":  "keep changed",
		"new.txt":   "new",
		"d/deep.go": "package d // v2",
	})
	m := openMount(t, t.TempDir(), s, v1)

	// Loaded but untouched: must follow the new tree.
	assert.Equal(t, "one", readPath(t, m, "a/b.txt"))
	writePath(t, m, "a/c.txt", "mine")
	require.NoError(t, m.Root().Unlink(ctx, "keep.txt"))

	res, err := m.Checkout(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, v2, m.Snapshot())

	assert.Equal(t, "two", readPath(t, m, "a/b.txt"))
	assert.Equal(t, "mine", readPath(t, m, "a/c.txt"))
	assert.Equal(t, "new", readPath(t, m, "new.txt"))
	assert.Equal(t, "package d // v2", readPath(t, m, "d/deep.go"))
	_, err = m.ResolvePath(ctx, "gone.txt")
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = m.ResolvePath(ctx, "keep.txt")
	assert.ErrorIs(t, err, common.ErrNotFound, "local deletion survives checkout")

	assert.ElementsMatch(t, []Conflict{
		{Path: "a/c.txt", Kind: ConflictModifiedLocally},
		{Path: "keep.txt", Kind: ConflictRemovedLocally},
	}, res.Conflicts)
}

func TestCheckout_RemovedUpstreamKeepsLocalFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemoryStore()
	v1 := importFiles(t, s, map[string]string{"a/x.txt": "x", "a/y.txt": "y"})
	v2 := importFiles(t, s, map[string]string{"a/y.txt": "y"})
	m := openMount(t, t.TempDir(), s, v1)

	writePath(t, m, "a/x.txt", "edited")
	writePath(t, m, "a/local.txt", "untracked")

	res, err := m.Checkout(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, "edited", readPath(t, m, "a/x.txt"))
	assert.Equal(t, "untracked", readPath(t, m, "a/local.txt"))
	assert.Equal(t, "y", readPath(t, m, "a/y.txt"))
	assert.Equal(t, []Conflict{{Path: "a/x.txt", Kind: ConflictRemovedUpstream}}, res.Conflicts)

	// Back to v1: x reappears upstream but the local edit stays.
	res, err = m.Checkout(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, "edited", readPath(t, m, "a/x.txt"))
	assert.Equal(t, []Conflict{{Path: "a/x.txt", Kind: ConflictModifiedLocally}}, res.Conflicts)
}

func TestCheckout_UnmaterializedTreeIsReplaced(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemoryStore()
	v1 := importFiles(t, s, map[string]string{"a/b/c.txt": "c", "top": "t"})
	v2 := importFiles(t, s, map[string]string{"a/b/c.txt": "c2", "a/b/d.txt": "d"})
	m := openMount(t, t.TempDir(), s, v1)

	b, err := m.ResolveDir(ctx, "a/b")
	require.NoError(t, err)
	res, err := m.Checkout(ctx, v2)
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)
	assert.False(t, m.Root().IsMaterialized(), "mirrored trees stay virtual")
	assert.Equal(t, "c2", readPath(t, m, "a/b/c.txt"))
	assert.Equal(t, "d", readPath(t, m, "a/b/d.txt"))
	assert.Len(t, b.Snapshot().Entries, 2)
	_, err = m.ResolvePath(ctx, "top")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCheckout_Canceled(t *testing.T) {
	t.Parallel()
	s := store.NewMemoryStore()
	v1 := importFiles(t, s, map[string]string{"a.txt": "a"})
	v2 := importFiles(t, s, map[string]string{"b.txt": "b"})
	m := openMount(t, t.TempDir(), s, v1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Checkout(ctx, v2)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, v1, m.Snapshot())
}
