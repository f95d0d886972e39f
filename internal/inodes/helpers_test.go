package inodes

import (
	"context"
	"path"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/require"

	"treefs/internal/model"
	"treefs/internal/store"
)

// importFiles builds a tree from path -> content. A path ending in "/" is
// an empty directory.
func importFiles(t *testing.T, s store.Writer, files map[string]string) model.Hash {
	t.Helper()
	fs := memfs.New()
	for p, content := range files {
		if strings.HasSuffix(p, "/") {
			require.NoError(t, fs.MkdirAll(p, 0755))
			continue
		}
		require.NoError(t, fs.MkdirAll(path.Dir(p), 0755))
		require.NoError(t, util.WriteFile(fs, p, []byte(content), 0644))
	}
	h, err := store.ImportFS(context.Background(), fs, "/", s)
	require.NoError(t, err)
	return h
}

func openMount(t *testing.T, clientDir string, s store.ObjectStore, snapshot model.Hash) *Mount {
	t.Helper()
	m, err := Open(context.Background(), Options{
		ClientDir:       clientDir,
		Store:           s,
		InitialSnapshot: snapshot,
		CreateIfMissing: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func readPath(t *testing.T, m *Mount, p string) string {
	t.Helper()
	n, err := m.ResolvePath(context.Background(), p)
	require.NoError(t, err)
	f, ok := n.(*FileInode)
	require.True(t, ok, "%s is not a file", p)
	data, err := f.ReadAll(context.Background())
	require.NoError(t, err)
	return string(data)
}

func writePath(t *testing.T, m *Mount, p, content string) *FileInode {
	t.Helper()
	ctx := context.Background()
	dir, name, err := m.ParentDir(ctx, p)
	require.NoError(t, err)
	f, err := dir.Create(ctx, name, 0644, false)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(ctx, 0))
	_, err = f.Write(ctx, []byte(content), 0)
	require.NoError(t, err)
	return f
}
