package inodes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treefs/internal/common"
	"treefs/internal/model"
	"treefs/internal/store"
)

func TestDispatcher_FileLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemoryStore()
	snap := importFiles(t, s, map[string]string{"docs/readme": "read me"})
	m := openMount(t, t.TempDir(), s, snap)
	d := NewDispatcher(m)

	docs, err := d.Lookup(ctx, model.RootInodeNumber, "docs")
	require.NoError(t, err)
	assert.True(t, docs.IsDir())

	attr, h, err := d.Create(ctx, docs.Ino, "new.txt", 0640, os.O_RDWR|os.O_CREATE|os.O_EXCL)
	require.NoError(t, err)
	assert.Equal(t, model.ModeFile|0640, attr.Mode)
	_, _, err = d.Create(ctx, docs.Ino, "new.txt", 0640, os.O_RDWR|os.O_CREATE|os.O_EXCL)
	assert.Equal(t, syscall.EEXIST, Errno(err))

	n, err := d.Write(ctx, h, []byte("abc"), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	data, err := d.Read(ctx, h, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, "bc", string(data))
	require.NoError(t, d.Release(h))
	assert.Equal(t, syscall.EBADF, Errno(d.Release(h)))

	readme, err := d.Lookup(ctx, docs.Ino, "readme")
	require.NoError(t, err)
	rh, err := d.Open(ctx, readme.Ino, os.O_RDONLY)
	require.NoError(t, err)
	_, err = d.Write(ctx, rh, []byte("x"), 0)
	assert.ErrorIs(t, err, common.ErrInvalidHandle)
	require.NoError(t, d.Release(rh))

	ah, err := d.Open(ctx, readme.Ino, os.O_WRONLY|os.O_APPEND)
	require.NoError(t, err)
	_, err = d.Write(ctx, ah, []byte("!"), 0)
	require.NoError(t, err)
	require.NoError(t, d.Release(ah))
	assert.Equal(t, "read me!", readPath(t, m, "docs/readme"))

	require.NoError(t, d.Rename(ctx, docs.Ino, "new.txt", model.RootInodeNumber, "moved.txt"))
	require.NoError(t, d.Unlink(ctx, model.RootInodeNumber, "moved.txt"))
	_, err = d.Lookup(ctx, model.RootInodeNumber, "moved.txt")
	assert.Equal(t, syscall.ENOENT, Errno(err))
	assert.Equal(t, 0, d.Handles().Count())
}

func TestDispatcher_DirectoriesAndLinks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := openMount(t, t.TempDir(), store.NewMemoryStore(), model.ZeroHash)
	d := NewDispatcher(m)

	sub, err := d.Mkdir(ctx, model.RootInodeNumber, "sub", 0700)
	require.NoError(t, err)
	assert.Equal(t, model.ModeDir|0700, sub.Mode)
	for i := 0; i < 5; i++ {
		_, h, err := d.Create(ctx, sub.Ino, fmt.Sprintf("f%d", i), 0644, os.O_RDWR|os.O_CREATE)
		require.NoError(t, err)
		require.NoError(t, d.Release(h))
	}
	link, err := d.Symlink(ctx, sub.Ino, "link", "f0")
	require.NoError(t, err)
	target, err := d.Readlink(ctx, link.Ino)
	require.NoError(t, err)
	assert.Equal(t, "f0", target)

	dh, err := d.OpenDir(ctx, sub.Ino)
	require.NoError(t, err)
	var names []string
	for {
		page, err := d.Readdir(ctx, dh, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			names = append(names, e.Name)
		}
	}
	require.NoError(t, d.Release(dh))
	assert.Equal(t, []string{"f0", "f1", "f2", "f3", "f4", "link"}, names)

	assert.Equal(t, syscall.ENOTEMPTY, Errno(d.Rmdir(ctx, model.RootInodeNumber, "sub")))
	_, err = d.OpenDir(ctx, link.Ino)
	assert.Equal(t, syscall.ENOTDIR, Errno(err))
	_, err = d.Open(ctx, sub.Ino, os.O_RDONLY)
	assert.Equal(t, syscall.EISDIR, Errno(err))
}

func TestDispatcher_ForgetWithOpenHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := openMount(t, t.TempDir(), store.NewMemoryStore(), model.ZeroHash)
	d := NewDispatcher(m)

	attr, h, err := d.Create(ctx, model.RootInodeNumber, "f", 0644, os.O_RDWR|os.O_CREATE)
	require.NoError(t, err)
	assert.Equal(t, syscall.EBUSY, Errno(d.Forget(attr.Ino)))
	require.NoError(t, d.Release(h))
	require.NoError(t, d.Forget(attr.Ino))
	_, err = d.Getattr(ctx, attr.Ino)
	assert.Equal(t, syscall.ENOENT, Errno(err))
}

func TestErrno(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{fmt.Errorf("x: %w", common.ErrNotFound), syscall.ENOENT},
		{fmt.Errorf("x: %w", common.ErrExists), syscall.EEXIST},
		{common.ErrNotEmpty, syscall.ENOTEMPTY},
		{common.ErrInvalidPath, syscall.EINVAL},
		{fmt.Errorf("x: %w", common.ErrCorrupt), syscall.EIO},
		{context.Canceled, syscall.EINTR},
		{syscall.EROFS, syscall.EROFS},
		{errors.New("mystery"), syscall.EIO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Errno(tt.err), "%v", tt.err)
	}
}

func TestHandleManager(t *testing.T) {
	t.Parallel()
	hm := NewHandleManager()
	h1 := hm.Allocate(10, false, os.O_RDONLY)
	h2 := hm.Allocate(11, true, os.O_RDONLY)
	assert.NotEqual(t, h1, h2)

	info, ok := hm.Get(h1)
	require.True(t, ok)
	assert.Equal(t, model.InodeNumber(10), info.ino)
	hm.UpdateDirPos(h2, 7)
	info, _ = hm.Get(h2)
	assert.Equal(t, 7, info.dirPos)

	_, ok = hm.Release(h1)
	assert.True(t, ok)
	_, ok = hm.Get(h1)
	assert.False(t, ok)
	assert.Equal(t, 1, hm.Count())
	h3 := hm.Allocate(12, false, 0)
	assert.Greater(t, h3, h2, "ids are not reused after release")
}
