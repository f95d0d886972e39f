package overlay

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treefs/internal/common"
	"treefs/internal/model"
)

func openNew(t *testing.T) (*Overlay, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "local")
	o := New(dir)
	next, clean, err := o.Open(true)
	require.NoError(t, err)
	require.True(t, clean)
	require.Equal(t, model.RootInodeNumber+1, next)
	return o, dir
}

func TestOpen_CreatesLayout(t *testing.T) {
	t.Parallel()

	o, dir := openNew(t)
	defer o.Close(model.RootInodeNumber + 1)

	assert.True(t, o.Initialized())
	for _, shard := range []string{"00", "7f", "ff", tmpDir} {
		info, err := os.Stat(filepath.Join(dir, shard))
		require.NoError(t, err, "shard %s", shard)
		assert.True(t, info.IsDir())
	}
	data, err := os.ReadFile(filepath.Join(dir, infoFile))
	require.NoError(t, err)
	assert.Len(t, data, infoFileLength)
	assert.Equal(t, infoHeaderMagic, data[:4])
}

func TestOpen_MissingWithoutCreate(t *testing.T) {
	t.Parallel()

	o := New(filepath.Join(t.TempDir(), "nope"))
	_, _, err := o.Open(false)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.False(t, o.Initialized())
}

func TestOpen_SecondSessionFailsFast(t *testing.T) {
	t.Parallel()

	o, dir := openNew(t)

	other := New(dir)
	_, _, err := other.Open(false)
	require.ErrorIs(t, err, common.ErrOverlayLocked)

	require.NoError(t, o.Close(10))
	next, clean, err := other.Open(false)
	require.NoError(t, err)
	assert.True(t, clean)
	assert.Equal(t, model.InodeNumber(10), next)
	require.NoError(t, other.Close(next))
}

func TestClose_PersistsCounter(t *testing.T) {
	t.Parallel()

	o, dir := openNew(t)
	require.NoError(t, o.Close(42))

	o = New(dir)
	next, clean, err := o.Open(false)
	require.NoError(t, err)
	assert.True(t, clean)
	assert.Equal(t, model.InodeNumber(42), next)

	// The counter is consumed at open so a crash cannot reuse it.
	_, err = os.Stat(filepath.Join(dir, nextInodeNumberFile))
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, o.Close(next))
}

func TestOpen_EmptyInfoFromInterruptedCreate(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "local")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, infoFile), nil, 0644))

	_, _, err := New(dir).Open(false)
	require.ErrorIs(t, err, common.ErrNotFound)

	o := New(dir)
	next, clean, err := o.Open(true)
	require.NoError(t, err)
	assert.True(t, clean)
	assert.Equal(t, model.RootInodeNumber+1, next)
	require.NoError(t, o.Close(next))

	// The reinitialized overlay opens like any other.
	o = New(dir)
	_, _, err = o.Open(false)
	require.NoError(t, err)
	require.NoError(t, o.Close(next))
}

func TestCrashRecovery_Rescan(t *testing.T) {
	t.Parallel()

	t.Run("no records", func(t *testing.T) {
		t.Parallel()
		o, dir := openNew(t)
		require.NoError(t, o.Close(0)) // release the lock without a counter

		o = New(dir)
		_, clean, err := o.Open(false)
		require.NoError(t, err)
		require.False(t, clean)
		next, err := o.ScanForNextInodeNumber()
		require.NoError(t, err)
		assert.Equal(t, model.RootInodeNumber+1, next)
		require.NoError(t, o.Close(next))
	})

	t.Run("with records", func(t *testing.T) {
		t.Parallel()
		o, dir := openNew(t)
		f, err := o.CreateFile(7, []byte("x"), time.Now())
		require.NoError(t, err)
		f.Close()
		require.NoError(t, o.SaveDir(300, &Dir{Entries: map[string]DirEntry{}}))
		require.NoError(t, o.SaveDir(model.RootInodeNumber, &Dir{Entries: map[string]DirEntry{
			"x": {Mode: model.DefaultFileMode, InodeNumber: 7},
		}}))
		require.NoError(t, o.Close(0))

		o = New(dir)
		_, clean, err := o.Open(false)
		require.NoError(t, err)
		require.False(t, clean)
		next, err := o.ScanForNextInodeNumber()
		require.NoError(t, err)
		assert.Equal(t, model.InodeNumber(301), next)
		require.NoError(t, o.Close(next))
	})
}

func TestOpen_CorruptInfoAndCounter(t *testing.T) {
	t.Parallel()

	t.Run("bad magic", func(t *testing.T) {
		t.Parallel()
		o, dir := openNew(t)
		require.NoError(t, o.Close(5))
		require.NoError(t, os.WriteFile(filepath.Join(dir, infoFile), []byte("garbage!"), 0644))
		_, _, err := New(dir).Open(false)
		assert.ErrorIs(t, err, common.ErrCorrupt)
	})

	t.Run("short counter", func(t *testing.T) {
		t.Parallel()
		o, dir := openNew(t)
		require.NoError(t, o.Close(5))
		require.NoError(t, os.WriteFile(filepath.Join(dir, nextInodeNumberFile), []byte{1, 2}, 0644))
		o = New(dir)
		_, _, err := o.Open(false)
		assert.ErrorIs(t, err, common.ErrCorrupt)
		assert.False(t, o.Initialized(), "a failed open must not keep the lock")
	})
}

func TestDir_Roundtrip(t *testing.T) {
	t.Parallel()

	o, _ := openNew(t)
	defer o.Close(100)

	blob := model.HashBytes([]byte("hi"))
	tree := model.EmptyTree().Hash
	tests := []struct {
		name string
		dir  *Dir
	}{
		{"empty", &Dir{Entries: map[string]DirEntry{}}},
		{"local", &Dir{Entries: map[string]DirEntry{
			"b.txt": {Mode: model.ModeFile | 0644, InodeNumber: 12},
		}}},
		{"mixed", &Dir{
			Entries: map[string]DirEntry{
				"b.txt":  {Mode: model.ModeFile | 0644, InodeNumber: 12},
				"lib":    {Mode: model.DefaultDirMode, Hash: tree[:]},
				"go.mod": {Mode: model.DefaultFileMode, InodeNumber: 13, Hash: blob[:]},
			},
			TreeHash: tree[:],
		}},
	}

	for i, tt := range tests {
		ino := model.InodeNumber(20 + i)
		require.NoError(t, o.SaveDir(ino, tt.dir), tt.name)
		got, ok, err := o.LoadDir(ino)
		require.NoError(t, err, tt.name)
		require.True(t, ok, tt.name)
		assert.Equal(t, tt.dir, got, tt.name)
	}
}

func TestDir_Missing(t *testing.T) {
	t.Parallel()

	o, _ := openNew(t)
	defer o.Close(3)

	d, ok, err := o.LoadDir(99)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, d)
	assert.False(t, o.HasRecord(99))
}

func TestDir_RejectsUnbackedEntry(t *testing.T) {
	t.Parallel()

	o, _ := openNew(t)
	defer o.Close(3)

	err := o.SaveDir(2, &Dir{Entries: map[string]DirEntry{"x": {Mode: model.DefaultFileMode}}})
	assert.ErrorIs(t, err, common.ErrCorrupt)
	assert.False(t, o.HasRecord(2))
}

func TestRecords_Corruption(t *testing.T) {
	t.Parallel()

	o, _ := openNew(t)
	defer o.Close(100)

	f, err := o.CreateFile(5, []byte("hi"), time.Now())
	require.NoError(t, err)
	f.Close()

	t.Run("wrong type", func(t *testing.T) {
		_, _, err := o.LoadDir(5)
		var ce *CorruptionError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, model.InodeNumber(5), ce.Inode)
		assert.ErrorIs(t, err, common.ErrCorrupt)
	})

	t.Run("truncated header", func(t *testing.T) {
		require.NoError(t, os.WriteFile(o.RecordPath(6), []byte("OVFL"), 0600))
		_, _, err := o.OpenFile(6, HeaderIdentifierFile)
		assert.ErrorIs(t, err, common.ErrCorrupt)
	})

	t.Run("bad version", func(t *testing.T) {
		h := NewHeader(HeaderIdentifierDir, time.Now())
		h.Version = 9
		require.NoError(t, os.WriteFile(o.RecordPath(8), h.Encode(), 0600))
		_, _, err := o.LoadDir(8)
		assert.ErrorIs(t, err, common.ErrCorrupt)
	})

	t.Run("check reports each bad record", func(t *testing.T) {
		faults, err := o.Check()
		require.NoError(t, err)
		bad := map[model.InodeNumber]bool{}
		for _, f := range faults {
			bad[f.Inode] = true
		}
		assert.Equal(t, map[model.InodeNumber]bool{6: true, 8: true}, bad)
	})
}

func TestCreateFile_ContentsAndHeader(t *testing.T) {
	t.Parallel()

	o, _ := openNew(t)
	defer o.Close(100)

	now := time.Unix(1700000000, 1234)
	f, err := o.CreateFile(0x1ff, []byte("hi"), now)
	require.NoError(t, err)
	f.Close()
	assert.Equal(t, filepath.Join(o.LocalDir(), "ff", "511"), o.RecordPath(0x1ff))

	f, h, err := o.OpenFile(0x1ff, HeaderIdentifierFile)
	require.NoError(t, err)
	defer f.Close()
	assert.True(t, now.Equal(h.Mtime))
	assert.Equal(t, HeaderVersion, h.Version)

	_, err = f.Seek(HeaderLength, io.SeekStart)
	require.NoError(t, err)
	body, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(body))

	require.NoError(t, o.RemoveFile(0x1ff))
	require.NoError(t, o.RemoveFile(0x1ff), "removing twice is not an error")
	_, _, err = o.OpenFile(0x1ff, HeaderIdentifierFile)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestWriteAtomic_LeavesNoStagingFiles(t *testing.T) {
	t.Parallel()

	o, dir := openNew(t)
	defer o.Close(model.RootInodeNumber + 1)

	dest := filepath.Join(dir, shardName(9), "9")
	f, err := o.writeAtomic(dest, []byte("ab"), []byte("cd"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(data))
	staged, err := os.ReadDir(filepath.Join(dir, tmpDir))
	require.NoError(t, err)
	assert.Empty(t, staged)

	_, err = o.writeAtomic(filepath.Join(dir, "missing", "9"), []byte("x"))
	require.Error(t, err)
	staged, err = os.ReadDir(filepath.Join(dir, tmpDir))
	require.NoError(t, err)
	assert.Empty(t, staged, "a failed rename must clean up its staging file")
}

func TestSyncDir(t *testing.T) {
	t.Parallel()

	assert.NoError(t, syncDir(t.TempDir()))
	assert.Error(t, syncDir(filepath.Join(t.TempDir(), "missing")))
}
