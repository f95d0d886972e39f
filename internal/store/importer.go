package store

import (
	"context"
	"fmt"
	"os"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	log "github.com/sirupsen/logrus"

	"treefs/internal/model"
)

// DefaultImportSkip lists names never imported into a tree.
var DefaultImportSkip = []string{".git", ".treefs"}

// ImportFS hashes the directory dir of fs into blobs and trees, writing
// every object to w, and returns the root tree hash. Names in skip are
// left out at every level.
func ImportFS(ctx context.Context, fs billy.Filesystem, dir string, w Writer, skip ...string) (model.Hash, error) {
	skipSet := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipSet[s] = true
	}
	tree, err := importDir(ctx, fs, dir, w, skipSet)
	if err != nil {
		return model.ZeroHash, err
	}
	return tree.Hash, nil
}

func importDir(ctx context.Context, fs billy.Filesystem, dir string, w Writer, skip map[string]bool) (*model.Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	entries := make([]model.TreeEntry, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if skip[name] {
			continue
		}
		path := fs.Join(dir, name)
		fi, err := fs.Lstat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}

		var entry model.TreeEntry
		switch {
		case fi.IsDir():
			sub, err := importDir(ctx, fs, path, w, skip)
			if err != nil {
				return nil, err
			}
			entry = model.TreeEntry{Name: name, Hash: sub.Hash, Type: model.TreeEntryTree}
		case fi.Mode()&os.ModeSymlink != 0:
			target, err := fs.Readlink(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read link %s: %w", path, err)
			}
			blob := model.NewBlob([]byte(target))
			if err := w.PutBlob(ctx, blob); err != nil {
				return nil, err
			}
			entry = model.TreeEntry{Name: name, Hash: blob.Hash, Type: model.TreeEntrySymlink}
		case fi.Mode().IsRegular():
			data, err := util.ReadFile(fs, path)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", path, err)
			}
			blob := model.NewBlob(data)
			if err := w.PutBlob(ctx, blob); err != nil {
				return nil, err
			}
			typ := model.TreeEntryRegularFile
			if fi.Mode().Perm()&0111 != 0 {
				typ = model.TreeEntryExecutableFile
			}
			entry = model.TreeEntry{Name: name, Hash: blob.Hash, Type: typ}
		default:
			log.Debugf("[Import] skipping special file %s (%s)", path, fi.Mode())
			continue
		}
		entries = append(entries, entry)
	}

	tree, err := model.NewTree(entries)
	if err != nil {
		return nil, err
	}
	if err := w.PutTree(ctx, tree); err != nil {
		return nil, err
	}
	return tree, nil
}
