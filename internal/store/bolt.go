package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"treefs/internal/common"
	"treefs/internal/model"
	"treefs/internal/util"
)

var (
	bucketTrees = []byte("trees")
	bucketBlobs = []byte("blobs")
	bucketRefs  = []byte("refs")
)

// boltLockTimeout is how long one bolt.Open waits on the file lock before
// the retry policy takes over.
const boltLockTimeout = 200 * time.Millisecond

// BoltStore persists objects in a bbolt database, one bucket per kind.
type BoltStore struct {
	db   *bolt.DB
	path string
}

type treeRecord struct {
	Entries []treeEntryRecord `cbor:"1,keyasint"`
}

type treeEntryRecord struct {
	Name string `cbor:"1,keyasint"`
	Hash []byte `cbor:"2,keyasint"`
	Type uint8  `cbor:"3,keyasint"`
}

// OpenBolt opens (creating if needed) the store at path. bbolt holds an
// exclusive file lock; a briefly busy database is retried a bounded number
// of times.
func OpenBolt(ctx context.Context, path string) (*BoltStore, error) {
	db, err := util.RetryWithResult(func() (*bolt.DB, error) {
		return bolt.Open(path, 0644, &bolt.Options{Timeout: boltLockTimeout})
	}, util.LockRetryOptions(ctx, func(err error) bool {
		return errors.Is(err, bolt.ErrTimeout)
	})...)
	if err != nil {
		return nil, fmt.Errorf("failed to open object store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTrees, bucketBlobs, bucketRefs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		empty := model.EmptyTree()
		return putTree(tx, empty)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize object store: %w", err)
	}
	log.Debugf("[BoltStore] opened %s", path)
	return &BoltStore{db: db, path: path}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.path
}

func (s *BoltStore) GetTree(ctx context.Context, hash model.Hash) (*model.Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var tree *model.Tree
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTrees).Get(hash[:])
		if v == nil {
			return treeNotFound(hash)
		}
		var rec treeRecord
		if err := cbor.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("%w: tree %s: %v", common.ErrCorrupt, hash, err)
		}
		entries := make([]model.TreeEntry, len(rec.Entries))
		for i, e := range rec.Entries {
			h, err := model.HashFromBytes(e.Hash)
			if err != nil {
				return fmt.Errorf("%w: tree %s entry %q: %v", common.ErrCorrupt, hash, e.Name, err)
			}
			entries[i] = model.TreeEntry{Name: e.Name, Hash: h, Type: model.TreeEntryType(e.Type)}
		}
		t, err := model.NewTree(entries)
		if err != nil {
			return fmt.Errorf("%w: tree %s: %v", common.ErrCorrupt, hash, err)
		}
		if t.Hash != hash {
			return fmt.Errorf("%w: tree %s hashes to %s", common.ErrCorrupt, hash, t.Hash)
		}
		tree = t
		return nil
	})
	return tree, err
}

func (s *BoltStore) GetBlob(ctx context.Context, hash model.Hash) (*model.Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var blob *model.Blob
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get(hash[:])
		if v == nil {
			return blobNotFound(hash)
		}
		// bbolt values are only valid inside the transaction.
		contents := make([]byte, len(v))
		copy(contents, v)
		blob = model.NewBlob(contents)
		if blob.Hash != hash {
			return fmt.Errorf("%w: blob %s hashes to %s", common.ErrCorrupt, hash, blob.Hash)
		}
		return nil
	})
	return blob, err
}

func (s *BoltStore) PutTree(_ context.Context, tree *model.Tree) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putTree(tx, tree)
	})
}

func putTree(tx *bolt.Tx, tree *model.Tree) error {
	rec := treeRecord{Entries: make([]treeEntryRecord, len(tree.Entries))}
	for i, e := range tree.Entries {
		e := e // per-iteration copy: e.Hash[:] is retained (go 1.21 loop semantics)
		rec.Entries[i] = treeEntryRecord{Name: e.Name, Hash: e.Hash[:], Type: uint8(e.Type)}
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode tree %s: %w", tree.Hash, err)
	}
	return tx.Bucket(bucketTrees).Put(tree.Hash[:], data)
}

func (s *BoltStore) PutBlob(_ context.Context, blob *model.Blob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put(blob.Hash[:], blob.Contents)
	})
}

// SetRef points a symbolic name at a tree.
func (s *BoltStore) SetRef(name string, hash model.Hash) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRefs).Put([]byte(name), hash[:])
	})
}

// GetRef resolves a symbolic name.
func (s *BoltStore) GetRef(name string) (model.Hash, error) {
	var h model.Hash
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRefs).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("ref %q: %w", name, common.ErrNotFound)
		}
		var err error
		h, err = model.HashFromBytes(v)
		return err
	})
	return h, err
}

// ResolveRev accepts either a 40 character hex hash or a ref name.
func (s *BoltStore) ResolveRev(rev string) (model.Hash, error) {
	if h, err := model.HashFromHex(rev); err == nil {
		return h, nil
	}
	return s.GetRef(rev)
}
