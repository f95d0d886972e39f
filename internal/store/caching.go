package store

import (
	"context"

	"treefs/internal/cache"
	"treefs/internal/model"
)

// CachingStore keeps recently used trees and blobs in memory in front of
// another store. Objects are immutable, so there is nothing to invalidate
// on write.
type CachingStore struct {
	inner ObjectStore
	trees *cache.ObjectCache[model.Hash, *model.Tree]
	blobs *cache.ObjectCache[model.Hash, *model.Blob]
}

// NewCachingStore wraps inner with caches of the given entry counts.
func NewCachingStore(inner ObjectStore, maxTrees, maxBlobs int) *CachingStore {
	return &CachingStore{
		inner: inner,
		trees: cache.NewObjectCache[model.Hash, *model.Tree](maxTrees),
		blobs: cache.NewObjectCache[model.Hash, *model.Blob](maxBlobs),
	}
}

func (s *CachingStore) GetTree(ctx context.Context, hash model.Hash) (*model.Tree, error) {
	if t, ok := s.trees.Get(hash); ok {
		return t, nil
	}
	t, err := s.inner.GetTree(ctx, hash)
	if err != nil {
		return nil, err
	}
	s.trees.Set(hash, t)
	return t, nil
}

func (s *CachingStore) GetBlob(ctx context.Context, hash model.Hash) (*model.Blob, error) {
	if b, ok := s.blobs.Get(hash); ok {
		return b, nil
	}
	b, err := s.inner.GetBlob(ctx, hash)
	if err != nil {
		return nil, err
	}
	s.blobs.Set(hash, b)
	return b, nil
}

// Stats returns tree and blob cache statistics.
func (s *CachingStore) Stats() (trees, blobs cache.Stats) {
	return s.trees.Stats(), s.blobs.Stats()
}
