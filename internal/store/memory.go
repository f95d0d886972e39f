package store

import (
	"context"
	"sync"

	"treefs/internal/model"
)

// MemoryStore keeps objects in maps. It always contains the empty tree.
type MemoryStore struct {
	mu    sync.RWMutex
	trees map[model.Hash]*model.Tree
	blobs map[model.Hash]*model.Blob
}

// NewMemoryStore returns a store holding only the empty tree.
func NewMemoryStore() *MemoryStore {
	empty := model.EmptyTree()
	return &MemoryStore{
		trees: map[model.Hash]*model.Tree{empty.Hash: empty},
		blobs: make(map[model.Hash]*model.Blob),
	}
}

func (s *MemoryStore) GetTree(ctx context.Context, hash model.Hash) (*model.Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trees[hash]
	if !ok {
		return nil, treeNotFound(hash)
	}
	return t, nil
}

func (s *MemoryStore) GetBlob(ctx context.Context, hash model.Hash) (*model.Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[hash]
	if !ok {
		return nil, blobNotFound(hash)
	}
	return b, nil
}

func (s *MemoryStore) PutTree(_ context.Context, tree *model.Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trees[tree.Hash] = tree
	return nil
}

func (s *MemoryStore) PutBlob(_ context.Context, blob *model.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[blob.Hash] = blob
	return nil
}

// Len returns the number of trees and blobs held.
func (s *MemoryStore) Len() (trees, blobs int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trees), len(s.blobs)
}
