// Copyright 2024 TreeFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store provides the content-addressed object store the mount is
// projected from. The inode and diff layers only read from it.
package store

import (
	"context"
	"fmt"

	"treefs/internal/common"
	"treefs/internal/model"
)

// ObjectStore loads immutable trees and blobs by hash.
type ObjectStore interface {
	GetTree(ctx context.Context, hash model.Hash) (*model.Tree, error)
	GetBlob(ctx context.Context, hash model.Hash) (*model.Blob, error)
}

// Writer adds objects to a store.
type Writer interface {
	PutTree(ctx context.Context, tree *model.Tree) error
	PutBlob(ctx context.Context, blob *model.Blob) error
}

// Store is a readable and writable object store.
type Store interface {
	ObjectStore
	Writer
}

func treeNotFound(hash model.Hash) error {
	return fmt.Errorf("tree %s: %w", hash, common.ErrNotFound)
}

func blobNotFound(hash model.Hash) error {
	return fmt.Errorf("blob %s: %w", hash, common.ErrNotFound)
}
