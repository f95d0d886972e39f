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

// Package model holds the immutable source-control objects the mount is
// projected from, and the identifiers shared by the overlay and inode layers.
package model

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// HashSize is the length of a content address in bytes.
const HashSize = sha1.Size

// Hash is the content address of a tree or blob.
type Hash [HashSize]byte

// ZeroHash is never produced by hashing; it marks "no hash".
var ZeroHash Hash

// HashBytes returns the content address of data.
func HashBytes(data []byte) Hash {
	return Hash(sha1.Sum(data))
}

// HashFromHex parses a 40-character hex string.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	if len(s) != 2*HashSize {
		return h, fmt.Errorf("invalid hash %q: want %d hex characters", s, 2*HashSize)
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return h, nil
}

// HashFromBytes copies a raw 20-byte hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}
