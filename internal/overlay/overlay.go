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

// Package overlay persists materialized directories and files to local disk.
//
// Layout of an overlay directory:
//
//	info                 magic + format version, flock'ed for the session
//	next-inode-number    counter written at clean shutdown, removed at open
//	tmp/                 staging area for atomic writes
//	00/ .. ff/           shards keyed by the low byte of the inode number
//	  <decimal ino>      one record per materialized inode
//
// Every record starts with a fixed 64 byte header carrying a type tag and
// version. The package knows nothing about tree semantics.
package overlay

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"treefs/internal/common"
	"treefs/internal/model"
)

const (
	infoFile            = "info"
	nextInodeNumberFile = "next-inode-number"
	tmpDir              = "tmp"

	// FormatVersion is the overlay layout version stored in the info file.
	FormatVersion uint32 = 1

	shardCount = 256
)

var infoHeaderMagic = []byte{0xed, 0xe0, 0x00, 0x01}

const infoFileLength = 8

// Overlay is a handle on one overlay directory. It owns nothing in memory
// beyond the session lock; every operation is a pass-through to disk.
type Overlay struct {
	localDir string
	lock     *flock.Flock
}

// New returns an Overlay for localDir. Nothing is touched until Open.
func New(localDir string) *Overlay {
	return &Overlay{localDir: localDir}
}

// LocalDir returns the overlay directory
func (o *Overlay) LocalDir() string {
	return o.localDir
}

// Initialized reports whether Open succeeded and Close has not been called.
func (o *Overlay) Initialized() bool {
	return o.lock != nil
}

// Exists reports whether an overlay has been created at the directory,
// whether or not a session holds it.
func (o *Overlay) Exists() bool {
	_, err := os.Stat(filepath.Join(o.localDir, infoFile))
	return err == nil
}

// Open acquires the session lock and loads the persisted next inode number.
//
// clean is false when the previous session did not shut down cleanly (or
// the counter is otherwise unavailable); the caller must then compute the
// counter with ScanForNextInodeNumber. A freshly created overlay is clean
// and starts at RootInodeNumber+1.
func (o *Overlay) Open(createIfMissing bool) (next model.InodeNumber, clean bool, err error) {
	if o.lock != nil {
		return 0, false, fmt.Errorf("overlay %s is already open", o.localDir)
	}

	infoPath := filepath.Join(o.localDir, infoFile)
	isNew := false
	if st, statErr := os.Stat(infoPath); os.IsNotExist(statErr) || (statErr == nil && st.Size() == 0) {
		// An empty info file is left behind by a crash between creating
		// and writing it; nothing else in the overlay can exist yet.
		if !createIfMissing {
			return 0, false, fmt.Errorf("overlay %s: %w", o.localDir, common.ErrNotFound)
		}
		isNew = true
		if err := os.MkdirAll(o.localDir, 0755); err != nil {
			return 0, false, fmt.Errorf("failed to create overlay directory: %w", err)
		}
	} else if statErr != nil {
		return 0, false, fmt.Errorf("failed to stat overlay info file: %w", statErr)
	}

	lock := flock.New(infoPath)
	locked, err := lock.TryLock()
	if err != nil {
		return 0, false, fmt.Errorf("failed to lock overlay info file: %w", err)
	}
	if !locked {
		return 0, false, fmt.Errorf("%s: %w", o.localDir, common.ErrOverlayLocked)
	}
	defer func() {
		if err != nil {
			lock.Unlock()
		}
	}()

	if isNew {
		if err := o.initNewOverlay(infoPath); err != nil {
			return 0, false, err
		}
		o.lock = lock
		log.Debugf("[Overlay] created new overlay at %s", o.localDir)
		return model.RootInodeNumber + 1, true, nil
	}

	if err := o.readExistingOverlay(infoPath); err != nil {
		return 0, false, err
	}
	if err := os.MkdirAll(filepath.Join(o.localDir, tmpDir), 0755); err != nil {
		return 0, false, fmt.Errorf("failed to create overlay tmp directory: %w", err)
	}
	next, clean, err = o.tryLoadNextInodeNumber()
	if err != nil {
		return 0, false, err
	}
	o.lock = lock
	log.Debugf("[Overlay] opened %s: next=%d clean=%v", o.localDir, next, clean)
	return next, clean, nil
}

// Close persists nextInodeNumber and releases the session lock. A zero
// nextInodeNumber skips persisting the counter, so the next Open rescans.
func (o *Overlay) Close(nextInodeNumber model.InodeNumber) error {
	if o.lock == nil {
		return fmt.Errorf("overlay %s is not open", o.localDir)
	}
	var saveErr error
	if nextInodeNumber.IsAllocated() {
		saveErr = o.writeNextInodeNumber(nextInodeNumber)
	}
	unlockErr := o.lock.Unlock()
	o.lock = nil
	if saveErr != nil {
		return saveErr
	}
	if unlockErr != nil {
		return fmt.Errorf("failed to release overlay lock: %w", unlockErr)
	}
	log.Debugf("[Overlay] closed %s: next=%d", o.localDir, nextInodeNumber)
	return nil
}

func (o *Overlay) initNewOverlay(infoPath string) error {
	for shard := 0; shard < shardCount; shard++ {
		if err := os.MkdirAll(filepath.Join(o.localDir, shardName(uint64(shard))), 0755); err != nil {
			return fmt.Errorf("failed to create overlay shard: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(o.localDir, tmpDir), 0755); err != nil {
		return fmt.Errorf("failed to create overlay tmp directory: %w", err)
	}

	// The info file is written in place: replacing it would drop the lock,
	// which is held on the current inode.
	info := make([]byte, infoFileLength)
	copy(info, infoHeaderMagic)
	binary.BigEndian.PutUint32(info[4:], FormatVersion)
	f, err := os.OpenFile(infoPath, os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open overlay info file: %w", err)
	}
	if _, err := f.Write(info); err != nil {
		f.Close()
		return fmt.Errorf("failed to write overlay info file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync overlay info file: %w", err)
	}
	return f.Close()
}

func (o *Overlay) readExistingOverlay(infoPath string) error {
	data, err := os.ReadFile(infoPath)
	if err != nil {
		return fmt.Errorf("failed to read overlay info file: %w", err)
	}
	if len(data) < infoFileLength {
		return fmt.Errorf("%w: info file %s is truncated (%d bytes)", common.ErrCorrupt, infoPath, len(data))
	}
	if !bytes.Equal(data[:4], infoHeaderMagic) {
		return fmt.Errorf("%w: info file %s has a bad magic number", common.ErrCorrupt, infoPath)
	}
	if v := binary.BigEndian.Uint32(data[4:8]); v != FormatVersion {
		return fmt.Errorf("%w: unsupported overlay format version %d", common.ErrCorrupt, v)
	}
	return nil
}

// tryLoadNextInodeNumber reads and removes the counter file. Removing it
// means a crash during this session leaves no stale counter behind.
func (o *Overlay) tryLoadNextInodeNumber() (model.InodeNumber, bool, error) {
	path := filepath.Join(o.localDir, nextInodeNumberFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read next inode number: %w", err)
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("%w: next inode number file has %d bytes, want 8", common.ErrCorrupt, len(data))
	}
	next := model.InodeNumber(binary.LittleEndian.Uint64(data))
	if next <= model.RootInodeNumber {
		return 0, false, fmt.Errorf("%w: invalid next inode number %d", common.ErrCorrupt, next)
	}
	if err := os.Remove(path); err != nil {
		return 0, false, fmt.Errorf("failed to remove next inode number file: %w", err)
	}
	return next, true, nil
}

func (o *Overlay) writeNextInodeNumber(next model.InodeNumber) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(next))
	f, err := o.writeAtomic(filepath.Join(o.localDir, nextInodeNumberFile), buf)
	if err != nil {
		return fmt.Errorf("failed to write next inode number: %w", err)
	}
	return f.Close()
}
