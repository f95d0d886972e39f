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

package overlay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"treefs/internal/common"
	"treefs/internal/model"
)

// Record header constants.
const (
	HeaderIdentifierDir  = "OVDR"
	HeaderIdentifierFile = "OVFL"
	HeaderVersion uint32 = 1
	HeaderLength         = 64
)

// Header is the fixed prefix of every record.
type Header struct {
	ID      string
	Version uint32
	Atime   time.Time
	Ctime   time.Time
	Mtime   time.Time
}

// NewHeader stamps all three timestamps with t.
func NewHeader(id string, t time.Time) Header {
	return Header{ID: id, Version: HeaderVersion, Atime: t, Ctime: t, Mtime: t}
}

// Encode renders h into its on-disk form.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderLength)
	copy(buf[0:4], h.ID)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	putTime(buf[8:24], h.Atime)
	putTime(buf[24:40], h.Ctime)
	putTime(buf[40:56], h.Mtime)
	return buf
}

func putTime(b []byte, t time.Time) {
	if t.IsZero() {
		return
	}
	binary.BigEndian.PutUint64(b[0:8], uint64(t.Unix()))
	binary.BigEndian.PutUint64(b[8:16], uint64(t.Nanosecond()))
}

func getTime(b []byte) time.Time {
	sec := int64(binary.BigEndian.Uint64(b[0:8]))
	nsec := int64(binary.BigEndian.Uint64(b[8:16]))
	if sec == 0 && nsec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, nsec)
}

// ValidateHeader checks that contents begins with a header of the expected
// type and a supported version.
func ValidateHeader(ino model.InodeNumber, contents []byte, expectedID string) (Header, error) {
	if len(contents) < HeaderLength {
		return Header{}, corruptf(ino, "header truncated (%d bytes)", len(contents))
	}
	h := Header{
		ID:      string(contents[0:4]),
		Version: binary.BigEndian.Uint32(contents[4:8]),
		Atime:   getTime(contents[8:24]),
		Ctime:   getTime(contents[24:40]),
		Mtime:   getTime(contents[40:56]),
	}
	if h.ID != expectedID {
		return Header{}, corruptf(ino, "unexpected header identifier %q, want %q", h.ID, expectedID)
	}
	if h.Version != HeaderVersion {
		return Header{}, corruptf(ino, "unsupported header version %d", h.Version)
	}
	return h, nil
}

// shardName is a pure function of the inode number so rescans can rebuild
// the layout without extra metadata.
func shardName(ino uint64) string {
	return fmt.Sprintf("%02x", ino&0xff)
}

// RecordPath returns the absolute path of the record for ino.
func (o *Overlay) RecordPath(ino model.InodeNumber) string {
	return filepath.Join(o.localDir, shardName(uint64(ino)), ino.String())
}

// HasRecord reports whether a record for ino exists.
func (o *Overlay) HasRecord(ino model.InodeNumber) bool {
	_, err := os.Lstat(o.RecordPath(ino))
	return err == nil
}

// CreateFile writes a new file record holding contents and returns a
// read-write handle on it. The record is staged in tmp and renamed into
// place, so a crash never leaves a half-written record.
func (o *Overlay) CreateFile(ino model.InodeNumber, contents []byte, now time.Time) (*os.File, error) {
	header := NewHeader(HeaderIdentifierFile, now).Encode()
	f, err := o.writeAtomic(o.RecordPath(ino), header, contents)
	if err != nil {
		return nil, fmt.Errorf("failed to create overlay file for inode %d: %w", ino, err)
	}
	return f, nil
}

// OpenFile opens an existing record and validates its header.
func (o *Overlay) OpenFile(ino model.InodeNumber, headerID string) (*os.File, Header, error) {
	f, err := o.OpenFileNoVerify(ino)
	if err != nil {
		return nil, Header{}, err
	}
	buf := make([]byte, HeaderLength)
	n, err := f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, Header{}, fmt.Errorf("failed to read header of inode %d: %w", ino, err)
	}
	h, err := ValidateHeader(ino, buf[:n], headerID)
	if err != nil {
		f.Close()
		return nil, Header{}, err
	}
	return f, h, nil
}

// OpenFileNoVerify opens an existing record without checking its header.
func (o *Overlay) OpenFileNoVerify(ino model.InodeNumber) (*os.File, error) {
	f, err := os.OpenFile(o.RecordPath(ino), os.O_RDWR, 0)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("overlay record for inode %d: %w", ino, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open overlay record for inode %d: %w", ino, err)
	}
	return f, nil
}

// WriteHeader rewrites the header of an open record in place.
func WriteHeader(f *os.File, h Header) error {
	if _, err := f.WriteAt(h.Encode(), 0); err != nil {
		return fmt.Errorf("failed to update overlay header: %w", err)
	}
	return nil
}

// RemoveFile deletes the record for ino. A missing record is not an error.
func (o *Overlay) RemoveFile(ino model.InodeNumber) error {
	err := os.Remove(o.RecordPath(ino))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove overlay record for inode %d: %w", ino, err)
	}
	return nil
}

// writeAtomic stages chunks in tmp, fsyncs and renames onto dest. The
// returned handle stays valid after the rename.
func (o *Overlay) writeAtomic(dest string, chunks ...[]byte) (*os.File, error) {
	tmpPath := filepath.Join(o.localDir, tmpDir, uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*os.File, error) {
		f.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	for _, c := range chunks {
		if _, err := f.Write(c); err != nil {
			return fail(err)
		}
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fail(err)
	}
	if err := syncDir(filepath.Dir(dest)); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// syncDir makes a rename into dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return fmt.Errorf("failed to sync %s: %w", dir, err)
	}
	return d.Close()
}
