package overlay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"treefs/internal/model"
)

// ScanForNextInodeNumber walks every shard and returns the largest inode
// number in use plus one, never less than RootInodeNumber+1. Directory
// records are decoded too: they may name inode numbers of children that
// have no record of their own. Only needed after an unclean shutdown; cost
// is linear in the number of records.
func (o *Overlay) ScanForNextInodeNumber() (model.InodeNumber, error) {
	maxIno := model.RootInodeNumber
	err := o.forEachRecord(func(ino model.InodeNumber, path string) error {
		if ino > maxIno {
			maxIno = ino
		}
		d, ok, err := o.LoadDir(ino)
		if err != nil || !ok {
			// File records and unreadable directories only contribute
			// their own number.
			return nil
		}
		for _, e := range d.Entries {
			if e.InodeNumber > maxIno {
				maxIno = e.InodeNumber
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Infof("[Overlay] rescanned %s: next inode number %d", o.localDir, maxIno+1)
	return maxIno + 1, nil
}

// Check validates the header (and, for directories, the payload) of every
// record. Faults are returned per inode; the error is reserved for failures
// to enumerate the overlay itself.
func (o *Overlay) Check() ([]*CorruptionError, error) {
	var faults []*CorruptionError
	err := o.forEachRecord(func(ino model.InodeNumber, path string) error {
		if err := checkRecord(ino, path); err != nil {
			var ce *CorruptionError
			if errors.As(err, &ce) {
				faults = append(faults, ce)
				return nil
			}
			return err
		}
		return nil
	})
	return faults, err
}

func checkRecord(ino model.InodeNumber, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, HeaderLength)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	id := string(buf[:min(n, 4)])
	switch id {
	case HeaderIdentifierFile:
		_, err = ValidateHeader(ino, buf[:n], HeaderIdentifierFile)
		return err
	case HeaderIdentifierDir:
		if _, err := ValidateHeader(ino, buf[:n], HeaderIdentifierDir); err != nil {
			return err
		}
		payload, err := io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		_, err = decodeDir(ino, payload)
		return err
	}
	if n < HeaderLength {
		return corruptf(ino, "header truncated (%d bytes)", n)
	}
	return corruptf(ino, "unknown header identifier %q", id)
}

func (o *Overlay) forEachRecord(fn func(ino model.InodeNumber, path string) error) error {
	for shard := 0; shard < shardCount; shard++ {
		dir := filepath.Join(o.localDir, shardName(uint64(shard)))
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read overlay shard %s: %w", dir, err)
		}
		for _, e := range entries {
			ino, ok := model.ParseInodeNumber(e.Name())
			if !ok {
				log.Warnf("[Overlay] ignoring unexpected file %s in shard %s", e.Name(), dir)
				continue
			}
			if err := fn(ino, filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
