package overlay

import (
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"treefs/internal/common"
	"treefs/internal/model"
)

// DirEntry is the durable form of one directory child. An entry with no
// hash is materialized and lives in the overlay under InodeNumber.
type DirEntry struct {
	Mode        uint32            `cbor:"1,keyasint"`
	InodeNumber model.InodeNumber `cbor:"2,keyasint,omitempty"`
	Hash        []byte            `cbor:"3,keyasint,omitempty"`
}

// IsMaterialized reports whether the entry's content lives in the overlay.
func (e DirEntry) IsMaterialized() bool {
	return len(e.Hash) == 0
}

// Dir is the durable snapshot of a materialized directory.
type Dir struct {
	Entries map[string]DirEntry `cbor:"1,keyasint"`
	// TreeHash is the tree the directory was materialized from, empty if
	// it was created locally.
	TreeHash []byte `cbor:"2,keyasint,omitempty"`
}

// CorruptionError reports a malformed record. It is scoped to one inode.
type CorruptionError struct {
	Inode  model.InodeNumber
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("overlay record for inode %d is corrupt: %s", e.Inode, e.Reason)
}

func (e *CorruptionError) Unwrap() error {
	return common.ErrCorrupt
}

func corruptf(ino model.InodeNumber, format string, args ...any) error {
	return &CorruptionError{Inode: ino, Reason: fmt.Sprintf(format, args...)}
}

var dirEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func validateDir(ino model.InodeNumber, d *Dir) error {
	for name, e := range d.Entries {
		if err := common.ValidateName(name); err != nil {
			return corruptf(ino, "entry %q: %v", name, err)
		}
		if e.IsMaterialized() && !e.InodeNumber.IsAllocated() {
			return corruptf(ino, "materialized entry %q has no inode number", name)
		}
		if !e.IsMaterialized() && len(e.Hash) != model.HashSize {
			return corruptf(ino, "entry %q has a %d byte hash", name, len(e.Hash))
		}
	}
	if len(d.TreeHash) != 0 && len(d.TreeHash) != model.HashSize {
		return corruptf(ino, "tree hash has %d bytes", len(d.TreeHash))
	}
	return nil
}

// SaveDir atomically replaces the directory record for ino.
func (o *Overlay) SaveDir(ino model.InodeNumber, d *Dir) error {
	if err := validateDir(ino, d); err != nil {
		return fmt.Errorf("refusing to save directory: %w", err)
	}
	payload, err := dirEncMode.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode directory %d: %w", ino, err)
	}
	header := NewHeader(HeaderIdentifierDir, time.Now()).Encode()
	f, err := o.writeAtomic(o.RecordPath(ino), header, payload)
	if err != nil {
		return fmt.Errorf("failed to save directory %d: %w", ino, err)
	}
	return f.Close()
}

// LoadDir reads the directory record for ino. ok is false when no record
// exists, which is the normal state of a directory that was never
// materialized.
func (o *Overlay) LoadDir(ino model.InodeNumber) (d *Dir, ok bool, err error) {
	data, err := os.ReadFile(o.RecordPath(ino))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read directory %d: %w", ino, err)
	}
	if _, err := ValidateHeader(ino, data, HeaderIdentifierDir); err != nil {
		return nil, false, err
	}
	d, err = decodeDir(ino, data[HeaderLength:])
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func decodeDir(ino model.InodeNumber, payload []byte) (*Dir, error) {
	var d Dir
	if err := cbor.Unmarshal(payload, &d); err != nil {
		return nil, corruptf(ino, "bad directory payload: %v", err)
	}
	if d.Entries == nil {
		d.Entries = make(map[string]DirEntry)
	}
	if err := validateDir(ino, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
