package model

import "strconv"

// InodeNumber identifies a live filesystem object for the lifetime of a
// mount. Numbers are allocated in increasing order and never reused while
// the mount is open.
type InodeNumber uint64

// RootInodeNumber is always assigned to the mount root.
const RootInodeNumber InodeNumber = 1

// MaxDecimalInodeNumberLength bounds the decimal form of an InodeNumber.
const MaxDecimalInodeNumberLength = 20

func (n InodeNumber) String() string {
	return strconv.FormatUint(uint64(n), 10)
}

// IsAllocated reports whether n was handed out by an allocator.
func (n InodeNumber) IsAllocated() bool {
	return n != 0
}

// ParseInodeNumber parses the decimal form used for overlay record names.
func ParseInodeNumber(s string) (InodeNumber, bool) {
	if len(s) == 0 || len(s) > MaxDecimalInodeNumberLength {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return InodeNumber(v), true
}
