package inodes

import (
	"sync"

	"treefs/internal/model"
)

// HandleID names an open file or directory.
type HandleID uint64

// openHandle represents an open file or directory
type openHandle struct {
	ino    model.InodeNumber
	isDir  bool
	flags  int
	dirPos int // For Readdir pagination
}

// HandleManager tracks open handles
type HandleManager struct {
	mu         sync.RWMutex
	handles    map[HandleID]*openHandle
	nextHandle HandleID
}

// NewHandleManager creates a new handle manager
func NewHandleManager() *HandleManager {
	return &HandleManager{
		handles:    make(map[HandleID]*openHandle),
		nextHandle: 1,
	}
}

// Allocate creates a new handle for the given inode
func (hm *HandleManager) Allocate(ino model.InodeNumber, isDir bool, flags int) HandleID {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	handle := hm.nextHandle
	hm.nextHandle++

	hm.handles[handle] = &openHandle{
		ino:   ino,
		isDir: isDir,
		flags: flags,
	}
	return handle
}

// Get retrieves a handle's info
func (hm *HandleManager) Get(h HandleID) (openHandle, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	info, ok := hm.handles[h]
	if !ok {
		return openHandle{}, false
	}
	return *info, true
}

// Release frees a handle and returns what it referred to.
func (hm *HandleManager) Release(h HandleID) (openHandle, bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	info, ok := hm.handles[h]
	if !ok {
		return openHandle{}, false
	}
	delete(hm.handles, h)
	return *info, true
}

// UpdateDirPos updates the directory position for Readdir
func (hm *HandleManager) UpdateDirPos(h HandleID, pos int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if info, ok := hm.handles[h]; ok {
		info.dirPos = pos
	}
}

// Count returns the number of open handles.
func (hm *HandleManager) Count() int {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return len(hm.handles)
}
