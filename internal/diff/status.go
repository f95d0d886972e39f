package diff

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"treefs/internal/model"
)

// FileStatus is how a path differs from the historical tree.
type FileStatus int

const (
	Added FileStatus = iota
	Modified
	Removed
	Ignored
)

// Code returns the single character used when displaying a status.
func (s FileStatus) Code() byte {
	switch s {
	case Added:
		return 'A'
	case Modified:
		return 'M'
	case Removed:
		return 'R'
	case Ignored:
		return 'I'
	}
	return '?'
}

func (s FileStatus) String() string {
	switch s {
	case Added:
		return "ADDED"
	case Modified:
		return "MODIFIED"
	case Removed:
		return "REMOVED"
	case Ignored:
		return "IGNORED"
	}
	return fmt.Sprintf("FileStatus(%d)", int(s))
}

// Status is the result of one diff: a status per changed path, plus the
// paths that could not be compared.
type Status struct {
	Entries map[string]FileStatus
	Errors  map[string]error
}

// Paths returns the changed paths in sorted order.
func (s *Status) Paths() []string {
	paths := make([]string, 0, len(s.Entries))
	for p := range s.Entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// String renders the status as "{A a/b.txt; M c; }", sorted by path.
func (s *Status) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for _, p := range s.Paths() {
		fmt.Fprintf(&b, "%c %s; ", s.Entries[p].Code(), p)
	}
	b.WriteByte('}')
	return b.String()
}

// Callback receives diff results as they are found. Implementations must
// be safe for concurrent use.
type Callback interface {
	IgnoredFile(path string)
	UntrackedFile(path string)
	RemovedFile(path string, entry model.TreeEntry)
	ModifiedFile(path string, entry model.TreeEntry)
	DiffError(path string, err error)
}

// statusCallback collects results into a Status. The first report for a
// path wins.
type statusCallback struct {
	mu     sync.Mutex
	status Status
}

func newStatusCallback() *statusCallback {
	return &statusCallback{status: Status{
		Entries: make(map[string]FileStatus),
		Errors:  make(map[string]error),
	}}
}

func (c *statusCallback) record(path string, s FileStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.status.Entries[path]; !ok {
		c.status.Entries[path] = s
	}
}

func (c *statusCallback) IgnoredFile(path string)                     { c.record(path, Ignored) }
func (c *statusCallback) UntrackedFile(path string)                   { c.record(path, Added) }
func (c *statusCallback) RemovedFile(path string, _ model.TreeEntry)  { c.record(path, Removed) }
func (c *statusCallback) ModifiedFile(path string, _ model.TreeEntry) { c.record(path, Modified) }

func (c *statusCallback) DiffError(path string, err error) {
	log.Warnf("[Diff] error computing status for %s: %v", path, err)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.status.Errors[path]; !ok {
		c.status.Errors[path] = err
	}
}

// extract returns the collected status. Call once, after the diff is done.
func (c *statusCallback) extract() *Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status
	return &s
}
