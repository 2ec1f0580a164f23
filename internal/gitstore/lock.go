package gitstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// cloneLock guards one repository clone against concurrent worktree
// mutation: an in-process sync.Mutex for goroutines inside this daemon, plus
// a gofrs/flock file lock so a second aifixd process (or a manual operator
// shelling into the clone) is also excluded. This is the resolution to the
// per-clone-lock design question: both layers are required because the
// mutex alone says nothing to a second OS process.
type cloneLock struct {
	mu       sync.Mutex
	fileLock *flock.Flock
	path     string
}

func newCloneLock(cloneRoot string) (*cloneLock, error) {
	gitDir := filepath.Join(cloneRoot, ".git")
	if _, err := os.Stat(gitDir); err != nil {
		return nil, fmt.Errorf("%s is not a git clone: %w", cloneRoot, err)
	}
	lockPath := filepath.Join(gitDir, "aifixd.lock")
	return &cloneLock{
		fileLock: flock.New(lockPath),
		path:     lockPath,
	}, nil
}

// Lock blocks until both the in-process mutex and the cross-process file
// lock are held.
func (c *cloneLock) Lock() error {
	c.mu.Lock()
	if err := c.fileLock.Lock(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("acquiring clone lock %s: %w", c.path, err)
	}
	return nil
}

// Unlock releases the file lock and the in-process mutex, in that order.
func (c *cloneLock) Unlock() {
	_ = c.fileLock.Unlock()
	c.mu.Unlock()
}
