package transfer

import (
	"errors"
	"fmt"
	"os"
)

// ErrFreeSpaceUnknown indicates the platform cannot report free space.
var ErrFreeSpaceUnknown = errors.New("transfer: free space unavailable on this platform")

// DiskChecker answers the save-directory questions asked before an inbound
// op is auto-accepted.
type DiskChecker struct {
	Root string
}

// SaveRoot returns the directory received files are written under.
func (d DiskChecker) SaveRoot() string { return d.Root }

// FreeBytes reports the space available to this user under Root, creating
// Root first if needed.
func (d DiskChecker) FreeBytes() (uint64, error) {
	if err := os.MkdirAll(d.Root, 0o755); err != nil {
		return 0, fmt.Errorf("create save root: %w", err)
	}
	return freeSpace(d.Root)
}

// Conflicts returns the top-level names that would overwrite existing entries.
func (d DiskChecker) Conflicts(topDirBasenames []string) []string {
	return Conflicts(d.Root, topDirBasenames)
}
