//go:build windows

package transfer

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func freeSpace(path string) (uint64, error) {
	dir, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, fmt.Errorf("encode %q: %w", path, err)
	}
	var available, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(dir, &available, &total, &free); err != nil {
		return 0, fmt.Errorf("GetDiskFreeSpaceEx %q: %w", path, err)
	}
	return available, nil
}
