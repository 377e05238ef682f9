//go:build !(linux || darwin || freebsd || dragonfly || windows)

package transfer

func freeSpace(string) (uint64, error) {
	return 0, ErrFreeSpaceUnknown
}
