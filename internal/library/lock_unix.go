//go:build unix

package library

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock is an exclusive advisory lock held on a sidecar file next
// to the catalog for as long as the catalog is open.
type fileLock struct {
	file *os.File
}

func acquireLock(path string) (*fileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog lock %s: %w", path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w (%s)", ErrCatalogLocked, path)
		}

		return nil, fmt.Errorf("failed to lock catalog %s: %w", path, err)
	}

	return &fileLock{file: file}, nil
}

func (lock *fileLock) release() error {
	defer lock.file.Close()
	return unix.Flock(int(lock.file.Fd()), unix.LOCK_UN)
}
