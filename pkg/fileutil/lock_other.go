//go:build !unix

package fileutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// AcquireLock creates path exclusively. It returns ErrLocked if the file exists.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &Lock{path: path, fd: f.Fd(), f: f}, nil
}

// Unlock releases the lock by removing the lock file.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	if rmErr := os.Remove(l.path); err == nil {
		err = rmErr
	}
	return err
}
