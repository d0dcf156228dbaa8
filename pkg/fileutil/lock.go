package fileutil

import "errors"

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// Lock is an exclusive advisory lock on a file. Release it with Unlock.
type Lock struct {
	path string
	fd   uintptr
	f    interface{ Close() error }
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}
