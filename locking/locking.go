// Package locking implements the advisory session lock described in
// spec.md §5: a `.taf-lock` file in the authentication repository,
// held for the duration of any mutating RepositoryAuthor workflow.
package locking

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jc12690/taf/taferrors"
)

const lockFileName = ".taf-lock"

// Lock is a held advisory lock. Release it with Unlock, typically via
// defer immediately after Acquire succeeds.
type Lock struct {
	path string
}

// Acquire creates repoPath/.taf-lock exclusively, failing with a
// taferrors.BusyError if another session already holds it.
func Acquire(repoPath string) (*Lock, error) {
	path := filepath.Join(repoPath, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, &taferrors.BusyError{LockPath: path}
		}
		return nil, &taferrors.IOError{Path: path, Err: err}
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return &Lock{path: path}, nil
}

// Unlock releases the lock by removing the lock file. Safe to call on
// an already-removed lock.
func (l *Lock) Unlock() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return &taferrors.IOError{Path: l.path, Err: err}
	}
	return nil
}
