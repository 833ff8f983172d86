package store

import (
	"errors"
	"os"
	"sync"
)

// ErrWouldBlock is returned by TryLock when another process holds the lock.
var ErrWouldBlock = errors.New("lock would block")

// Lock is a held lock file. Close releases it.
type Lock struct {
	mu   sync.Mutex
	file *os.File
}

// Close releases the lock. It is safe to call more than once.
func (lk *Lock) Close() error {
	if lk == nil {
		return nil
	}
	lk.mu.Lock()
	defer lk.mu.Unlock()
	if lk.file == nil {
		return nil
	}
	err := unlock(lk.file)
	if cerr := lk.file.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	lk.file = nil
	return err
}
