//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package store

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const lockFilePerm = 0o600

// TryLock takes an exclusive flock on the file at path without waiting,
// creating the file but not its directory. Locks are advisory and held per
// open file, so two opens in one process exclude each other as well.
//
// It fails with ErrWouldBlock while another holder has the lock, and with an
// error matching os.ErrNotExist when the directory is missing or the file
// was removed before the lock was taken.
func TryLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if err != nil {
		return nil, err
	}
	if err := flock(f, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrWouldBlock
		}
		return nil, &os.PathError{Op: "flock", Path: path, Err: err}
	}
	// The previous holder may have removed the file while we waited on its
	// inode; a lock on an unlinked file guards nothing.
	same, err := sameInode(f, path)
	if err != nil || !same {
		_ = flock(f, unix.LOCK_UN)
		f.Close()
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("lock %s: %w", path, os.ErrNotExist)
		}
		return nil, err
	}
	return &Lock{file: f}, nil
}

func unlock(f *os.File) error {
	return flock(f, unix.LOCK_UN)
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func sameInode(f *os.File, path string) (bool, error) {
	open, err := f.Stat()
	if err != nil {
		return false, err
	}
	cur, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return os.SameFile(open, cur), nil
}
