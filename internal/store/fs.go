package store

import (
	"io"
	"os"

	"github.com/natefinch/atomic"
)

// File is the subset of *os.File the writer needs.
type File interface {
	io.WriteCloser
	Sync() error
	Name() string
}

// FS is the filesystem surface used by the store, the atomic writer and the
// WAL. Real passes through to the os package; Faulty wraps another FS and
// injects errors for tests.
type FS interface {
	ReadFile(path string) ([]byte, error)
	OpenFile(path string, flag int, perm os.FileMode) (File, error)
	Stat(path string) (os.FileInfo, error)
	Lstat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.DirEntry, error)
	MkdirAll(path string, perm os.FileMode) error
	Remove(path string) error
	RemoveAll(path string) error
	// Rename replaces newpath with oldpath, overwriting newpath if present.
	Rename(oldpath, newpath string) error
	// RenameNoReplace moves oldpath to newpath and fails with an error
	// matching os.ErrExist when newpath is already present.
	RenameNoReplace(oldpath, newpath string) error
	Chmod(path string, mode os.FileMode) error
	// SyncDir flushes directory metadata so a completed rename survives a crash.
	SyncDir(path string) error
}

// Real implements FS on the host filesystem.
type Real struct{}

// NewReal returns the host filesystem.
func NewReal() *Real { return &Real{} }

func (Real) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

func (Real) Stat(path string) (os.FileInfo, error)      { return os.Stat(path) }
func (Real) Lstat(path string) (os.FileInfo, error)     { return os.Lstat(path) }
func (Real) ReadDir(path string) ([]os.DirEntry, error) { return os.ReadDir(path) }
func (Real) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}
func (Real) Remove(path string) error                  { return os.Remove(path) }
func (Real) RemoveAll(path string) error               { return os.RemoveAll(path) }
func (Real) Chmod(path string, mode os.FileMode) error { return os.Chmod(path, mode) }

// Rename uses atomic.ReplaceFile, which maps to MoveFileEx on Windows so the
// replacement is atomic there as well.
func (Real) Rename(oldpath, newpath string) error {
	return atomic.ReplaceFile(oldpath, newpath)
}

func (Real) RenameNoReplace(oldpath, newpath string) error {
	return renameNoReplace(oldpath, newpath)
}

func (Real) SyncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !isSyncUnsupported(err) {
		return err
	}
	return nil
}

// lstatRename is the portable no-replace rename: it checks the destination
// and then renames. The window between the two calls is not atomic.
func lstatRename(oldpath, newpath string) error {
	if _, err := os.Lstat(newpath); err == nil {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: os.ErrExist}
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.Rename(oldpath, newpath)
}
