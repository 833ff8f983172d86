package store

import (
	"os"
	"strings"
	"sync"
)

// Op names an FS operation for fault injection.
type Op string

const (
	OpRead    Op = "read"
	OpOpen    Op = "open"
	OpWrite   Op = "write"
	OpStat    Op = "stat"
	OpReadDir Op = "readdir"
	OpMkdir   Op = "mkdir"
	OpRemove  Op = "remove"
	OpRename  Op = "rename"
	OpChmod   Op = "chmod"
	OpSync    Op = "sync"
)

// Fault describes an error to inject.
type Fault struct {
	Op Op
	// Match selects the paths the fault applies to; nil matches every path.
	// Renames are matched against both source and destination.
	Match func(path string) bool
	Err   error
	// Skip lets that many matching calls through before the fault fires.
	Skip int
	// Times limits how often the fault fires; 0 means always.
	Times int
}

type faultRule struct {
	Fault
	seen  int
	fired int
}

// Faulty wraps an FS and fails selected operations. It is deterministic:
// faults fire in the order they were injected, for the configured count.
type Faulty struct {
	fs FS

	mu     sync.Mutex
	rules  []*faultRule
	counts map[Op]int
}

var _ FS = (*Faulty)(nil)

// NewFaulty wraps fs.
func NewFaulty(fs FS) *Faulty {
	return &Faulty{fs: fs, counts: make(map[Op]int)}
}

// Inject adds a fault.
func (f *Faulty) Inject(fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &faultRule{Fault: fault})
}

// Clear removes all faults.
func (f *Faulty) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = nil
}

// Injected returns how many faults fired for op.
func (f *Faulty) Injected(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[op]
}

// HasSuffix matches paths ending in suffix, compared with forward slashes.
func HasSuffix(suffix string) func(string) bool {
	return func(p string) bool {
		return strings.HasSuffix(strings.ReplaceAll(p, `\`, "/"), suffix)
	}
}

// Contains matches paths containing sub, compared with forward slashes.
func Contains(sub string) func(string) bool {
	return func(p string) bool {
		return strings.Contains(strings.ReplaceAll(p, `\`, "/"), sub)
	}
}

func (f *Faulty) check(op Op, paths ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rules {
		if r.Op != op {
			continue
		}
		if r.Times > 0 && r.fired >= r.Times {
			continue
		}
		matched := r.Match == nil
		for _, p := range paths {
			if matched {
				break
			}
			matched = r.Match(p)
		}
		if !matched {
			continue
		}
		r.seen++
		if r.seen <= r.Skip {
			continue
		}
		r.fired++
		f.counts[op]++
		return &os.PathError{Op: string(op), Path: paths[0], Err: r.Err}
	}
	return nil
}

func (f *Faulty) ReadFile(path string) ([]byte, error) {
	if err := f.check(OpRead, path); err != nil {
		return nil, err
	}
	return f.fs.ReadFile(path)
}

func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.check(OpOpen, path); err != nil {
		return nil, err
	}
	file, err := f.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, owner: f, path: path}, nil
}

func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	if err := f.check(OpStat, path); err != nil {
		return nil, err
	}
	return f.fs.Stat(path)
}

func (f *Faulty) Lstat(path string) (os.FileInfo, error) {
	if err := f.check(OpStat, path); err != nil {
		return nil, err
	}
	return f.fs.Lstat(path)
}

func (f *Faulty) ReadDir(path string) ([]os.DirEntry, error) {
	if err := f.check(OpReadDir, path); err != nil {
		return nil, err
	}
	return f.fs.ReadDir(path)
}

func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	if err := f.check(OpMkdir, path); err != nil {
		return err
	}
	return f.fs.MkdirAll(path, perm)
}

func (f *Faulty) Remove(path string) error {
	if err := f.check(OpRemove, path); err != nil {
		return err
	}
	return f.fs.Remove(path)
}

func (f *Faulty) RemoveAll(path string) error {
	if err := f.check(OpRemove, path); err != nil {
		return err
	}
	return f.fs.RemoveAll(path)
}

func (f *Faulty) Rename(oldpath, newpath string) error {
	if err := f.check(OpRename, oldpath, newpath); err != nil {
		return err
	}
	return f.fs.Rename(oldpath, newpath)
}

func (f *Faulty) RenameNoReplace(oldpath, newpath string) error {
	if err := f.check(OpRename, oldpath, newpath); err != nil {
		return err
	}
	return f.fs.RenameNoReplace(oldpath, newpath)
}

func (f *Faulty) Chmod(path string, mode os.FileMode) error {
	if err := f.check(OpChmod, path); err != nil {
		return err
	}
	return f.fs.Chmod(path, mode)
}

func (f *Faulty) SyncDir(path string) error {
	if err := f.check(OpSync, path); err != nil {
		return err
	}
	return f.fs.SyncDir(path)
}

type faultyFile struct {
	File
	owner *Faulty
	path  string
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if err := ff.owner.check(OpWrite, ff.path); err != nil {
		return 0, err
	}
	return ff.File.Write(p)
}
