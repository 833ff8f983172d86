// Package store is the vault's document store: retry-aware reads and
// writes, content hashing, no-replace renames and document enumeration, all
// routed through an FS so tests can inject storage faults.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"
	"time"
)

const dirPerm = 0o755

// Store gives access to the documents of one vault.
type Store struct {
	root    string
	fs      FS
	policy  RetryPolicy
	log     *slog.Logger
	writer  *Writer
	exclude func(rel string) bool
}

// Option configures a Store.
type Option func(*Store)

// WithFS replaces the host filesystem.
func WithFS(fs FS) Option { return func(s *Store) { s.fs = fs } }

// WithRetryPolicy sets the policy for transient storage errors.
func WithRetryPolicy(p RetryPolicy) Option { return func(s *Store) { s.policy = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

// WithExclude skips matching vault-relative paths during enumeration.
func WithExclude(fn func(rel string) bool) Option { return func(s *Store) { s.exclude = fn } }

// New returns a Store rooted at the vault directory root.
func New(root string, opts ...Option) *Store {
	s := &Store{
		root:   root,
		fs:     NewReal(),
		policy: DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = discardLogger()
	}
	s.policy = s.policy.withDefaults()
	s.writer = NewWriter(s.fs, s.policy, s.log)
	return s
}

// Root returns the vault directory.
func (s *Store) Root() string { return s.root }

// FS returns the filesystem the store runs on.
func (s *Store) FS() FS { return s.fs }

// Writer returns the store's atomic writer.
func (s *Store) Writer() *Writer { return s.writer }

// Abs resolves a vault-relative path.
func (s *Store) Abs(rel string) (string, error) { return Abs(s.root, rel) }

func (s *Store) retry(ctx context.Context, op, rel string, fn func() error) error {
	p := s.policy
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.log.Debug("transient storage error, retrying",
			"op", op, "path", rel, "attempt", attempt, "delay", delay, "error", err)
	}
	return Retry(ctx, p, fn)
}

// Exists reports whether rel exists. Errors other than not-exist are returned.
func (s *Store) Exists(ctx context.Context, rel string) (bool, error) {
	_, err := s.Stat(ctx, rel)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Stat returns file info for rel.
func (s *Store) Stat(ctx context.Context, rel string) (os.FileInfo, error) {
	abs, err := s.Abs(rel)
	if err != nil {
		return nil, err
	}
	var info os.FileInfo
	err = s.retry(ctx, "stat", rel, func() error {
		var statErr error
		info, statErr = s.fs.Stat(abs)
		return statErr
	})
	return info, err
}

// Read returns the content of rel.
func (s *Store) Read(ctx context.Context, rel string) ([]byte, error) {
	abs, err := s.Abs(rel)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.retry(ctx, "read", rel, func() error {
		var readErr error
		data, readErr = s.fs.ReadFile(abs)
		return readErr
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, nil
}

// Write stores data at rel through the atomic writer.
func (s *Store) Write(ctx context.Context, rel string, data []byte, opts WriteOptions) error {
	abs, err := s.Abs(rel)
	if err != nil {
		return err
	}
	return s.writer.Write(ctx, abs, data, opts)
}

// Hash returns the hex SHA-256 of rel's content.
func (s *Store) Hash(ctx context.Context, rel string) (string, error) {
	data, err := s.Read(ctx, rel)
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Rename moves oldRel to newRel. It fails with an error matching
// os.ErrExist if newRel is already present.
func (s *Store) Rename(ctx context.Context, oldRel, newRel string) error {
	oldAbs, err := s.Abs(oldRel)
	if err != nil {
		return err
	}
	newAbs, err := s.Abs(newRel)
	if err != nil {
		return err
	}
	err = s.retry(ctx, "rename", oldRel, func() error {
		return s.fs.RenameNoReplace(oldAbs, newAbs)
	})
	if err != nil {
		return fmt.Errorf("rename %s to %s: %w", oldRel, newRel, err)
	}
	return nil
}

// Replace moves oldRel to newRel, replacing newRel. It is meant for
// case-only renames, where both names resolve to the same file on
// case-insensitive filesystems.
func (s *Store) Replace(ctx context.Context, oldRel, newRel string) error {
	oldAbs, err := s.Abs(oldRel)
	if err != nil {
		return err
	}
	newAbs, err := s.Abs(newRel)
	if err != nil {
		return err
	}
	err = s.retry(ctx, "rename", oldRel, func() error {
		return s.fs.Rename(oldAbs, newAbs)
	})
	if err != nil {
		return fmt.Errorf("rename %s to %s: %w", oldRel, newRel, err)
	}
	return nil
}

// SameFile reports whether a and b name the same existing file.
func (s *Store) SameFile(ctx context.Context, a, b string) (bool, error) {
	ai, err := s.Stat(ctx, a)
	if err != nil {
		return false, err
	}
	bi, err := s.Stat(ctx, b)
	if err != nil {
		return false, err
	}
	return os.SameFile(ai, bi), nil
}

// MkdirAll creates the vault-relative directory rel and its parents.
func (s *Store) MkdirAll(ctx context.Context, rel string) error {
	abs, err := s.Abs(rel)
	if err != nil {
		return err
	}
	return s.retry(ctx, "mkdir", rel, func() error {
		return s.fs.MkdirAll(abs, dirPerm)
	})
}

// Documents returns the vault-relative paths of all markdown documents,
// sorted. Hidden files and directories and excluded paths are skipped.
func (s *Store) Documents(ctx context.Context) ([]string, error) {
	var out []string
	var walk func(rel string) error
	walk = func(rel string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		abs := s.root
		if rel != "" {
			var err error
			abs, err = s.Abs(rel)
			if err != nil {
				return err
			}
		}
		var entries []os.DirEntry
		err := s.retry(ctx, "readdir", rel, func() error {
			var readErr error
			entries, readErr = s.fs.ReadDir(abs)
			return readErr
		})
		if err != nil {
			return fmt.Errorf("list %s: %w", abs, err)
		}
		for _, e := range entries {
			child := path.Join(rel, e.Name())
			if isHidden(e.Name()) {
				continue
			}
			if s.exclude != nil && s.exclude(child) {
				continue
			}
			if e.IsDir() {
				if err := walk(child); err != nil {
					return err
				}
				continue
			}
			if e.Type().IsRegular() && IsMarkdown(child) {
				out = append(out, child)
			}
		}
		return nil
	}
	if err := walk(""); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
