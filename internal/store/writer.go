package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	tempPrefix  = ".tmp-"
	defaultPerm = 0o644
)

// WriteOptions controls a single Writer.Write call.
type WriteOptions struct {
	// Atomic writes through a temp file in the target directory and renames
	// it over the target.
	Atomic bool
	// MaxRetries overrides the writer's retry budget when > 0.
	MaxRetries int
	// Perm is used when the target does not exist yet. An existing target
	// keeps its permission bits.
	Perm os.FileMode
	// SyncDir fsyncs the parent directory after the rename.
	SyncDir bool
}

// Writer writes whole files so that the target is always either the old or
// the new content. Transient storage errors are retried per its policy.
type Writer struct {
	fs     FS
	policy RetryPolicy
	log    *slog.Logger
	now    func() time.Time
}

// NewWriter returns a Writer over fs. A nil logger discards output.
func NewWriter(fs FS, policy RetryPolicy, log *slog.Logger) *Writer {
	if fs == nil {
		fs = NewReal()
	}
	if log == nil {
		log = discardLogger()
	}
	return &Writer{fs: fs, policy: policy.withDefaults(), log: log, now: time.Now}
}

// IsTempName reports whether name looks like a Writer temp file.
func IsTempName(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}

// TempPath returns the temp file path used for target at time t:
// .tmp-<unixnano>-<basename> in the target's directory.
func TempPath(target string, t time.Time) string {
	dir, base := filepath.Split(target)
	return filepath.Join(dir, tempPrefix+strconv.FormatInt(t.UnixNano(), 10)+"-"+base)
}

// Write stores data at path.
func (w *Writer) Write(ctx context.Context, path string, data []byte, opts WriteOptions) error {
	if path == "" {
		return errors.New("write: empty path")
	}
	policy := w.policy
	if opts.MaxRetries > 0 {
		policy.MaxRetries = opts.MaxRetries
	}
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		w.log.Debug("transient write error, retrying",
			"path", path, "attempt", attempt, "delay", delay, "error", err)
	}

	perm := w.targetPerm(path, opts.Perm)
	if !opts.Atomic {
		err := Retry(ctx, policy, func() error {
			return w.writeAndSync(path, data, perm, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		})
		if err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		return nil
	}

	tmp := TempPath(path, w.now())
	err := Retry(ctx, policy, func() error {
		err := w.writeAndSync(tmp, data, perm, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
		if err != nil {
			// Never leave a half-written temp behind between attempts.
			_ = w.fs.Remove(tmp)
		}
		return err
	})
	if err != nil {
		w.removeTemp(tmp)
		return fmt.Errorf("write temp for %s: %w", path, err)
	}

	err = Retry(ctx, policy, func() error {
		return w.fs.Rename(tmp, path)
	})
	if err != nil {
		w.removeTemp(tmp)
		return fmt.Errorf("rename temp over %s: %w", path, err)
	}

	if opts.SyncDir {
		if err := w.fs.SyncDir(filepath.Dir(path)); err != nil {
			return fmt.Errorf("sync dir of %s: %w", path, err)
		}
	}
	return nil
}

func (w *Writer) writeAndSync(path string, data []byte, perm os.FileMode, flag int) error {
	f, err := w.fs.OpenFile(path, flag, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	// OpenFile applies umask on creation.
	return w.fs.Chmod(path, perm)
}

func (w *Writer) targetPerm(path string, perm os.FileMode) os.FileMode {
	if info, err := w.fs.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	if perm == 0 {
		return defaultPerm
	}
	return perm
}

func (w *Writer) removeTemp(tmp string) {
	if err := w.fs.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.log.Warn("could not remove temp file", "path", tmp, "error", err)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
