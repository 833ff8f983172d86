// Package wal keeps the write-ahead log of rename transactions. Each
// transaction owns a directory holding one JSON file per phase entry and a
// staged/ directory with backups; the directory is removed once the
// transaction reaches a clean terminal state.
package wal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ryotapoi/mdrename/internal/store"
)

const (
	entrySuffix = ".json"
	stageDir    = "staged"
	lockFile    = "lock"
	dirPerm     = 0o700
	filePerm    = 0o600
)

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// ErrCorrupt reports an entry whose checksum does not match its state.
// Callers should use errors.Is(err, ErrCorrupt).
var ErrCorrupt = errors.New("wal entry corrupt")

// ErrActive reports a transaction whose owner still holds its lock.
var ErrActive = errors.New("transaction in progress")

// ErrInvalidID reports a transaction id that is not a UUID.
var ErrInvalidID = errors.New("invalid transaction id")

// Phase is the lifecycle position a WAL entry records.
type Phase string

const (
	Planned    Phase = "planned"
	Prepared   Phase = "prepared"
	Validated  Phase = "validated"
	Committed  Phase = "committed"
	CleanedUp  Phase = "cleaned_up"
	RolledBack Phase = "rolled_back"
	Failed     Phase = "failed"
)

// Terminal reports whether no further phase follows p.
func (p Phase) Terminal() bool {
	return p == CleanedUp || p == RolledBack || p == Failed
}

// Entry is one durable WAL record.
type Entry struct {
	TransactionID string          `json:"transactionId"`
	Seq           int             `json:"seq"`
	Phase         Phase           `json:"phase"`
	State         json.RawMessage `json:"state"`
	Timestamp     time.Time       `json:"timestamp"`
	Checksum      uint32          `json:"checksum"`
}

// Decode unmarshals the entry's state into v.
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.State, v)
}

// Log is the WAL of one vault.
type Log struct {
	dir    string
	fs     store.FS
	writer *store.Writer
	log    *slog.Logger
	now    func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithFS replaces the host filesystem.
func WithFS(fs store.FS) Option { return func(l *Log) { l.fs = fs } }

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option { return func(l *Log) { l.log = lg } }

// WithClock sets the timestamp source.
func WithClock(now func() time.Time) Option { return func(l *Log) { l.now = now } }

// Open returns the WAL rooted at dir, creating it if needed.
func Open(dir string, opts ...Option) (*Log, error) {
	l := &Log{dir: dir, fs: store.NewReal(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l.writer = store.NewWriter(l.fs, store.DefaultRetryPolicy(), l.log)
	if err := l.fs.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	return l, nil
}

// VaultDir returns the WAL directory for the vault at root under stateDir:
// <stateDir>/wal/<first 16 hex digits of sha256(abs root)>.
func VaultDir(stateDir, root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve vault path: %w", err)
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(stateDir, "wal", hex.EncodeToString(sum[:])[:16]), nil
}

// Dir returns the log's root directory.
func (l *Log) Dir() string { return l.dir }

func (l *Log) txDir(txID string) (string, error) {
	if _, err := uuid.Parse(txID); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, txID)
	}
	return filepath.Join(l.dir, txID), nil
}

// StageDir returns the directory holding txID's staged backups.
func (l *Log) StageDir(txID string) (string, error) {
	dir, err := l.txDir(txID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, stageDir), nil
}

// Lock creates txID's directory and takes its lock. The owner of a
// transaction holds the lock until the transaction is finished, so that
// recovery in another process leaves it alone.
func (l *Log) Lock(txID string) (*store.Lock, error) {
	dir, err := l.txDir(txID)
	if err != nil {
		return nil, err
	}
	if err := l.fs.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create transaction dir: %w", err)
	}
	lk, err := store.TryLock(filepath.Join(dir, lockFile))
	if errors.Is(err, store.ErrWouldBlock) {
		return nil, fmt.Errorf("%w: %s", ErrActive, txID)
	}
	return lk, err
}

// Claim takes the lock of an existing transaction. It fails with ErrActive
// while the owner is alive, and with an error matching os.ErrNotExist once
// the transaction is gone.
func (l *Log) Claim(txID string) (*store.Lock, error) {
	dir, err := l.txDir(txID)
	if err != nil {
		return nil, err
	}
	lk, err := store.TryLock(filepath.Join(dir, lockFile))
	if errors.Is(err, store.ErrWouldBlock) {
		return nil, fmt.Errorf("%w: %s", ErrActive, txID)
	}
	return lk, err
}

// Append durably records that txID reached phase, with state as a JSON
// snapshot. The entry file and its directory are fsynced before Append
// returns.
func (l *Log) Append(ctx context.Context, txID string, phase Phase, state any) (Entry, error) {
	dir, err := l.txDir(txID)
	if err != nil {
		return Entry{}, err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s state: %w", phase, err)
	}
	if err := l.fs.MkdirAll(dir, dirPerm); err != nil {
		return Entry{}, fmt.Errorf("create transaction dir: %w", err)
	}
	names, err := l.entryNames(dir)
	if err != nil {
		return Entry{}, err
	}
	if len(names) == 0 {
		if err := l.fs.SyncDir(l.dir); err != nil {
			return Entry{}, fmt.Errorf("sync wal dir: %w", err)
		}
	}
	e := Entry{
		TransactionID: txID,
		Seq:           len(names) + 1,
		Phase:         phase,
		State:         data,
		Timestamp:     l.now().UTC(),
		Checksum:      crc32.Checksum(data, crc32c),
	}
	buf, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("encode entry: %w", err)
	}
	name := fmt.Sprintf("%04d-%s%s", e.Seq, phase, entrySuffix)
	err = l.writer.Write(ctx, filepath.Join(dir, name), buf, store.WriteOptions{Atomic: true, Perm: filePerm, SyncDir: true})
	if err != nil {
		return Entry{}, fmt.Errorf("append %s entry: %w", phase, err)
	}
	l.log.Debug("wal entry written", "tx", txID, "phase", phase, "seq", e.Seq)
	return e, nil
}

func (l *Log) entryNames(dir string) ([]string, error) {
	entries, err := l.fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || store.IsTempName(name) || !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		if _, ok := parseSeq(name); !ok {
			continue
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := parseSeq(names[i])
		b, _ := parseSeq(names[j])
		return a < b
	})
	return names, nil
}

func parseSeq(name string) (int, bool) {
	prefix, _, ok := strings.Cut(name, "-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(prefix)
	return n, err == nil && n > 0
}

// Read returns txID's entries ordered by sequence number. An unknown
// transaction has no entries.
func (l *Log) Read(txID string) ([]Entry, error) {
	dir, err := l.txDir(txID)
	if err != nil {
		return nil, err
	}
	names, err := l.entryNames(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(names))
	for _, name := range names {
		data, err := l.fs.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", name, err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: %s/%s: %w", ErrCorrupt, txID, name, err)
		}
		if e.TransactionID != txID || crc32.Checksum(e.State, crc32c) != e.Checksum {
			return nil, fmt.Errorf("%w: %s/%s: checksum mismatch", ErrCorrupt, txID, name)
		}
		out = append(out, e)
	}
	return out, nil
}

// Last returns txID's most recent entry and false when it has none.
func (l *Log) Last(txID string) (Entry, bool, error) {
	entries, err := l.Read(txID)
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[len(entries)-1], true, nil
}

// Purge removes txID's entries and staged backups.
func (l *Log) Purge(txID string) error {
	dir, err := l.txDir(txID)
	if err != nil {
		return err
	}
	if err := l.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("purge %s: %w", txID, err)
	}
	if err := l.fs.SyncDir(l.dir); err != nil {
		return fmt.Errorf("sync wal dir: %w", err)
	}
	l.log.Debug("wal purged", "tx", txID)
	return nil
}

// List returns every transaction with a directory in the log, sorted.
// Directories whose names are not UUIDs are ignored.
func (l *Log) List() ([]string, error) {
	entries, err := l.fs.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list wal: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			l.log.Warn("ignoring unexpected wal directory", "name", e.Name())
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// ListIncomplete returns transactions whose last entry is not terminal,
// including those with no entry at all.
func (l *Log) ListIncomplete() ([]string, error) {
	return l.filter(func(last Entry, ok bool) bool { return !ok || !last.Phase.Terminal() })
}

// ListFailed returns transactions left in the Failed phase for an operator.
func (l *Log) ListFailed() ([]string, error) {
	return l.filter(func(last Entry, ok bool) bool { return ok && last.Phase == Failed })
}

func (l *Log) filter(keep func(last Entry, ok bool) bool) ([]string, error) {
	ids, err := l.List()
	if err != nil {
		return nil, err
	}
	var out []string
	var errs []error
	for _, id := range ids {
		last, ok, err := l.Last(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if keep(last, ok) {
			out = append(out, id)
		}
	}
	return out, errors.Join(errs...)
}
