// Package history keeps a sqlite journal of finished rename transactions.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ryotapoi/mdrename/internal/txn"
	"github.com/ryotapoi/mdrename/internal/wal"
)

// FileName is the journal's file name inside the state directory.
const FileName = "history.sqlite"

// ErrNotFound is returned by Get for an unknown transaction.
var ErrNotFound = errors.New("transaction not in history")

// Record is one finished transaction.
type Record struct {
	TransactionID    string        `json:"transactionId"`
	Root             string        `json:"root"`
	OldPath          string        `json:"oldPath"`
	NewPath          string        `json:"newPath"`
	Outcome          wal.Phase     `json:"outcome"`
	Code             txn.Code      `json:"errorCode,omitempty"`
	Message          string        `json:"message,omitempty"`
	StartedAt        time.Time     `json:"startedAt"`
	Duration         time.Duration `json:"-"`
	FilesUpdated     int           `json:"filesUpdated"`
	PartiallyUpdated []string      `json:"partiallyUpdated,omitempty"`
	RecordedAt       time.Time     `json:"recordedAt"`
}

// MarshalJSON adds the duration in milliseconds.
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	return json.Marshal(struct {
		plain
		DurationMS int64 `json:"durationMs"`
	}{plain(r), r.Duration.Milliseconds()})
}

// Store is the journal.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ txn.Recorder = (*Store)(nil)

// Open opens or creates the journal at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, err
	}
	// One connection serializes writers from this process.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id                TEXT PRIMARY KEY,
			root              TEXT NOT NULL,
			old_path          TEXT NOT NULL,
			new_path          TEXT NOT NULL,
			outcome           TEXT NOT NULL,
			code              TEXT,
			message           TEXT,
			started_at        INTEGER NOT NULL,
			duration_ms       INTEGER NOT NULL,
			files_updated     INTEGER NOT NULL DEFAULT 0,
			partially_updated TEXT,
			recorded_at       INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_recorded ON transactions(recorded_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record stores o, replacing an earlier outcome of the same transaction.
func (s *Store) Record(ctx context.Context, o txn.Outcome) error {
	var partial sql.NullString
	if len(o.PartiallyUpdated) > 0 {
		data, err := json.Marshal(o.PartiallyUpdated)
		if err != nil {
			return err
		}
		partial = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (id, root, old_path, new_path, outcome, code, message,
		   started_at, duration_ms, files_updated, partially_updated, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   outcome=excluded.outcome,
		   code=excluded.code,
		   message=excluded.message,
		   duration_ms=excluded.duration_ms,
		   files_updated=excluded.files_updated,
		   partially_updated=excluded.partially_updated,
		   recorded_at=excluded.recorded_at`,
		o.TransactionID, o.Root, o.OldPath, o.NewPath, string(o.Phase), nullable(string(o.Code)),
		nullable(o.Message), o.StartedAt.UnixNano(), o.Duration.Milliseconds(), o.FilesUpdated,
		partial, s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", o.TransactionID, err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const selectColumns = `SELECT id, root, old_path, new_path, outcome, code, message,
	started_at, duration_ms, files_updated, partially_updated, recorded_at FROM transactions`

// List returns up to limit records, newest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	q := selectColumns + ` ORDER BY recorded_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns the record of one transaction.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r                  Record
		outcome            string
		code, msg, partial sql.NullString
		started, recorded  int64
		durationMS         int64
	)
	err := sc.Scan(&r.TransactionID, &r.Root, &r.OldPath, &r.NewPath, &outcome, &code, &msg,
		&started, &durationMS, &r.FilesUpdated, &partial, &recorded)
	if err != nil {
		return Record{}, err
	}
	r.Outcome = wal.Phase(outcome)
	r.Code = txn.Code(code.String)
	r.Message = msg.String
	r.StartedAt = time.Unix(0, started)
	r.RecordedAt = time.Unix(0, recorded)
	r.Duration = time.Duration(durationMS) * time.Millisecond
	if partial.Valid {
		if err := json.Unmarshal([]byte(partial.String), &r.PartiallyUpdated); err != nil {
			return Record{}, fmt.Errorf("decode partially updated files of %s: %w", r.TransactionID, err)
		}
	}
	return r, nil
}
