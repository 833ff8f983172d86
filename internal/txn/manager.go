// Package txn renames notes transactionally. A rename runs through
// plan, prepare, validate, commit and cleanup; every phase is recorded in
// the WAL before it touches the vault, and any failure rolls the vault back
// to its previous bytes. Recover resolves transactions interrupted by a
// crash.
package txn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ryotapoi/mdrename/internal/core"
	"github.com/ryotapoi/mdrename/internal/store"
	"github.com/ryotapoi/mdrename/internal/wal"
)

// Outcome is the terminal result of a transaction, as kept in the history.
type Outcome struct {
	TransactionID    string
	Root             string
	OldPath          string
	NewPath          string
	Phase            wal.Phase
	Code             Code
	Message          string
	StartedAt        time.Time
	Duration         time.Duration
	FilesUpdated     int
	PartiallyUpdated []string
}

// Recorder keeps transaction outcomes.
type Recorder interface {
	Record(ctx context.Context, o Outcome) error
}

// Options wires a Manager. Store and WAL are required; Scanner and Updater
// default to ones built on Store.
type Options struct {
	Store   *store.Store
	Scanner *core.Scanner
	Updater *core.Updater
	WAL     *wal.Log
	History Recorder
	Logger  *slog.Logger
	// ScanOptions are the scan settings; the target is filled per rename.
	ScanOptions core.ScanOptions
	Now         func() time.Time
}

// Manager runs rename transactions over one vault.
type Manager struct {
	store    *store.Store
	scanner  *core.Scanner
	updater  *core.Updater
	wal      *wal.Log
	history  Recorder
	log      *slog.Logger
	scanOpts core.ScanOptions
	now      func() time.Time

	// afterPrepare runs between Prepare and Validate. Tests use it to edit
	// the vault concurrently.
	afterPrepare func(tx *Transaction)
}

// New returns a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("txn: store is required")
	}
	if opts.WAL == nil {
		return nil, errors.New("txn: wal is required")
	}
	m := &Manager{
		store:    opts.Store,
		scanner:  opts.Scanner,
		updater:  opts.Updater,
		wal:      opts.WAL,
		history:  opts.History,
		log:      opts.Logger,
		scanOpts: opts.ScanOptions,
		now:      opts.Now,
	}
	if m.log == nil {
		m.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m.scanner == nil {
		m.scanner = core.NewScanner(m.store, core.WithScanLogger(m.log))
	}
	if m.updater == nil {
		m.updater = core.NewUpdater(m.store, m.log)
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

func (m *Manager) since(t time.Time) time.Duration { return m.now().Sub(t) }

// Rename executes req. For a dry run it returns the preview and leaves the
// vault and the WAL untouched. Caller cancellation is honored while
// planning; once the plan is logged the transaction runs to a terminal
// state.
func (m *Manager) Rename(ctx context.Context, req Request) (*Result, error) {
	if req.DryRun {
		p, err := m.Preview(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Result{OldPath: p.OldPath, NewPath: p.NewPath, Preview: p, References: p.totalReferences()}, nil
	}
	tx, err := m.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	defer m.release(tx)
	return m.execute(context.WithoutCancel(ctx), tx)
}

// release drops tx's lock. The WAL may stay behind, for recovery.
func (m *Manager) release(tx *Transaction) {
	if err := tx.lock.Close(); err != nil {
		m.log.Warn("could not release transaction lock", "tx", tx.ID, "error", err)
	}
	tx.lock = nil
}

// begin plans req and logs the Planned entry.
func (m *Manager) begin(ctx context.Context, req Request) (*Transaction, error) {
	start := m.now()
	p, err := m.plan(ctx, req)
	if err != nil {
		m.log.Info("rename rejected", "from", req.OldPath, "to", req.NewPath, "error", err)
		return nil, err
	}
	tx := &Transaction{
		ID:          uuid.NewString(),
		Root:        m.store.Root(),
		OldPath:     p.OldPath,
		NewPath:     p.NewPath,
		UpdateLinks: req.UpdateLinks,
		CaseOnly:    p.CaseOnly,
		ContentHash: p.ContentHash,
		CreatedDirs: p.CreatedDirs,
		StartedAt:   start,
	}
	if req.UpdateLinks {
		tx.References = p.Scan.References
		tx.Skipped = p.Scan.Skipped
		tx.Ambiguous = p.Scan.Ambiguous
	}
	tx.Timings.Plan = m.since(start)
	tx.lock, err = m.wal.Lock(tx.ID)
	if err == nil {
		err = m.appendPhase(ctx, tx, wal.Planned)
	}
	if err != nil {
		if perr := m.wal.Purge(tx.ID); perr != nil {
			m.log.Warn("could not remove wal", "tx", tx.ID, "error", perr)
		}
		m.release(tx)
		return nil, &Error{Code: CodePlanFailed, Phase: StepPlan, Err: err}
	}
	m.log.Debug("transaction planned", "tx", tx.ID, "from", tx.OldPath, "to", tx.NewPath,
		"references", len(tx.References))
	return tx, nil
}

func (m *Manager) execute(ctx context.Context, tx *Transaction) (*Result, error) {
	t := m.now()
	err := m.prepare(ctx, tx)
	tx.Timings.Prepare = m.since(t)
	if err != nil {
		return nil, m.abort(ctx, tx, StepPrepare, classify(err, CodePrepareFailed), err, false)
	}
	if m.afterPrepare != nil {
		m.afterPrepare(tx)
	}

	t = m.now()
	err = m.validate(ctx, tx)
	tx.Timings.Validate = m.since(t)
	if err != nil {
		return nil, m.abort(ctx, tx, StepValidate, classify(err, CodeValidateFailed), err, false)
	}

	t = m.now()
	updated, err := m.commit(ctx, tx)
	tx.Timings.Commit = m.since(t)
	if err != nil {
		return nil, m.abort(ctx, tx, StepCommit, CodeCommitFailed, err, true)
	}
	// Without a Committed entry recovery would undo the rename, so the
	// rename is undone now and reported as failed.
	if err := m.appendPhase(ctx, tx, wal.Committed); err != nil {
		return nil, m.abort(ctx, tx, StepCommit, CodeCommitFailed, err, true)
	}

	t = m.now()
	m.cleanup(tx)
	tx.Phase = wal.CleanedUp
	tx.Timings.Cleanup = m.since(t)
	tx.Timings.Total = m.since(tx.StartedAt)
	m.log.Info("rename committed", "tx", tx.ID, "from", tx.OldPath, "to", tx.NewPath,
		"files", len(updated), "duration", tx.Timings.Total)

	m.record(ctx, Outcome{
		TransactionID: tx.ID,
		Phase:         wal.CleanedUp,
		FilesUpdated:  len(updated),
	}, tx)
	return &Result{
		TransactionID: tx.ID,
		OldPath:       tx.OldPath,
		NewPath:       tx.NewPath,
		Phase:         wal.CleanedUp,
		Metrics:       tx.Timings,
		FilesUpdated:  updated,
		References:    len(tx.References),
		Skipped:       tx.Skipped,
		Ambiguous:     tx.Ambiguous,
	}, nil
}

// abort rolls tx back and returns the error for the caller. touched is
// false when the vault has not been modified yet.
func (m *Manager) abort(ctx context.Context, tx *Transaction, step Step, code Code, cause error, touched bool) error {
	m.log.Warn("rename failed, rolling back", "tx", tx.ID, "phase", step, "error", cause)
	report := m.rollback(ctx, tx, touched)
	tx.Timings.Total = m.since(tx.StartedAt)
	if report.FullyConsistent {
		m.finishRollback(ctx, tx)
	} else {
		code = CodeRollbackFailed
		m.markFailed(ctx, tx, report)
	}
	m.record(ctx, Outcome{
		TransactionID:    tx.ID,
		Phase:            tx.Phase,
		Code:             code,
		Message:          cause.Error(),
		PartiallyUpdated: report.PartiallyUpdatedFiles,
	}, tx)
	return &Error{Code: code, Phase: step, TransactionID: tx.ID, Err: cause, Rollback: &report}
}

func (m *Manager) finishRollback(ctx context.Context, tx *Transaction) {
	if err := m.appendPhase(ctx, tx, wal.RolledBack); err != nil {
		m.log.Warn("could not log rollback", "tx", tx.ID, "error", err)
	}
	if err := m.wal.Purge(tx.ID); err != nil {
		m.log.Warn("could not remove wal", "tx", tx.ID, "error", err)
	}
	m.log.Info("transaction rolled back", "tx", tx.ID)
}

// failedState is the Failed entry: the transaction plus what rollback left.
type failedState struct {
	*Transaction
	Rollback RollbackReport `json:"rollback"`
}

func (m *Manager) markFailed(ctx context.Context, tx *Transaction, report RollbackReport) {
	tx.Phase = wal.Failed
	if _, err := m.wal.Append(ctx, tx.ID, wal.Failed, failedState{Transaction: tx, Rollback: report}); err != nil {
		m.log.Error("could not log failed transaction", "tx", tx.ID, "error", err)
	}
	m.log.Error("rollback incomplete, manual recovery required", "tx", tx.ID,
		"partially_updated", report.PartiallyUpdatedFiles, "errors", report.Errors)
}

func (m *Manager) appendPhase(ctx context.Context, tx *Transaction, phase wal.Phase) error {
	tx.Phase = phase
	if _, err := m.wal.Append(ctx, tx.ID, phase, tx); err != nil {
		return fmt.Errorf("log %s: %w", phase, err)
	}
	return nil
}

func (m *Manager) cleanup(tx *Transaction) {
	if err := m.wal.Purge(tx.ID); err != nil {
		m.log.Warn("cleanup failed, wal left behind", "tx", tx.ID, "error", err)
	}
}

func (m *Manager) record(ctx context.Context, o Outcome, tx *Transaction) {
	if m.history == nil {
		return
	}
	o.Root = tx.Root
	o.OldPath = tx.OldPath
	o.NewPath = tx.NewPath
	o.StartedAt = tx.StartedAt
	o.Duration = tx.Timings.Total
	if err := m.history.Record(ctx, o); err != nil {
		m.log.Warn("could not record history", "tx", o.TransactionID, "error", err)
	}
}
