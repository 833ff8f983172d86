package txn

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ryotapoi/mdrename/internal/wal"
)

// RecoveryAction is what Recover did with a transaction.
type RecoveryAction string

const (
	// ActionCleanup purged a transaction that had fully committed.
	ActionCleanup RecoveryAction = "cleanup"
	// ActionRollback rolled an interrupted transaction back.
	ActionRollback RecoveryAction = "rollback"
	// ActionDiscard purged a transaction that never touched the vault or
	// had already finished.
	ActionDiscard RecoveryAction = "discard"
	// ActionSkip left a transaction for the operator.
	ActionSkip RecoveryAction = "skip"
	// ActionActive left a transaction another process is still running.
	ActionActive RecoveryAction = "active"
)

// Recovery reports how one transaction was resolved.
type Recovery struct {
	TransactionID string          `json:"transactionId"`
	LastPhase     wal.Phase       `json:"lastPhase,omitempty"`
	Action        RecoveryAction  `json:"action"`
	Outcome       wal.Phase       `json:"outcome,omitempty"`
	OldPath       string          `json:"oldPath,omitempty"`
	NewPath       string          `json:"newPath,omitempty"`
	Rollback      *RollbackReport `json:"rollback,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Recover resolves every transaction left in the WAL by an earlier process.
// Transactions that reached Committed are only cleaned up; all other
// unfinished ones are rolled back. Nothing is ever resumed or re-committed.
// Transactions already marked Failed, and those whose log cannot be read,
// are left in place. A transaction whose owner still holds its lock is
// live, not orphaned, and is reported with ActionActive.
func (m *Manager) Recover(ctx context.Context) ([]Recovery, error) {
	ctx = context.WithoutCancel(ctx)
	ids, err := m.wal.List()
	if err != nil {
		return nil, &Error{Code: CodeTransactionFailed, Phase: StepRecover, Err: err}
	}
	var out []Recovery
	var errs []error
	for _, id := range ids {
		lk, err := m.wal.Claim(id)
		switch {
		case errors.Is(err, wal.ErrActive):
			m.log.Debug("transaction in progress, not recovering", "tx", id)
			out = append(out, Recovery{TransactionID: id, Action: ActionActive})
			continue
		case errors.Is(err, os.ErrNotExist):
			// Finished after it was listed.
			continue
		case err != nil:
			out = append(out, Recovery{TransactionID: id, Action: ActionSkip, Error: err.Error()})
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		rec, err := m.recoverOne(ctx, id)
		if cerr := lk.Close(); cerr != nil {
			m.log.Warn("could not release transaction lock", "tx", id, "error", cerr)
		}
		if err != nil {
			rec.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
		out = append(out, rec)
	}
	if len(errs) > 0 {
		return out, &Error{Code: CodeRollbackFailed, Phase: StepRecover, Err: errors.Join(errs...)}
	}
	return out, nil
}

func (m *Manager) recoverOne(ctx context.Context, id string) (Recovery, error) {
	rec := Recovery{TransactionID: id, Action: ActionSkip}
	entries, err := m.wal.Read(id)
	if err != nil {
		m.log.Error("unreadable wal, leaving it for inspection", "tx", id, "error", err)
		return rec, err
	}
	if len(entries) == 0 {
		// Crashed before the first entry: nothing was touched.
		rec.Action = ActionDiscard
		return rec, m.wal.Purge(id)
	}
	last := entries[len(entries)-1]
	rec.LastPhase = last.Phase

	var tx Transaction
	if err := last.Decode(&tx); err != nil {
		return rec, fmt.Errorf("decode state: %w", err)
	}
	tx.ID = id
	rec.OldPath, rec.NewPath = tx.OldPath, tx.NewPath
	log := m.log.With("tx", id, "last_phase", last.Phase)

	switch last.Phase {
	case wal.Failed:
		log.Warn("transaction needs manual recovery")
		var st failedState
		if err := last.Decode(&st); err == nil {
			rec.Rollback = &st.Rollback
		}
		rec.Outcome = wal.Failed
		return rec, nil

	case wal.CleanedUp, wal.RolledBack:
		rec.Action = ActionDiscard
		rec.Outcome = last.Phase
		return rec, m.wal.Purge(id)

	case wal.Committed:
		log.Info("transaction had committed, cleaning up")
		rec.Action = ActionCleanup
		rec.Outcome = wal.CleanedUp
		if err := m.wal.Purge(id); err != nil {
			return rec, err
		}
		m.record(ctx, Outcome{TransactionID: id, Phase: wal.CleanedUp, Message: "completed by recovery"}, &tx)
		return rec, nil
	}

	// Planned and Prepared never touched the vault; Validated may have
	// been interrupted anywhere inside Commit.
	touched := last.Phase == wal.Validated
	log.Info("rolling back interrupted transaction", "vault_touched", touched)
	rec.Action = ActionRollback
	report := m.rollback(ctx, &tx, touched)
	rec.Rollback = &report
	msg := fmt.Sprintf("interrupted after %s", last.Phase)
	if !report.FullyConsistent {
		m.markFailed(ctx, &tx, report)
		rec.Outcome = wal.Failed
		m.record(ctx, Outcome{
			TransactionID:    id,
			Phase:            wal.Failed,
			Code:             CodeRollbackFailed,
			Message:          msg,
			PartiallyUpdated: report.PartiallyUpdatedFiles,
		}, &tx)
		return rec, errors.New("rollback incomplete")
	}
	m.finishRollback(ctx, &tx)
	rec.Outcome = wal.RolledBack
	m.record(ctx, Outcome{TransactionID: id, Phase: wal.RolledBack, Code: CodeTransactionFailed, Message: msg}, &tx)
	return rec, nil
}

// Pending lists transactions in the WAL that are unfinished or need
// manual recovery, without acting on them. Transactions still owned by a
// running process are listed with ActionActive.
func (m *Manager) Pending() ([]Recovery, error) {
	ids, err := m.wal.List()
	if err != nil {
		return nil, err
	}
	var out []Recovery
	for _, id := range ids {
		rec := Recovery{TransactionID: id, Action: ActionSkip}
		lk, err := m.wal.Claim(id)
		switch {
		case errors.Is(err, wal.ErrActive):
			rec.Action = ActionActive
		case errors.Is(err, os.ErrNotExist):
			continue
		case err == nil:
			if cerr := lk.Close(); cerr != nil {
				m.log.Warn("could not release transaction lock", "tx", id, "error", cerr)
			}
		}
		last, ok, err := m.wal.Last(id)
		if err != nil {
			rec.Error = err.Error()
			out = append(out, rec)
			continue
		}
		if !ok {
			out = append(out, rec)
			continue
		}
		rec.LastPhase = last.Phase
		var st failedState
		if err := last.Decode(&st); err == nil && st.Transaction != nil {
			rec.OldPath, rec.NewPath = st.OldPath, st.NewPath
			if last.Phase == wal.Failed {
				rec.Rollback = &st.Rollback
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
