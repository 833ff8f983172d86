package txn

import (
	"encoding/json"
	"time"

	"github.com/ryotapoi/mdrename/internal/core"
	"github.com/ryotapoi/mdrename/internal/store"
	"github.com/ryotapoi/mdrename/internal/wal"
)

// Request asks for one rename.
type Request struct {
	OldPath string
	NewPath string
	// UpdateLinks rewrites every wikilink to the note. NewRequest sets it.
	UpdateLinks bool
	// DryRun plans the rename and returns a preview without touching the vault.
	DryRun bool
}

// NewRequest returns a request that renames oldPath to newPath and updates links.
func NewRequest(oldPath, newPath string) Request {
	return Request{OldPath: oldPath, NewPath: newPath, UpdateLinks: true}
}

// Transaction is the state of one rename. It is snapshotted into every WAL
// entry so recovery can act on it after a crash.
type Transaction struct {
	ID          string               `json:"id"`
	Phase       wal.Phase            `json:"phase"`
	Root        string               `json:"root"`
	OldPath     string               `json:"oldPath"`
	NewPath     string               `json:"newPath"`
	UpdateLinks bool                 `json:"updateLinks"`
	CaseOnly    bool                 `json:"caseOnly,omitempty"`
	ContentHash string               `json:"contentHash"`
	References  []core.LinkReference `json:"references,omitempty"`
	Staged      []Artifact           `json:"staged,omitempty"`
	CreatedDirs []string             `json:"createdDirs,omitempty"`
	Timings     Metrics              `json:"timings"`
	StartedAt   time.Time            `json:"startedAt"`

	// Skipped and Ambiguous come from the plan's scan: documents that could
	// not be read and bare links that may mean another note. Neither is
	// rewritten.
	Skipped   []core.SkippedDocument `json:"skipped,omitempty"`
	Ambiguous []core.LinkReference   `json:"ambiguous,omitempty"`

	// lock is held from Planned until the transaction is finished.
	lock *store.Lock
}

// Artifact is a backup taken at Prepare.
type Artifact struct {
	// Path is the vault-relative document the backup was taken from.
	Path string `json:"path"`
	// Backup is the file name inside the transaction's stage directory.
	Backup string `json:"backup"`
	Hash   string `json:"hash"`
	Source bool   `json:"source,omitempty"`
}

// Retarget returns where references point after the rename.
func (t *Transaction) Retarget() core.Retarget {
	return core.Retarget{Name: store.Basename(t.NewPath), Path: t.NewPath}
}

// ReferencesByFile groups the references by the document holding them
// before the rename.
func (t *Transaction) ReferencesByFile() map[string][]core.LinkReference {
	return core.GroupByFile(t.References)
}

// Metrics are per-phase durations.
type Metrics struct {
	Total    time.Duration
	Plan     time.Duration
	Prepare  time.Duration
	Validate time.Duration
	Commit   time.Duration
	Cleanup  time.Duration
}

type metricsJSON struct {
	TotalTime    int64 `json:"totalTime"`
	PlanTime     int64 `json:"planTime"`
	PrepareTime  int64 `json:"prepareTime"`
	ValidateTime int64 `json:"validateTime"`
	CommitTime   int64 `json:"commitTime"`
	CleanupTime  int64 `json:"cleanupTime,omitempty"`
}

// MarshalJSON reports durations in milliseconds.
func (m Metrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(metricsJSON{
		TotalTime:    m.Total.Milliseconds(),
		PlanTime:     m.Plan.Milliseconds(),
		PrepareTime:  m.Prepare.Milliseconds(),
		ValidateTime: m.Validate.Milliseconds(),
		CommitTime:   m.Commit.Milliseconds(),
		CleanupTime:  m.Cleanup.Milliseconds(),
	})
}

func (m *Metrics) UnmarshalJSON(data []byte) error {
	var v metricsJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*m = Metrics{
		Total:    time.Duration(v.TotalTime) * time.Millisecond,
		Plan:     time.Duration(v.PlanTime) * time.Millisecond,
		Prepare:  time.Duration(v.PrepareTime) * time.Millisecond,
		Validate: time.Duration(v.ValidateTime) * time.Millisecond,
		Commit:   time.Duration(v.CommitTime) * time.Millisecond,
		Cleanup:  time.Duration(v.CleanupTime) * time.Millisecond,
	}
	return nil
}

// Plan is the validated, not yet executed form of a rename.
type Plan struct {
	OldPath     string
	NewPath     string
	ContentHash string
	// CaseOnly marks a rename that only changes letter case.
	CaseOnly bool
	// NameCollision marks another note already named like the destination.
	NameCollision bool
	CreatedDirs   []string
	Scan          core.ScanResult
}

// Result describes a finished rename or, for dry runs, its preview.
type Result struct {
	TransactionID string
	OldPath       string
	NewPath       string
	Phase         wal.Phase
	Metrics       Metrics
	// FilesUpdated lists the documents whose links were rewritten.
	FilesUpdated []string
	References   int
	// Skipped and Ambiguous are left as they were; see Transaction.
	Skipped   []core.SkippedDocument
	Ambiguous []core.LinkReference
	Preview   *Preview
}
