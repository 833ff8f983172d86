package txn

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ryotapoi/mdrename/internal/core"
)

// Estimate is a heuristic execution time range.
type Estimate struct {
	Min time.Duration
	Max time.Duration
}

// MarshalJSON reports milliseconds.
func (e Estimate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Min int64 `json:"min"`
		Max int64 `json:"max"`
	}{e.Min.Milliseconds(), e.Max.Milliseconds()})
}

// EstimateDuration returns the expected run time for a rename touching refs
// references.
func EstimateDuration(refs int) Estimate {
	n := time.Duration(refs)
	return Estimate{
		Min: 50*time.Millisecond + 5*time.Millisecond*n,
		Max: 200*time.Millisecond + 20*time.Millisecond*n,
	}
}

// PhaseDescription describes one protocol phase.
type PhaseDescription struct {
	Phase       string `json:"phase"`
	Description string `json:"description"`
}

// Phases lists what a rename does, in order.
var Phases = []PhaseDescription{
	{"plan", "Validate paths, check for collisions, hash the source and find every link to it."},
	{"prepare", "Back up the source and every document whose links change."},
	{"validate", "Re-hash the source and linking documents to detect concurrent edits."},
	{"commit", "Rename the note and rewrite its links, rolling back on any failure."},
	{"cleanup", "Remove backups and the transaction log."},
}

// FileSummary lists the references in one document.
type FileSummary struct {
	Path       string `json:"path"`
	References int    `json:"references"`
	Lines      []int  `json:"lines"`
}

// LinkUpdates summarizes the link rewrites a rename would make.
type LinkUpdates struct {
	FilesWithLinks  int           `json:"filesWithLinks"`
	AffectedPaths   []string      `json:"affectedPaths"`
	TotalReferences int           `json:"totalReferences"`
	Files           []FileSummary `json:"files,omitempty"`
}

// Preview is the dry-run result.
type Preview struct {
	Operation         string                 `json:"operation"`
	OldPath           string                 `json:"oldPath"`
	NewPath           string                 `json:"newPath"`
	WillUpdateLinks   bool                   `json:"willUpdateLinks"`
	FilesAffected     int                    `json:"filesAffected"`
	LinkUpdates       *LinkUpdates           `json:"linkUpdates,omitempty"`
	TransactionPhases []PhaseDescription     `json:"transactionPhases"`
	EstimatedTime     Estimate               `json:"estimatedTime"`
	Skipped           []core.SkippedDocument `json:"skipped,omitempty"`
	AmbiguousLinks    []core.LinkReference   `json:"ambiguousLinks,omitempty"`
}

func (p *Preview) totalReferences() int {
	if p.LinkUpdates == nil {
		return 0
	}
	return p.LinkUpdates.TotalReferences
}

// Preview plans req and describes what Rename would do. Neither the vault
// nor the WAL is written.
func (m *Manager) Preview(ctx context.Context, req Request) (*Preview, error) {
	p, err := m.plan(ctx, req)
	if err != nil {
		return nil, err
	}
	return buildPreview(req, p), nil
}

func buildPreview(req Request, p *Plan) *Preview {
	pv := &Preview{
		Operation:         "rename",
		OldPath:           p.OldPath,
		NewPath:           p.NewPath,
		WillUpdateLinks:   req.UpdateLinks,
		FilesAffected:     1,
		TransactionPhases: Phases,
	}
	refs := 0
	if req.UpdateLinks {
		groups := core.GroupByFile(p.Scan.References)
		lu := &LinkUpdates{TotalReferences: len(p.Scan.References), AffectedPaths: []string{}}
		for _, f := range p.Scan.Files() {
			lu.AffectedPaths = append(lu.AffectedPaths, f)
			s := FileSummary{Path: f, References: len(groups[f])}
			for _, ref := range groups[f] {
				s.Lines = append(s.Lines, ref.Line)
			}
			lu.Files = append(lu.Files, s)
			if f != p.OldPath {
				pv.FilesAffected++
			}
		}
		lu.FilesWithLinks = len(lu.AffectedPaths)
		pv.LinkUpdates = lu
		pv.Skipped = p.Scan.Skipped
		pv.AmbiguousLinks = p.Scan.Ambiguous
		refs = lu.TotalReferences
	}
	pv.EstimatedTime = EstimateDuration(refs)
	return pv
}
