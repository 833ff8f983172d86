package txn

import (
	"errors"

	"github.com/ryotapoi/mdrename/internal/core"
)

// Response is the JSON shape returned to tool callers.
type Response struct {
	Success       bool            `json:"success"`
	OldPath       string          `json:"oldPath,omitempty"`
	NewPath       string          `json:"newPath,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
	Metrics       *Metrics        `json:"metrics,omitempty"`
	FilesUpdated  []string        `json:"filesUpdated,omitempty"`
	Preview       *Preview        `json:"preview,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorCode     Code            `json:"errorCode,omitempty"`
	Suggestion    string          `json:"suggestion,omitempty"`
	Rollback      *RollbackReport `json:"rollback,omitempty"`

	// SkippedDocuments counts documents the scan could not read; links in
	// them were not updated.
	SkippedDocuments int                    `json:"skippedDocuments,omitempty"`
	Skipped          []core.SkippedDocument `json:"skipped,omitempty"`
	// AmbiguousLinks are bare links left alone because another note
	// shares the old name.
	AmbiguousLinks []core.LinkReference `json:"ambiguousLinks,omitempty"`
}

// Respond maps the result of Rename to a Response.
func Respond(res *Result, err error) Response {
	if err != nil {
		r := Response{Error: err.Error(), ErrorCode: CodeUnknown, Suggestion: suggestion(CodeUnknown)}
		var te *Error
		if errors.As(err, &te) {
			r.ErrorCode = te.Code
			r.TransactionID = te.TransactionID
			r.Suggestion = te.Suggestion()
			// Rollback details only matter once the vault was touched.
			if te.Rollback != nil && (te.Phase == StepCommit || te.Code == CodeRollbackFailed) {
				r.Rollback = te.Rollback
			}
		}
		return r
	}
	if res == nil {
		return Response{Success: false, ErrorCode: CodeUnknown, Error: "no result", Suggestion: suggestion(CodeUnknown)}
	}
	if res.Preview != nil {
		return Response{Success: true, Preview: res.Preview}
	}
	m := res.Metrics
	return Response{
		Success:       true,
		OldPath:       res.OldPath,
		NewPath:       res.NewPath,
		TransactionID: res.TransactionID,
		Metrics:       &m,
		FilesUpdated:  res.FilesUpdated,

		SkippedDocuments: len(res.Skipped),
		Skipped:          res.Skipped,
		AmbiguousLinks:   res.Ambiguous,
	}
}
