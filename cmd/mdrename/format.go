package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"

	"github.com/ryotapoi/mdrename/internal/core"
	"github.com/ryotapoi/mdrename/internal/history"
	"github.com/ryotapoi/mdrename/internal/txn"
)

// validateFormat checks that format is "json" or "text".
func validateFormat(format string) error {
	if format != "json" && format != "text" {
		return fmt.Errorf("invalid format: %q (must be json or text)", format)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ms(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}

// --- rename ---

func printRenameText(w io.Writer, r txn.Response) error {
	switch {
	case !r.Success:
		printRenameFailure(w, r)
	case r.Preview != nil:
		printPreviewText(w, r.Preview)
	default:
		fmt.Fprintf(w, "Renamed %s -> %s\n", r.OldPath, r.NewPath)
		fmt.Fprintf(w, "  transaction: %s\n", r.TransactionID)
		if len(r.FilesUpdated) == 0 {
			fmt.Fprintln(w, "  no links updated")
		} else {
			fmt.Fprintf(w, "  updated links in %s:\n", english.Plural(len(r.FilesUpdated), "file", ""))
			for _, f := range r.FilesUpdated {
				fmt.Fprintf(w, "    %s\n", f)
			}
		}
		printLeftAlone(w, r.Skipped, r.AmbiguousLinks)
		if r.Metrics != nil {
			m := r.Metrics
			fmt.Fprintf(w, "  took %s (plan %s, prepare %s, validate %s, commit %s)\n",
				ms(m.Total), ms(m.Plan), ms(m.Prepare), ms(m.Validate), ms(m.Commit))
		}
	}
	return nil
}

// printLeftAlone lists documents and links a rename did not update.
func printLeftAlone(w io.Writer, skipped []core.SkippedDocument, ambiguous []core.LinkReference) {
	if len(skipped) > 0 {
		fmt.Fprintf(w, "  skipped %s, links there were not updated:\n", english.Plural(len(skipped), "unreadable document", ""))
		for _, d := range skipped {
			fmt.Fprintf(w, "    %s: %s\n", d.Path, d.Reason)
		}
	}
	if len(ambiguous) > 0 {
		fmt.Fprintf(w, "  left %s that may mean another note with the same name:\n", english.Plural(len(ambiguous), "link", ""))
		for _, ref := range ambiguous {
			fmt.Fprintf(w, "    %s:%d %s\n", ref.SourceFile, ref.Line, ref.Raw)
		}
	}
}

func printRenameFailure(w io.Writer, r txn.Response) {
	fmt.Fprintf(w, "Rename failed [%s]: %s\n", r.ErrorCode, r.Error)
	if r.TransactionID != "" {
		fmt.Fprintf(w, "  transaction: %s\n", r.TransactionID)
	}
	if rb := r.Rollback; rb != nil {
		if rb.FullyConsistent {
			fmt.Fprintln(w, "  rolled back: the vault is unchanged")
		} else {
			fmt.Fprintln(w, "  rollback incomplete")
			for _, f := range rb.PartiallyUpdatedFiles {
				fmt.Fprintf(w, "    partially updated: %s\n", f)
			}
			for _, e := range rb.Errors {
				fmt.Fprintf(w, "    %s\n", e)
			}
		}
	}
	if r.Suggestion != "" {
		fmt.Fprintf(w, "  hint: %s\n", r.Suggestion)
	}
}

func printPreviewText(w io.Writer, p *txn.Preview) {
	fmt.Fprintf(w, "Dry run: %s %s -> %s\n", p.Operation, p.OldPath, p.NewPath)
	fmt.Fprintf(w, "  files affected: %d\n", p.FilesAffected)
	if lu := p.LinkUpdates; lu != nil {
		fmt.Fprintf(w, "  links: %s in %s\n",
			english.Plural(lu.TotalReferences, "reference", ""),
			english.Plural(lu.FilesWithLinks, "file", ""))
		for _, f := range lu.Files {
			lines := make([]string, len(f.Lines))
			for i, l := range f.Lines {
				lines[i] = fmt.Sprint(l)
			}
			fmt.Fprintf(w, "    %s (line %s)\n", f.Path, strings.Join(lines, ", "))
		}
	} else {
		fmt.Fprintln(w, "  links: not updated")
	}
	printLeftAlone(w, p.Skipped, p.AmbiguousLinks)
	fmt.Fprintf(w, "  estimated time: %s-%s\n", ms(p.EstimatedTime.Min), ms(p.EstimatedTime.Max))
	fmt.Fprintln(w, "  phases:")
	for _, ph := range p.TransactionPhases {
		fmt.Fprintf(w, "    %-8s %s\n", ph.Phase, ph.Description)
	}
}

// --- links ---

type linksOutput struct {
	Target     string                 `json:"target"`
	Path       string                 `json:"path,omitempty"`
	References []core.LinkReference   `json:"references"`
	Files      int                    `json:"files"`
	Scanned    int                    `json:"scanned"`
	Skipped    []core.SkippedDocument `json:"skipped,omitempty"`
	Ambiguous  []core.LinkReference   `json:"ambiguous,omitempty"`
}

func newLinksOutput(name, path string, res core.ScanResult) linksOutput {
	refs := res.References
	if refs == nil {
		refs = []core.LinkReference{}
	}
	return linksOutput{
		Target:     name,
		Path:       path,
		References: refs,
		Files:      len(res.Files()),
		Scanned:    res.Scanned,
		Skipped:    res.Skipped,
		Ambiguous:  res.Ambiguous,
	}
}

func printLinksText(w io.Writer, out linksOutput) error {
	for _, ref := range out.References {
		fmt.Fprintf(w, "%s:%d:%d: %s\n", ref.SourceFile, ref.Line, ref.Column, ref.Raw)
	}
	for _, s := range out.Skipped {
		fmt.Fprintf(w, "skipped %s: %s\n", s.Path, s.Reason)
	}
	for _, ref := range out.Ambiguous {
		fmt.Fprintf(w, "ambiguous %s:%d:%d: %s\n", ref.SourceFile, ref.Line, ref.Column, ref.Raw)
	}
	fmt.Fprintf(w, "%s in %s (%s scanned)\n",
		english.Plural(len(out.References), "reference", ""),
		english.Plural(out.Files, "file", ""),
		humanize.Comma(int64(out.Scanned)))
	return nil
}

// --- relink ---

type relinkFile struct {
	Path       string `json:"path"`
	References int    `json:"references"`
	Error      string `json:"error,omitempty"`
}

type relinkOutput struct {
	FromName   string       `json:"fromName"`
	ToName     string       `json:"toName"`
	References int          `json:"references"`
	Updated    []relinkFile `json:"updated"`
	Failed     []relinkFile `json:"failed,omitempty"`
}

func newRelinkOutput(from, to string, refs int, results []core.FileResult) relinkOutput {
	out := relinkOutput{FromName: from, ToName: to, References: refs, Updated: []relinkFile{}}
	for _, r := range results {
		f := relinkFile{Path: r.Path, References: r.References}
		if r.Status == core.FileFailed {
			if r.Err != nil {
				f.Error = r.Err.Error()
			}
			out.Failed = append(out.Failed, f)
			continue
		}
		out.Updated = append(out.Updated, f)
	}
	return out
}

func printRelinkText(w io.Writer, out relinkOutput) error {
	fmt.Fprintf(w, "Relinked [[%s]] -> [[%s]]: %s\n", out.FromName, out.ToName,
		english.Plural(out.References, "reference", ""))
	for _, f := range out.Updated {
		fmt.Fprintf(w, "  updated %s (%d)\n", f.Path, f.References)
	}
	for _, f := range out.Failed {
		fmt.Fprintf(w, "  FAILED %s: %s\n", f.Path, f.Error)
	}
	return nil
}

// --- recover ---

type recoverOutput struct {
	Transactions []txn.Recovery `json:"transactions"`
	Listed       bool           `json:"-"`
}

func printRecoverText(w io.Writer, out recoverOutput) error {
	if len(out.Transactions) == 0 {
		fmt.Fprintln(w, "No pending transactions.")
		return nil
	}
	for _, r := range out.Transactions {
		fmt.Fprintf(w, "%s  %s -> %s\n", r.TransactionID, r.OldPath, r.NewPath)
		if r.LastPhase != "" {
			fmt.Fprintf(w, "  last phase: %s\n", r.LastPhase)
		}
		if !out.Listed {
			fmt.Fprintf(w, "  action: %s", r.Action)
			if r.Outcome != "" {
				fmt.Fprintf(w, " (%s)", r.Outcome)
			}
			fmt.Fprintln(w)
		}
		if rb := r.Rollback; rb != nil {
			for _, f := range rb.PartiallyUpdatedFiles {
				fmt.Fprintf(w, "  partially updated: %s\n", f)
			}
		}
		if r.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", r.Error)
		}
	}
	return nil
}

// --- history ---

func printHistoryText(w io.Writer, records []history.Record) error {
	if len(records) == 0 {
		fmt.Fprintln(w, "No transactions recorded.")
		return nil
	}
	for _, r := range records {
		fmt.Fprintf(w, "%s  %-11s %s -> %s\n", r.TransactionID, r.Outcome, r.OldPath, r.NewPath)
		fmt.Fprintf(w, "  %s, took %s, %s updated\n", humanize.Time(r.RecordedAt), ms(r.Duration),
			english.Plural(r.FilesUpdated, "file", ""))
		if r.Code != "" {
			fmt.Fprintf(w, "  %s: %s\n", r.Code, r.Message)
		}
		for _, f := range r.PartiallyUpdated {
			fmt.Fprintf(w, "  partially updated: %s\n", f)
		}
	}
	return nil
}
