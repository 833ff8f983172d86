package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ryotapoi/mdrename/internal/core"
	"github.com/ryotapoi/mdrename/internal/history"
	"github.com/ryotapoi/mdrename/internal/txn"
	"github.com/ryotapoi/mdrename/internal/wal"
)

func TestValidateFormat(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"json", false},
		{"text", false},
		{"yaml", true},
		{"", true},
	}
	for _, tt := range tests {
		err := validateFormat(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
	}
}

func TestDefaultFormatNotTerminal(t *testing.T) {
	if got := defaultFormat(&bytes.Buffer{}); got != "json" {
		t.Errorf("defaultFormat(buffer) = %q, want json", got)
	}
}

func TestResolveStateDir(t *testing.T) {
	flagDir := t.TempDir()
	envDir := t.TempDir()
	cfgDir := t.TempDir()
	t.Setenv(stateDirEnv, envDir)

	got, err := resolveStateDir(flagDir, core.Config{StateDir: cfgDir})
	if err != nil || got != flagDir {
		t.Errorf("flag: got %q, %v", got, err)
	}
	got, err = resolveStateDir("", core.Config{StateDir: cfgDir})
	if err != nil || got != envDir {
		t.Errorf("env: got %q, %v", got, err)
	}
	t.Setenv(stateDirEnv, "")
	got, err = resolveStateDir("", core.Config{StateDir: cfgDir})
	if err != nil || got != cfgDir {
		t.Errorf("config: got %q, %v", got, err)
	}
	got, err = resolveStateDir("", core.Config{})
	if err != nil {
		t.Skipf("no user config dir: %v", err)
	}
	if filepath.Base(got) != "mdrename" {
		t.Errorf("default: got %q", got)
	}
}

func TestPrintRenameTextSuccess(t *testing.T) {
	var buf bytes.Buffer
	resp := txn.Respond(&txn.Result{
		TransactionID: "tx-1",
		OldPath:       "A.md",
		NewPath:       "B.md",
		Metrics:       txn.Metrics{Total: 12 * time.Millisecond},
		FilesUpdated:  []string{"C.md"},
	}, nil)
	if err := printRenameText(&buf, resp); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Renamed A.md -> B.md", "tx-1", "updated links in 1 file", "    C.md", "took 12ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintRenameTextLeftAlone(t *testing.T) {
	var buf bytes.Buffer
	resp := txn.Respond(&txn.Result{
		TransactionID: "tx-3",
		OldPath:       "A/Note.md",
		NewPath:       "A/Renamed.md",
		Skipped:       []core.SkippedDocument{{Path: "Broken.md", Reason: "invalid UTF-8"}},
		Ambiguous:     []core.LinkReference{{SourceFile: "B/linker.md", Line: 3, Raw: "[[Note]]"}},
	}, nil)
	if err := printRenameText(&buf, resp); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"skipped 1 unreadable document", "Broken.md: invalid UTF-8", "left 1 link", "B/linker.md:3 [[Note]]"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintRenameTextFailure(t *testing.T) {
	var buf bytes.Buffer
	err := &txn.Error{
		Code:          txn.CodeRollbackFailed,
		Phase:         txn.StepCommit,
		TransactionID: "tx-2",
		Err:           errors.New("update links: boom"),
		Rollback: &txn.RollbackReport{
			PartiallyUpdatedFiles: []string{"D.md"},
			Errors:                []string{"D.md was modified externally; left as is"},
		},
	}
	if perr := printRenameText(&buf, txn.Respond(nil, err)); perr != nil {
		t.Fatal(perr)
	}
	out := buf.String()
	for _, want := range []string{"TRANSACTION_ROLLBACK_FAILED", "tx-2", "rollback incomplete", "partially updated: D.md", "hint:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestNewRelinkOutput(t *testing.T) {
	out := newRelinkOutput("Old", "New", 3, []core.FileResult{
		{Path: "A.md", Status: core.FileUpdated, References: 2},
		{Path: "B.md", Status: core.FileFailed, References: 1, Err: errors.New("permission denied")},
	})
	if len(out.Updated) != 1 || out.Updated[0].Path != "A.md" {
		t.Errorf("updated = %+v", out.Updated)
	}
	if len(out.Failed) != 1 || out.Failed[0].Error != "permission denied" {
		t.Errorf("failed = %+v", out.Failed)
	}
	var buf bytes.Buffer
	if err := printRelinkText(&buf, out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "FAILED B.md: permission denied") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestPrintRecoverText(t *testing.T) {
	var buf bytes.Buffer
	out := recoverOutput{Transactions: []txn.Recovery{{
		TransactionID: "tx-3",
		OldPath:       "A.md",
		NewPath:       "B.md",
		LastPhase:     wal.Validated,
		Action:        txn.ActionRollback,
		Outcome:       wal.RolledBack,
	}}}
	if err := printRecoverText(&buf, out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"tx-3  A.md -> B.md", "last phase: validated", "action: rollback (rolled_back)"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}
}

func TestPrintHistoryText(t *testing.T) {
	var buf bytes.Buffer
	records := []history.Record{{
		TransactionID: "tx-4",
		OldPath:       "A.md",
		NewPath:       "B.md",
		Outcome:       wal.CleanedUp,
		Duration:      40 * time.Millisecond,
		FilesUpdated:  3,
		RecordedAt:    time.Now().Add(-time.Hour),
	}}
	if err := printHistoryText(&buf, records); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"tx-4", "cleaned_up", "1 hour ago", "took 40ms", "3 files updated"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}

	buf.Reset()
	if err := printHistoryText(&buf, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No transactions recorded.") {
		t.Errorf("unexpected output: %q", buf.String())
	}
}
