package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ryotapoi/mdrename/internal/store"
)

func mustRef(t *testing.T, file, content, raw string) LinkReference {
	t.Helper()
	refs, err := extractWikilinks(file, []byte(content), true, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range refs {
		if r.Raw == raw {
			return r
		}
	}
	t.Fatalf("reference %q not found in %q", raw, content)
	return LinkReference{}
}

func TestRetargetFor(t *testing.T) {
	rt := Retarget{Name: "NewName", Path: "Archive/NewName.md"}
	tests := []struct {
		raw, want string
	}{
		{"[[OldName]]", "NewName"},
		{"[[OldName.md]]", "NewName.md"},
		{"[[Projects/OldName]]", "Archive/NewName"},
		{"[[Projects/OldName.MD]]", "Archive/NewName.MD"},
		{"[[/Projects/OldName]]", "/Archive/NewName"},
	}
	for _, tt := range tests {
		ref := mustRef(t, "x.md", tt.raw, tt.raw)
		if got := rt.For(ref); got != tt.want {
			t.Errorf("For(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}

	nameOnly := Retarget{Name: "NewName"}
	ref := mustRef(t, "x.md", "[[Projects/OldName]]", "[[Projects/OldName]]")
	if got := nameOnly.For(ref); got != "Projects/NewName" {
		t.Errorf("For without path = %q", got)
	}
}

func TestApplyRewrites(t *testing.T) {
	content := "A [[OldName]] b [[OldName#^block1|See intro]]\n`[[OldName]]` ![[Projects/OldName.md#H]]\n"
	refs, err := extractWikilinks("x.md", []byte(content), true, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 3 {
		t.Fatalf("got %d refs", len(refs))
	}
	got, err := ApplyRewrites([]byte(content), refs, Retarget{Name: "NewName", Path: "Archive/NewName.md"})
	if err != nil {
		t.Fatal(err)
	}
	want := "A [[NewName]] b [[NewName#^block1|See intro]]\n`[[OldName]]` ![[Archive/NewName.md#H]]\n"
	if diff := cmp.Diff(want, string(got)); diff != "" {
		t.Errorf("content (-want +got):\n%s", diff)
	}
}

func TestApplyRewritesStale(t *testing.T) {
	content := "x [[Old]]\n"
	ref := mustRef(t, "x.md", content, "[[Old]]")
	_, err := ApplyRewrites([]byte("xx [[Old]]\n"), []LinkReference{ref}, Retarget{Name: "New"})
	if !errors.Is(err, ErrStaleReference) {
		t.Fatalf("err = %v, want ErrStaleReference", err)
	}
	_, err = ApplyRewrites([]byte("x"), []LinkReference{ref}, Retarget{Name: "New"})
	if !errors.Is(err, ErrStaleReference) {
		t.Fatalf("short content err = %v, want ErrStaleReference", err)
	}
}

func TestUpdaterCommit(t *testing.T) {
	vault := setupVault(t, map[string]string{
		"A.md": "[[Old]]\n",
		"B.md": "see [[Old|o]]\n",
	})
	s := store.New(vault)
	if err := os.Chmod(filepath.Join(vault, "B.md"), 0o600); err != nil {
		t.Fatal(err)
	}
	res, err := NewScanner(s).Scan(context.Background(), defaultScan("Old", ""))
	if err != nil {
		t.Fatal(err)
	}

	results, err := NewUpdater(s, nil).Commit(context.Background(), GroupByFile(res.References), Retarget{Name: "New"}, CommitOptions{StopOnError: true})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	want := []FileResult{
		{Path: "A.md", Status: FileUpdated, References: 1},
		{Path: "B.md", Status: FileUpdated, References: 1},
	}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("results (-want +got):\n%s", diff)
	}
	b, _ := os.ReadFile(filepath.Join(vault, "B.md"))
	if string(b) != "see [[New|o]]\n" {
		t.Errorf("B.md = %q", b)
	}
	info, _ := os.Stat(filepath.Join(vault, "B.md"))
	if info.Mode().Perm() != 0o600 {
		t.Errorf("B.md perm = %o, want 600", info.Mode().Perm())
	}
}

func TestUpdaterCommitPartialFailure(t *testing.T) {
	vault := setupVault(t, map[string]string{
		"A.md": "[[Old]]\n",
		"B.md": "[[Old]]\n",
		"C.md": "[[Old]]\n",
	})
	faulty := store.NewFaulty(store.NewReal())
	faulty.Inject(store.Fault{Op: store.OpRename, Match: store.HasSuffix("/B.md"), Err: syscall.EACCES})
	s := store.New(vault, store.WithFS(faulty))
	res, err := NewScanner(s).Scan(context.Background(), defaultScan("Old", ""))
	if err != nil {
		t.Fatal(err)
	}
	groups := GroupByFile(res.References)

	results, err := NewUpdater(s, nil).Commit(context.Background(), groups, Retarget{Name: "New"}, CommitOptions{})
	if !errors.Is(err, syscall.EACCES) {
		t.Fatalf("err = %v, want EACCES", err)
	}
	var statuses []FileStatus
	for _, r := range results {
		statuses = append(statuses, r.Status)
	}
	if diff := cmp.Diff([]FileStatus{FileUpdated, FileFailed, FileUpdated}, statuses); diff != "" {
		t.Errorf("statuses (-want +got):\n%s", diff)
	}
	b, _ := os.ReadFile(filepath.Join(vault, "B.md"))
	if string(b) != "[[Old]]\n" {
		t.Errorf("B.md = %q, want untouched", b)
	}
}

func TestUpdaterCommitStopOnError(t *testing.T) {
	vault := setupVault(t, map[string]string{
		"A.md": "[[Old]]\n",
		"B.md": "[[Old]]\n",
	})
	s := store.New(vault)
	res, err := NewScanner(s).Scan(context.Background(), defaultScan("Old", ""))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(vault, "A.md"), []byte("changed [[Old]]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	results, err := NewUpdater(s, nil).Commit(context.Background(), GroupByFile(res.References), Retarget{Name: "New"}, CommitOptions{StopOnError: true})
	if !errors.Is(err, ErrStaleReference) {
		t.Fatalf("err = %v, want ErrStaleReference", err)
	}
	if len(results) != 1 || results[0].Status != FileFailed {
		t.Errorf("results = %+v, want one failed file", results)
	}
	b, _ := os.ReadFile(filepath.Join(vault, "B.md"))
	if string(b) != "[[Old]]\n" {
		t.Errorf("B.md = %q, want untouched", b)
	}
}
