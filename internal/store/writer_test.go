package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestTempPath(t *testing.T) {
	at := time.Unix(0, 1700000000123456789)
	got := filepath.ToSlash(TempPath(filepath.Join("notes", "A.md"), at))
	want := "notes/.tmp-1700000000123456789-A.md"
	if got != want {
		t.Errorf("TempPath = %q, want %q", got, want)
	}
	if !IsTempName(filepath.Base(got)) {
		t.Errorf("IsTempName(%q) = false", got)
	}
}

func TestWriterAtomicReplacesContent(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "note.md")
	if err := os.WriteFile(target, []byte("old\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(target, 0o600); err != nil {
		t.Fatal(err)
	}

	w := NewWriter(NewReal(), fastPolicy(2), nil)
	if err := w.Write(context.Background(), target, []byte("new\n"), WriteOptions{Atomic: true, SyncDir: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new\n" {
		t.Errorf("content = %q, want %q", got, "new\n")
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}
	if diff := cmp.Diff([]string{"note.md"}, dirNames(t, dir)); diff != "" {
		t.Errorf("directory entries (-want +got):\n%s", diff)
	}
}

func TestWriterRetriesTransientRename(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "note.md")
	faulty := NewFaulty(NewReal())
	faulty.Inject(Fault{Op: OpRename, Match: HasSuffix("/note.md"), Err: syscall.EBUSY, Times: 2})

	w := NewWriter(faulty, fastPolicy(3), nil)
	if err := w.Write(context.Background(), target, []byte("data"), WriteOptions{Atomic: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n := faulty.Injected(OpRename); n != 2 {
		t.Errorf("injected renames = %d, want 2", n)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "data" {
		t.Errorf("content = %q", got)
	}
	if diff := cmp.Diff([]string{"note.md"}, dirNames(t, dir)); diff != "" {
		t.Errorf("directory entries (-want +got):\n%s", diff)
	}
}

func TestWriterLeavesTargetAndNoTempOnFailure(t *testing.T) {
	tests := []struct {
		name  string
		fault Fault
	}{
		{"write fails", Fault{Op: OpWrite, Err: syscall.EIO}},
		{"rename fails", Fault{Op: OpRename, Err: syscall.EACCES}},
		{"rename stays busy", Fault{Op: OpRename, Err: syscall.EBUSY}},
		{"temp write stays busy", Fault{Op: OpWrite, Err: syscall.EBUSY}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			target := filepath.Join(dir, "note.md")
			if err := os.WriteFile(target, []byte("old"), 0o644); err != nil {
				t.Fatal(err)
			}
			faulty := NewFaulty(NewReal())
			faulty.Inject(tt.fault)

			w := NewWriter(faulty, fastPolicy(2), nil)
			err := w.Write(context.Background(), target, []byte("new"), WriteOptions{Atomic: true})
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.fault.Err) {
				t.Errorf("err = %v, want wrapping %v", err, tt.fault.Err)
			}
			got, _ := os.ReadFile(target)
			if string(got) != "old" {
				t.Errorf("target = %q, want untouched", got)
			}
			if diff := cmp.Diff([]string{"note.md"}, dirNames(t, dir)); diff != "" {
				t.Errorf("directory entries (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriterNonAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "plain.md")
	w := NewWriter(nil, RetryPolicy{}, nil)
	if err := w.Write(context.Background(), target, []byte("x"), WriteOptions{Perm: 0o600}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}
}
