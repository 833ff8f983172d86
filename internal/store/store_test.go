package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestAbsRejectsEscape(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{"", "../x.md", "a/../../x.md", "/etc/passwd"} {
		if _, err := Abs(root, rel); !errors.Is(err, ErrPathEscape) {
			t.Errorf("Abs(%q) err = %v, want ErrPathEscape", rel, err)
		}
	}
	got, err := Abs(root, "sub/A.md")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(filepath.ToSlash(got), "/sub/A.md") {
		t.Errorf("Abs = %q", got)
	}
}

func TestPathHelpers(t *testing.T) {
	if got := NormalizePath("./a//b/../c.md"); got != "a/c.md" {
		t.Errorf("NormalizePath = %q", got)
	}
	if got := Basename("dir/Note.md"); got != "Note" {
		t.Errorf("Basename = %q", got)
	}
	if got := TrimMD("dir/Note.MD"); got != "dir/Note" {
		t.Errorf("TrimMD = %q", got)
	}
	if !IsMarkdown("x.Md") || IsMarkdown("x.txt") {
		t.Error("IsMarkdown mismatch")
	}
}

func TestStoreHash(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"A.md": "hello"})
	s := New(root)

	got, err := s.Hash(context.Background(), "A.md")
	if err != nil {
		t.Fatal(err)
	}
	// sha256("hello")
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("Hash = %s, want %s", got, want)
	}
	if HashBytes([]byte("hello")) != want {
		t.Error("HashBytes disagrees with Hash")
	}
}

func TestStoreRenameNoReplace(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"A.md": "a", "B.md": "b"})
	s := New(root)
	ctx := context.Background()

	err := s.Rename(ctx, "A.md", "B.md")
	if !errors.Is(err, os.ErrExist) {
		t.Fatalf("Rename onto existing err = %v, want ErrExist", err)
	}
	data, err := s.Read(ctx, "B.md")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "b" {
		t.Errorf("B.md = %q, want untouched", data)
	}

	if err := s.Rename(ctx, "A.md", "C.md"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if ok, _ := s.Exists(ctx, "A.md"); ok {
		t.Error("A.md still exists")
	}
	if ok, _ := s.Exists(ctx, "C.md"); !ok {
		t.Error("C.md missing")
	}
}

func TestStoreRenameRetriesTransient(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"A.md": "a"})
	faulty := NewFaulty(NewReal())
	faulty.Inject(Fault{Op: OpRename, Err: syscall.EBUSY, Times: 1})
	s := New(root, WithFS(faulty), WithRetryPolicy(fastPolicy(2)))

	if err := s.Rename(context.Background(), "A.md", "B.md"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if n := faulty.Injected(OpRename); n != 1 {
		t.Errorf("injected = %d, want 1", n)
	}
}

func TestStoreDocuments(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"B.md":                   "",
		"A.md":                   "",
		"sub/C.md":               "",
		"sub/image.png":          "",
		".obsidian/workspace.md": "",
		"sub/.hidden.md":         "",
		"templates/T.md":         "",
		"notes.txt":              "",
	})
	s := New(root, WithExclude(func(rel string) bool { return strings.HasPrefix(rel, "templates") }))

	got, err := s.Documents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"A.md", "B.md", "sub/C.md"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Documents (-want +got):\n%s", diff)
	}
}

func TestStoreDocumentsHonorsContext(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"A.md": ""})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(root).Documents(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestMissingAndRemoveEmptyDirs(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a/keep.md": ""})
	s := New(root)
	ctx := context.Background()

	dirs, err := s.MissingDirs("a/b/c/N.md")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a/b", "a/b/c"}, dirs); diff != "" {
		t.Fatalf("MissingDirs (-want +got):\n%s", diff)
	}
	if err := s.MkdirAll(ctx, "a/b/c"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveEmptyDirs(dirs); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Exists(ctx, "a/b"); ok {
		t.Error("a/b should be removed")
	}
	if ok, _ := s.Exists(ctx, "a"); !ok {
		t.Error("a must be kept")
	}
}

func TestRemoveEmptyDirsStopsAtNonEmpty(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"x/other.md": ""})
	s := New(root)
	if err := s.MkdirAll(context.Background(), "x/y"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveEmptyDirs([]string{"x", "x/y"}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Exists(context.Background(), "x/y"); ok {
		t.Error("x/y should be removed")
	}
	if ok, _ := s.Exists(context.Background(), "x/other.md"); !ok {
		t.Error("x/other.md must survive")
	}
}
