package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/ryotapoi/mdrename/internal/store"
)

// ErrStaleReference is returned when a document no longer holds a reference
// at the recorded offset.
var ErrStaleReference = errors.New("reference no longer matches document")

// Retarget describes where references should point after a rename.
type Retarget struct {
	// Name is the new note name, used for bare references.
	Name string
	// Path is the new vault-relative path, used for folder-qualified
	// references. When empty, only the last path segment is renamed.
	Path string
}

// For returns the replacement target text for ref. A ".md" suffix and a
// leading "/" on the original target are kept.
func (rt Retarget) For(ref LinkReference) string {
	dest := ref.Link.Destination()
	var target string
	if dest.IsQualified() {
		if rt.Path != "" {
			target = store.TrimMD(store.NormalizePath(rt.Path))
		} else {
			target = path.Join(path.Dir(strings.TrimPrefix(dest.Name, "/")), rt.Name)
		}
		if strings.HasPrefix(dest.Name, "/") {
			target = "/" + target
		}
	} else {
		target = rt.Name
	}
	if store.IsMarkdown(dest.Name) {
		target += dest.Name[len(dest.Name)-3:]
	}
	return target
}

// ApplyRewrites returns content with every reference in refs rewritten per
// rt. Replacements run right-to-left by offset so earlier offsets stay
// valid. The bytes at each offset must still equal the reference's raw text.
func ApplyRewrites(content []byte, refs []LinkReference, rt Retarget) ([]byte, error) {
	sorted := make([]LinkReference, len(refs))
	copy(sorted, refs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset > sorted[j].Offset })

	out := append([]byte(nil), content...)
	limit := len(out)
	last := -1
	for _, ref := range sorted {
		if ref.Offset == last {
			continue
		}
		last = ref.Offset
		end := ref.Offset + len(ref.Raw)
		if ref.Offset < 0 || end > limit || string(out[ref.Offset:end]) != ref.Raw {
			return nil, fmt.Errorf("%w: %s:%d:%d %s", ErrStaleReference, ref.SourceFile, ref.Line, ref.Column, ref.Raw)
		}
		replacement := ref.Render(rt.For(ref))
		out = append(out[:ref.Offset], append([]byte(replacement), out[end:]...)...)
		limit = ref.Offset
	}
	return out, nil
}

// FileStatus is the outcome for one document in Updater.Commit.
type FileStatus string

const (
	FileUpdated FileStatus = "updated"
	FileFailed  FileStatus = "failed"
)

// FileResult reports the rewrite of one document.
type FileResult struct {
	Path       string
	Status     FileStatus
	References int
	Err        error
}

// CommitOptions controls Updater.Commit.
type CommitOptions struct {
	// StopOnError aborts at the first failed document.
	StopOnError bool
}

// DocumentStore reads and writes vault documents.
type DocumentStore interface {
	Read(ctx context.Context, rel string) ([]byte, error)
	Write(ctx context.Context, rel string, data []byte, opts store.WriteOptions) error
}

// Updater rewrites references in place, one read-modify-write per document.
type Updater struct {
	docs DocumentStore
	log  *slog.Logger
}

// NewUpdater returns an Updater writing through docs. A nil logger discards output.
func NewUpdater(docs DocumentStore, log *slog.Logger) *Updater {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Updater{docs: docs, log: log}
}

// Commit rewrites the references grouped by document, in path order. The
// returned error joins every per-document failure; results are returned
// either way so callers can report partial success.
func (u *Updater) Commit(ctx context.Context, groups map[string][]LinkReference, rt Retarget, opts CommitOptions) ([]FileResult, error) {
	paths := make([]string, 0, len(groups))
	for p := range groups {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var results []FileResult
	var errs []error
	for _, p := range paths {
		refs := groups[p]
		err := u.rewriteFile(ctx, p, refs, rt)
		res := FileResult{Path: p, Status: FileUpdated, References: len(refs)}
		if err != nil {
			res.Status = FileFailed
			res.Err = err
			errs = append(errs, err)
			u.log.Warn("link update failed", "path", p, "error", err)
		} else {
			u.log.Debug("links updated", "path", p, "references", len(refs))
		}
		results = append(results, res)
		if err != nil && opts.StopOnError {
			break
		}
	}
	return results, errors.Join(errs...)
}

func (u *Updater) rewriteFile(ctx context.Context, rel string, refs []LinkReference, rt Retarget) error {
	content, err := u.docs.Read(ctx, rel)
	if err != nil {
		return err
	}
	updated, err := ApplyRewrites(content, refs, rt)
	if err != nil {
		return err
	}
	if err := u.docs.Write(ctx, rel, updated, store.WriteOptions{Atomic: true}); err != nil {
		return fmt.Errorf("update links in %s: %w", rel, err)
	}
	return nil
}
