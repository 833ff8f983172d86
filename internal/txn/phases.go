package txn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ryotapoi/mdrename/internal/core"
	"github.com/ryotapoi/mdrename/internal/store"
	"github.com/ryotapoi/mdrename/internal/wal"
)

// invalidNameChars may not appear in a note name.
const invalidNameChars = `*":<>?|#^[]\`

const (
	stagePerm = 0o700
	backupExt = ".bak"
)

func (m *Manager) plan(ctx context.Context, req Request) (*Plan, error) {
	fail := func(err error) error {
		return &Error{Code: classify(err, CodePlanFailed), Phase: StepPlan, Err: err}
	}
	oldPath, newPath, err := normalizePaths(m.store.Root(), req.OldPath, req.NewPath)
	if err != nil {
		return nil, fail(err)
	}
	p := &Plan{OldPath: oldPath, NewPath: newPath}

	info, err := m.store.Stat(ctx, oldPath)
	if err != nil {
		return nil, fail(fmt.Errorf("source %s: %w", oldPath, err))
	}
	if info.IsDir() {
		return nil, fail(fmt.Errorf("%w: %s is a directory", ErrInvalidPath, oldPath))
	}

	exists, err := m.store.Exists(ctx, newPath)
	if err != nil {
		return nil, fail(fmt.Errorf("destination %s: %w", newPath, err))
	}
	if exists {
		same := false
		if strings.EqualFold(oldPath, newPath) {
			same, err = m.store.SameFile(ctx, oldPath, newPath)
			if err != nil {
				return nil, fail(err)
			}
		}
		if !same {
			return nil, fail(fmt.Errorf("destination %s: %w", newPath, os.ErrExist))
		}
		p.CaseOnly = true
	}

	p.CreatedDirs, err = m.store.MissingDirs(newPath)
	if err != nil {
		return nil, fail(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fail(err)
	}

	data, err := m.store.Read(ctx, oldPath)
	if err != nil {
		return nil, fail(err)
	}
	p.ContentHash = store.HashBytes(data)

	if !req.UpdateLinks {
		return p, nil
	}
	if other, err := m.nameTaken(ctx, oldPath, newPath); err != nil {
		return nil, fail(err)
	} else if other != "" {
		p.NameCollision = true
		return nil, fail(fmt.Errorf("%w: %s", ErrNameCollision, other))
	}
	opts := m.scanOpts
	opts.TargetName = store.Basename(oldPath)
	opts.TargetPath = oldPath
	p.Scan, err = m.scanner.Scan(ctx, opts)
	if err != nil {
		return nil, fail(fmt.Errorf("scan links: %w", err))
	}
	return p, nil
}

// nameTaken returns another note whose name equals the destination's. Links
// to the new name would become ambiguous with it.
func (m *Manager) nameTaken(ctx context.Context, oldPath, newPath string) (string, error) {
	equal := strings.EqualFold
	if m.scanOpts.CaseSensitive {
		equal = func(a, b string) bool { return a == b }
	}
	newName := store.Basename(newPath)
	if equal(newName, store.Basename(oldPath)) {
		return "", nil
	}
	docs, err := m.store.Documents(ctx)
	if err != nil {
		return "", fmt.Errorf("list documents: %w", err)
	}
	for _, d := range docs {
		if d != oldPath && equal(store.Basename(d), newName) {
			return d, nil
		}
	}
	return "", nil
}

// ValidateName checks that name can be used as a note name.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidPath)
	}
	if i := strings.IndexAny(name, invalidNameChars); i >= 0 {
		return fmt.Errorf("%w: name contains %q", ErrInvalidPath, name[i])
	}
	return nil
}

func normalizePaths(root, oldPath, newPath string) (string, string, error) {
	if strings.TrimSpace(oldPath) == "" || strings.TrimSpace(newPath) == "" {
		return "", "", fmt.Errorf("%w: paths must not be empty", ErrInvalidPath)
	}
	o := store.NormalizePath(oldPath)
	n := store.NormalizePath(newPath)
	for _, p := range []string{o, n} {
		if _, err := store.Abs(root, p); err != nil {
			return "", "", err
		}
		if !store.IsMarkdown(p) {
			return "", "", fmt.Errorf("%w: %s is not a .md file", ErrInvalidPath, p)
		}
	}
	if err := ValidateName(store.TrimMD(path.Base(n))); err != nil {
		return "", "", fmt.Errorf("%s: %w", n, err)
	}
	if o == n {
		return "", "", fmt.Errorf("%w: source and destination are the same", ErrInvalidPath)
	}
	return o, n, nil
}

// linkFiles returns the documents holding references, source excluded, sorted.
func (t *Transaction) linkFiles() []string {
	var out []string
	for p := range t.ReferencesByFile() {
		if p != t.OldPath {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) stageDir(tx *Transaction) (string, error) {
	return m.wal.StageDir(tx.ID)
}

// prepare stages a backup of the source and of every document whose links
// will be rewritten.
func (m *Manager) prepare(ctx context.Context, tx *Transaction) error {
	stage, err := m.stageDir(tx)
	if err != nil {
		return err
	}
	fs := m.store.FS()
	if err := fs.MkdirAll(stage, stagePerm); err != nil {
		return fmt.Errorf("create stage dir: %w", err)
	}
	paths := []string{tx.OldPath}
	if tx.UpdateLinks {
		paths = append(paths, tx.linkFiles()...)
	}
	for i, p := range paths {
		data, err := m.store.Read(ctx, p)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("%04d%s", i, backupExt)
		err = m.store.Writer().Write(ctx, filepath.Join(stage, name), data, store.WriteOptions{Atomic: true, Perm: 0o600})
		if err != nil {
			return fmt.Errorf("stage %s: %w", p, err)
		}
		tx.Staged = append(tx.Staged, Artifact{Path: p, Backup: name, Hash: store.HashBytes(data), Source: i == 0})
	}
	if err := fs.SyncDir(stage); err != nil {
		return fmt.Errorf("sync stage dir: %w", err)
	}
	return m.appendPhase(ctx, tx, wal.Prepared)
}

func (m *Manager) readBackup(tx *Transaction, a Artifact) ([]byte, error) {
	stage, err := m.stageDir(tx)
	if err != nil {
		return nil, err
	}
	data, err := m.store.FS().ReadFile(filepath.Join(stage, a.Backup))
	if err != nil {
		return nil, fmt.Errorf("read backup of %s: %w", a.Path, err)
	}
	if store.HashBytes(data) != a.Hash {
		return nil, fmt.Errorf("backup of %s does not match its hash", a.Path)
	}
	return data, nil
}

// validate checks that nothing the transaction will touch changed since
// it was planned.
func (m *Manager) validate(ctx context.Context, tx *Transaction) error {
	data, err := m.store.Read(ctx, tx.OldPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s no longer exists", ErrStaleContent, tx.OldPath)
		}
		return err
	}
	if store.HashBytes(data) != tx.ContentHash {
		return fmt.Errorf("%w: %s", ErrStaleContent, tx.OldPath)
	}
	if !tx.CaseOnly {
		exists, err := m.store.Exists(ctx, tx.NewPath)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("destination %s: %w", tx.NewPath, os.ErrExist)
		}
	}

	refs := tx.ReferencesByFile()
	rt := tx.Retarget()
	for _, a := range tx.Staged {
		if a.Source {
			if a.Hash != tx.ContentHash {
				return fmt.Errorf("%w: %s", ErrStaleContent, tx.OldPath)
			}
			continue
		}
		cur, err := m.store.Read(ctx, a.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s no longer exists", ErrStaleContent, a.Path)
			}
			return err
		}
		if store.HashBytes(cur) != a.Hash {
			return fmt.Errorf("%w: %s", ErrStaleContent, a.Path)
		}
		if _, err := core.ApplyRewrites(cur, refs[a.Path], rt); err != nil {
			return fmt.Errorf("%w: %v", ErrStaleContent, err)
		}
	}
	return m.appendPhase(ctx, tx, wal.Validated)
}

// commit renames the source and rewrites links. It returns the documents
// whose links were rewritten.
func (m *Manager) commit(ctx context.Context, tx *Transaction) ([]string, error) {
	if len(tx.CreatedDirs) > 0 {
		if err := m.store.MkdirAll(ctx, tx.CreatedDirs[len(tx.CreatedDirs)-1]); err != nil {
			return nil, fmt.Errorf("create destination dir: %w", err)
		}
	}
	var err error
	if tx.CaseOnly {
		err = m.store.Replace(ctx, tx.OldPath, tx.NewPath)
	} else {
		err = m.store.Rename(ctx, tx.OldPath, tx.NewPath)
	}
	if err != nil {
		return nil, err
	}
	m.log.Debug("source renamed", "tx", tx.ID, "from", tx.OldPath, "to", tx.NewPath)

	if !tx.UpdateLinks || len(tx.References) == 0 {
		return nil, nil
	}
	groups := make(map[string][]core.LinkReference)
	for p, refs := range tx.ReferencesByFile() {
		if p == tx.OldPath {
			p = tx.NewPath
		}
		groups[p] = refs
	}
	results, err := m.updater.Commit(ctx, groups, tx.Retarget(), core.CommitOptions{StopOnError: true})
	var updated []string
	for _, r := range results {
		if r.Status == core.FileUpdated {
			updated = append(updated, r.Path)
		}
	}
	if err != nil {
		return updated, fmt.Errorf("update links: %w", err)
	}
	return updated, nil
}

// RollbackReport tells how far a rollback got.
type RollbackReport struct {
	FullyConsistent bool `json:"fullyConsistent"`
	// RestoredSource is true when the note is back at its original path.
	RestoredSource bool `json:"restoredSource"`
	// RevertedFiles had their rewritten links restored from backup.
	RevertedFiles []string `json:"revertedFiles,omitempty"`
	// PartiallyUpdatedFiles could not be reverted and may still hold
	// rewritten links.
	PartiallyUpdatedFiles []string `json:"partiallyUpdatedFiles"`
	Errors                []string `json:"errors,omitempty"`
}

func (r *RollbackReport) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// rollback undoes tx. A document is only restored from backup when it still
// holds exactly the bytes the transaction wrote; anything else is reported
// and left alone.
func (m *Manager) rollback(ctx context.Context, tx *Transaction, touched bool) RollbackReport {
	r := RollbackReport{PartiallyUpdatedFiles: []string{}}
	if touched {
		m.restoreSource(ctx, tx, &r)
		refs := tx.ReferencesByFile()
		rt := tx.Retarget()
		for _, a := range tx.Staged {
			if !a.Source {
				m.revertFile(ctx, tx, a, refs[a.Path], rt, &r)
			}
		}
		if err := m.store.RemoveEmptyDirs(tx.CreatedDirs); err != nil {
			r.fail("remove created directories: %v", err)
		}
	} else {
		r.RestoredSource = true
	}
	r.FullyConsistent = len(r.Errors) == 0 && len(r.PartiallyUpdatedFiles) == 0
	m.log.Debug("rollback finished", "tx", tx.ID, "consistent", r.FullyConsistent,
		"reverted", len(r.RevertedFiles), "partial", len(r.PartiallyUpdatedFiles))
	return r
}

func (m *Manager) restoreSource(ctx context.Context, tx *Transaction, r *RollbackReport) {
	oldExists, err := m.store.Exists(ctx, tx.OldPath)
	if err != nil {
		r.fail("stat %s: %v", tx.OldPath, err)
		return
	}
	newExists, err := m.store.Exists(ctx, tx.NewPath)
	if err != nil {
		r.fail("stat %s: %v", tx.NewPath, err)
		return
	}

	var src *Artifact
	for i := range tx.Staged {
		if tx.Staged[i].Source {
			src = &tx.Staged[i]
		}
	}

	switch {
	case oldExists && newExists:
		same, err := m.store.SameFile(ctx, tx.OldPath, tx.NewPath)
		if err != nil || !same || !tx.CaseOnly {
			r.fail("both %s and %s exist", tx.OldPath, tx.NewPath)
			return
		}
		if err := m.store.Replace(ctx, tx.NewPath, tx.OldPath); err != nil {
			r.fail("move %s back: %v", tx.NewPath, err)
			return
		}
	case newExists:
		move := m.store.Rename
		if tx.CaseOnly {
			move = m.store.Replace
		}
		if err := move(ctx, tx.NewPath, tx.OldPath); err != nil {
			r.fail("move %s back: %v", tx.NewPath, err)
			return
		}
	case !oldExists:
		if src == nil {
			r.fail("%s is missing and has no backup", tx.OldPath)
			return
		}
		data, err := m.readBackup(tx, *src)
		if err != nil {
			r.fail("%v", err)
			return
		}
		if err := m.store.Write(ctx, tx.OldPath, data, store.WriteOptions{Atomic: true}); err != nil {
			r.fail("restore %s: %v", tx.OldPath, err)
			return
		}
		m.log.Info("source restored from backup", "tx", tx.ID, "path", tx.OldPath)
	}
	r.RestoredSource = true

	if src != nil {
		selfRefs := tx.ReferencesByFile()[tx.OldPath]
		m.revertFile(ctx, tx, *src, selfRefs, tx.Retarget(), r)
	}
}

// revertFile restores a from backup if the transaction rewrote it.
func (m *Manager) revertFile(ctx context.Context, tx *Transaction, a Artifact, refs []core.LinkReference, rt core.Retarget, r *RollbackReport) {
	backup, err := m.readBackup(tx, a)
	if err != nil {
		r.fail("%v", err)
		return
	}
	cur, err := m.store.Read(ctx, a.Path)
	if err != nil {
		r.fail("read %s: %v", a.Path, err)
		return
	}
	if bytes.Equal(cur, backup) {
		return
	}
	rewritten, err := core.ApplyRewrites(backup, refs, rt)
	if err != nil || !bytes.Equal(cur, rewritten) {
		r.PartiallyUpdatedFiles = append(r.PartiallyUpdatedFiles, a.Path)
		r.fail("%s was modified externally; left as is", a.Path)
		return
	}
	if err := m.store.Write(ctx, a.Path, backup, store.WriteOptions{Atomic: true}); err != nil {
		r.PartiallyUpdatedFiles = append(r.PartiallyUpdatedFiles, a.Path)
		r.fail("restore %s: %v", a.Path, err)
		return
	}
	r.RevertedFiles = append(r.RevertedFiles, a.Path)
	m.log.Debug("link file reverted", "tx", tx.ID, "path", a.Path)
}
