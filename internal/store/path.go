package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a vault-relative path resolves outside the vault.
var ErrPathEscape = errors.New("path escapes vault")

// NormalizePath cleans a vault-relative path: forward slashes, no leading "./".
func NormalizePath(path string) string {
	clean := filepath.ToSlash(filepath.Clean(path))
	return strings.TrimPrefix(clean, "./")
}

// Basename returns the note name of a path: the file name without extension.
func Basename(path string) string {
	base := filepath.Base(filepath.FromSlash(path))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// TrimMD strips a trailing ".md" (any case).
func TrimMD(path string) string {
	if strings.HasSuffix(strings.ToLower(path), ".md") {
		return path[:len(path)-3]
	}
	return path
}

// IsMarkdown reports whether path has a .md extension.
func IsMarkdown(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".md")
}

// isHidden reports whether any path segment starts with a dot
// (.obsidian, .git, .trash and friends).
func isHidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." && seg != ".." {
			return true
		}
	}
	return false
}

// Abs resolves a vault-relative path against root and rejects anything that
// would escape it.
func Abs(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscape)
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(filepath.ToSlash(rel), "/") {
		return "", fmt.Errorf("%w: %s is absolute", ErrPathEscape, rel)
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve vault path: %w", err)
	}
	abs := filepath.Join(rootAbs, filepath.FromSlash(rel))
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	return abs, nil
}

// MissingDirs returns the vault-relative directories that would have to be
// created for rel to be written, outermost first.
func (s *Store) MissingDirs(rel string) ([]string, error) {
	var missing []string
	dir := filepath.ToSlash(filepath.Dir(filepath.FromSlash(rel)))
	for dir != "." && dir != "/" && dir != "" {
		abs, err := Abs(s.root, dir)
		if err != nil {
			return nil, err
		}
		if _, err := s.fs.Stat(abs); err == nil {
			break
		}
		missing = append([]string{dir}, missing...)
		dir = filepath.ToSlash(filepath.Dir(filepath.FromSlash(dir)))
	}
	return missing, nil
}

// RemoveEmptyDirs removes the given vault-relative directories, innermost
// first, stopping at the first one that is not empty. It never removes the
// vault root.
func (s *Store) RemoveEmptyDirs(dirs []string) error {
	for i := len(dirs) - 1; i >= 0; i-- {
		abs, err := Abs(s.root, dirs[i])
		if err != nil {
			return err
		}
		entries, err := s.fs.ReadDir(abs)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		if len(entries) > 0 {
			return nil
		}
		if err := s.fs.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
