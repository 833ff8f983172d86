package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ryotapoi/mdrename/internal/store"
)

const defaultCacheSize = 4096

// racyWindow covers the coarsest mtime granularity in common use (FAT keeps
// two seconds). A document modified more recently than this is not cached,
// since a same-size edit within the same tick would keep its key.
const racyWindow = 2 * time.Second

// ErrNoTarget is returned when a scan names neither a note nor a path.
var ErrNoTarget = errors.New("scan target is empty")

// DocumentSource lists and reads vault documents.
type DocumentSource interface {
	Documents(ctx context.Context) ([]string, error)
	Stat(ctx context.Context, rel string) (os.FileInfo, error)
	Read(ctx context.Context, rel string) ([]byte, error)
}

// ScanOptions selects which references a scan reports.
type ScanOptions struct {
	// TargetName is the note name references must point at. Defaults to the
	// basename of TargetPath.
	TargetName string
	// TargetPath is the vault-relative path of the note; folder-qualified
	// references are compared against it.
	TargetPath         string
	ExcludeCodeBlocks  bool
	ExcludeFrontmatter bool
	IncludeEmbeds      bool
	CaseSensitive      bool
	// ExcludePaths are glob patterns of documents to skip.
	ExcludePaths []string
}

// SkippedDocument is a document the scan could not process.
type SkippedDocument struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// ScanResult is the outcome of a vault scan.
type ScanResult struct {
	References []LinkReference
	Scanned    int
	Skipped    []SkippedDocument
	// Ambiguous holds bare references to the target's name that cannot be
	// told apart from links to another note with the same name. They are
	// not in References.
	Ambiguous []LinkReference
	Duration  time.Duration
}

// Files returns the distinct documents holding references, sorted.
func (r ScanResult) Files() []string {
	var out []string
	seen := make(map[string]bool)
	for _, ref := range r.References {
		if !seen[ref.SourceFile] {
			seen[ref.SourceFile] = true
			out = append(out, ref.SourceFile)
		}
	}
	sort.Strings(out)
	return out
}

// GroupByFile groups references by source document.
func GroupByFile(refs []LinkReference) map[string][]LinkReference {
	groups := make(map[string][]LinkReference)
	for _, ref := range refs {
		groups[ref.SourceFile] = append(groups[ref.SourceFile], ref)
	}
	return groups
}

type cacheKey struct {
	path        string
	size        int64
	mtime       int64
	codeBlocks  bool
	frontmatter bool
}

type cacheEntry struct {
	refs   []LinkReference
	reason string
}

// Scanner finds wikilinks across the vault. Parsed documents are cached by
// path, size and mtime, so repeated scans only re-read changed files.
// Recently modified documents are always re-read.
type Scanner struct {
	src         DocumentSource
	log         *slog.Logger
	concurrency int
	cache       *lru.Cache[cacheKey, cacheEntry]
}

// ScannerOption configures a Scanner.
type ScannerOption func(*scannerConfig)

type scannerConfig struct {
	log         *slog.Logger
	concurrency int
	cacheSize   int
}

// WithScanLogger sets the scanner's logger.
func WithScanLogger(l *slog.Logger) ScannerOption {
	return func(c *scannerConfig) { c.log = l }
}

// WithConcurrency bounds the number of documents parsed at once.
func WithConcurrency(n int) ScannerOption {
	return func(c *scannerConfig) { c.concurrency = n }
}

// WithCacheSize sets how many parsed documents are kept.
func WithCacheSize(n int) ScannerOption {
	return func(c *scannerConfig) { c.cacheSize = n }
}

// NewScanner returns a Scanner reading from src.
func NewScanner(src DocumentSource, opts ...ScannerOption) *Scanner {
	cfg := scannerConfig{
		concurrency: runtime.GOMAXPROCS(0),
		cacheSize:   defaultCacheSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.concurrency < 1 {
		cfg.concurrency = 1
	}
	if cfg.cacheSize < 1 {
		cfg.cacheSize = defaultCacheSize
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[cacheKey, cacheEntry](cfg.cacheSize)
	return &Scanner{src: src, log: cfg.log, concurrency: cfg.concurrency, cache: cache}
}

// Scan returns every reference to the target note, sorted by file and
// offset. Documents that cannot be read or parsed are reported in Skipped
// and do not fail the scan.
func (s *Scanner) Scan(ctx context.Context, opts ScanOptions) (ScanResult, error) {
	start := time.Now()
	if opts.TargetName == "" && opts.TargetPath != "" {
		opts.TargetName = store.Basename(opts.TargetPath)
	}
	if opts.TargetName == "" {
		return ScanResult{}, ErrNoTarget
	}
	if err := validateGlobPatterns(opts.ExcludePaths); err != nil {
		return ScanResult{}, err
	}

	docs, err := s.src.Documents(ctx)
	if err != nil {
		return ScanResult{}, fmt.Errorf("list documents: %w", err)
	}
	// A bare name resolves to the target only when no other note shares it.
	ambiguous := opts.TargetPath != "" && countNamed(docs, opts) > 1
	docs = filterExcluded(docs, opts.ExcludePaths)

	entries := make([]cacheEntry, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, doc := range docs {
		i, doc := i, doc
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			entries[i] = s.parseDocument(gctx, doc, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ScanResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return ScanResult{}, err
	}

	res := ScanResult{Scanned: len(docs)}
	for i, e := range entries {
		if e.reason != "" {
			res.Skipped = append(res.Skipped, SkippedDocument{Path: docs[i], Reason: e.reason})
			continue
		}
		for _, ref := range e.refs {
			if !matchesTarget(ref, opts) {
				continue
			}
			if ambiguous && !ref.Link.Destination().IsQualified() {
				res.Ambiguous = append(res.Ambiguous, ref)
				continue
			}
			res.References = append(res.References, ref)
		}
	}
	sortReferences(res.References)
	sortReferences(res.Ambiguous)
	res.Duration = time.Since(start)
	if len(res.Ambiguous) > 0 {
		s.log.Warn("bare links match more than one note, leaving them",
			"target", opts.TargetPath, "links", len(res.Ambiguous))
	}
	s.log.Debug("scan finished",
		"target", opts.TargetName, "documents", res.Scanned,
		"references", len(res.References), "skipped", len(res.Skipped), "duration", res.Duration)
	return res, nil
}

func sortReferences(refs []LinkReference) {
	sort.SliceStable(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.SourceFile != b.SourceFile {
			return a.SourceFile < b.SourceFile
		}
		return a.Offset < b.Offset
	})
}

// countNamed returns how many documents are named like the target.
func countNamed(docs []string, opts ScanOptions) int {
	n := 0
	for _, d := range docs {
		name := store.Basename(d)
		if name == opts.TargetName || (!opts.CaseSensitive && strings.EqualFold(name, opts.TargetName)) {
			n++
		}
	}
	return n
}

func (s *Scanner) parseDocument(ctx context.Context, doc string, opts ScanOptions) cacheEntry {
	info, err := s.src.Stat(ctx, doc)
	if err != nil {
		s.log.Warn("skipping document", "path", doc, "error", err)
		return cacheEntry{reason: err.Error()}
	}
	key := cacheKey{
		path:        doc,
		size:        info.Size(),
		mtime:       info.ModTime().UnixNano(),
		codeBlocks:  opts.ExcludeCodeBlocks,
		frontmatter: opts.ExcludeFrontmatter,
	}
	if e, ok := s.cache.Get(key); ok {
		return e
	}
	content, err := s.src.Read(ctx, doc)
	if err != nil {
		s.log.Warn("skipping document", "path", doc, "error", err)
		return cacheEntry{reason: err.Error()}
	}
	refs, err := extractWikilinks(doc, content, opts.ExcludeCodeBlocks, opts.ExcludeFrontmatter)
	var e cacheEntry
	if err != nil {
		s.log.Warn("skipping document", "path", doc, "error", err)
		e.reason = err.Error()
	} else {
		e.refs = refs
	}
	if time.Since(info.ModTime()) > racyWindow {
		s.cache.Add(key, e)
	}
	return e
}

func filterExcluded(docs []string, patterns []string) []string {
	if len(patterns) == 0 {
		return docs
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		if !matchesAny(patterns, d) {
			out = append(out, d)
		}
	}
	return out
}

func matchesTarget(ref LinkReference, opts ScanOptions) bool {
	if ref.IsEmbed() && !opts.IncludeEmbeds {
		return false
	}
	dest := ref.Link.Destination()
	got := dest.Normalized()
	want := opts.TargetName
	if dest.IsQualified() {
		if opts.TargetPath == "" {
			return false
		}
		want = store.TrimMD(store.NormalizePath(opts.TargetPath))
	}
	if opts.CaseSensitive {
		return got == want
	}
	return strings.EqualFold(got, want)
}

// extractWikilinks returns every wikilink to a note in content, in file
// order. It fails for content that is not valid UTF-8 or whose YAML
// frontmatter does not parse.
func extractWikilinks(path string, content []byte, excludeCode, excludeFrontmatter bool) ([]LinkReference, error) {
	if !utf8.Valid(content) {
		return nil, errors.New("invalid UTF-8")
	}
	lines := strings.Split(string(content), "\n")

	fmEnd := frontmatterEnd(lines)
	if fmEnd > 0 {
		if err := checkFrontmatter(lines[1:fmEnd]); err != nil {
			return nil, fmt.Errorf("invalid frontmatter: %w", err)
		}
	}

	var out []LinkReference
	var fence string
	offset := 0
	for i, line := range lines {
		lineStart := offset
		offset += len(line) + 1

		if fmEnd > 0 && i <= fmEnd && excludeFrontmatter {
			continue
		}
		if excludeCode && (fmEnd <= 0 || i > fmEnd) {
			if marker := fenceMarker(line); marker != "" {
				switch {
				case fence == "":
					fence = marker
				case strings.HasPrefix(marker, fence):
					fence = ""
				}
				continue
			}
			if fence != "" {
				continue
			}
			line = maskInlineCode(line)
		}
		for _, m := range findWikilinks(line) {
			raw := lines[i][m.start:m.end]
			l, err := ParseWikilink(raw)
			if err != nil {
				continue
			}
			out = append(out, LinkReference{
				SourceFile: path,
				Line:       i + 1,
				Column:     m.start + 1,
				Offset:     lineStart + m.start,
				Raw:        raw,
				Link:       l,
			})
		}
	}
	return out, nil
}

// frontmatterEnd returns the line index of the closing "---" of frontmatter.
// Returns -1 if no valid frontmatter is found.
func frontmatterEnd(lines []string) int {
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return -1
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return i
		}
	}
	return -1
}

func checkFrontmatter(lines []string) error {
	var doc yaml.Node
	return yaml.Unmarshal([]byte(strings.Join(lines, "\n")), &doc)
}

// fenceMarker returns the run of ``` or ~~~ opening a fenced code block, or "".
func fenceMarker(line string) string {
	trim := strings.TrimSpace(line)
	for _, ch := range []byte{'`', '~'} {
		n := 0
		for n < len(trim) && trim[n] == ch {
			n++
		}
		if n >= 3 {
			return trim[:n]
		}
	}
	return ""
}

// maskInlineCode blanks backtick-delimited spans so links inside them are
// not found. Byte offsets are unchanged.
func maskInlineCode(line string) string {
	if strings.IndexByte(line, '`') == -1 {
		return line
	}
	b := []byte(line)
	i := 0
	for i < len(b) {
		if b[i] != '`' {
			i++
			continue
		}
		end := bytes.IndexByte(b[i+1:], '`')
		if end < 0 {
			// An unclosed backtick is literal text.
			break
		}
		for j := i; j <= i+1+end; j++ {
			b[j] = ' '
		}
		i += end + 2
	}
	return string(b)
}

type span struct{ start, end int }

// findWikilinks returns the byte spans of [[...]] and ![[...]] in line.
// For "[[a [[b]]" the innermost opening bracket wins.
func findWikilinks(line string) []span {
	var out []span
	pos := 0
	for pos < len(line) {
		rel := strings.Index(line[pos:], "]]")
		if rel == -1 {
			break
		}
		end := pos + rel
		start := strings.LastIndex(line[pos:end], "[[")
		if start == -1 {
			pos = end + 2
			continue
		}
		start += pos
		if start > 0 && line[start-1] == '!' {
			start--
		}
		out = append(out, span{start: start, end: end + 2})
		pos = end + 2
	}
	return out
}
