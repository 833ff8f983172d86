package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/ryotapoi/mdrename/internal/store"
)

// ErrInvalidWikilink is returned by ParseWikilink for text that is not a
// wikilink pointing at a note.
var ErrInvalidWikilink = errors.New("invalid wikilink")

// Format names the markup variant of a wikilink.
type Format string

const (
	FormatBasic    Format = "basic"
	FormatAliased  Format = "alias"
	FormatHeading  Format = "heading"
	FormatBlockRef Format = "block"
	FormatEmbed    Format = "embed"
)

// Dest is the target part of a wikilink as written: the trimmed name or
// folder path (possibly with ".md") and the whitespace around it.
type Dest struct {
	Name  string
	Lead  string
	Trail string
}

func (d Dest) render(target string) string {
	return d.Lead + target + d.Trail
}

// IsQualified reports whether the target names a folder path rather than a
// bare note name.
func (d Dest) IsQualified() bool {
	return strings.Contains(d.Name, "/")
}

// Normalized returns the target without ".md" and without a leading "/".
func (d Dest) Normalized() string {
	return strings.TrimPrefix(store.TrimMD(d.Name), "/")
}

// Link is one of Basic, Aliased, Heading, BlockRef or Embed.
type Link interface {
	Format() Format
	Destination() Dest
	render(target string) string
}

// Basic is [[Name]].
type Basic struct {
	Dest
}

// Aliased is [[Name|Alias]]. Sep is "|" or the table-escaped `\|`.
type Aliased struct {
	Dest
	Sep   string
	Alias string
}

// Heading is [[Name#Heading]], optionally aliased when Sep is non-empty.
type Heading struct {
	Dest
	Heading string
	Sep     string
	Alias   string
}

// BlockRef is [[Name#^id]], optionally aliased when Sep is non-empty.
type BlockRef struct {
	Dest
	BlockID string
	Sep     string
	Alias   string
}

// Embed is ![[...]] around any non-embed link.
type Embed struct {
	Inner Link
}

func (Basic) Format() Format    { return FormatBasic }
func (Aliased) Format() Format  { return FormatAliased }
func (Heading) Format() Format  { return FormatHeading }
func (BlockRef) Format() Format { return FormatBlockRef }
func (Embed) Format() Format    { return FormatEmbed }

func (l Basic) Destination() Dest    { return l.Dest }
func (l Aliased) Destination() Dest  { return l.Dest }
func (l Heading) Destination() Dest  { return l.Dest }
func (l BlockRef) Destination() Dest { return l.Dest }
func (l Embed) Destination() Dest    { return l.Inner.Destination() }

func (l Basic) render(target string) string {
	return "[[" + l.Dest.render(target) + "]]"
}

func (l Aliased) render(target string) string {
	return "[[" + l.Dest.render(target) + l.Sep + l.Alias + "]]"
}

func (l Heading) render(target string) string {
	return "[[" + l.Dest.render(target) + "#" + l.Heading + l.Sep + l.Alias + "]]"
}

func (l BlockRef) render(target string) string {
	return "[[" + l.Dest.render(target) + "#^" + l.BlockID + l.Sep + l.Alias + "]]"
}

func (l Embed) render(target string) string {
	return "!" + l.Inner.render(target)
}

// Render writes link with its target replaced by target. Everything else
// (alias, separator, heading, block id, embed marker, whitespace) is kept
// byte for byte, so Render(l, l.Destination().Name) reproduces the parsed
// text.
func Render(l Link, target string) string {
	return l.render(target)
}

// ParseWikilink parses a single wikilink such as "[[Name#^id|alias]]" or
// "![[Name]]".
func ParseWikilink(raw string) (Link, error) {
	embed := strings.HasPrefix(raw, "!")
	body := strings.TrimPrefix(raw, "!")
	if !strings.HasPrefix(body, "[[") || !strings.HasSuffix(body, "]]") || len(body) < 4 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidWikilink, raw)
	}
	inner := body[2 : len(body)-2]
	if strings.Contains(inner, "[[") || strings.Contains(inner, "]]") || strings.ContainsAny(inner, "\n\r") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidWikilink, raw)
	}
	l, err := parseInner(inner)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, raw)
	}
	if embed {
		return Embed{Inner: l}, nil
	}
	return l, nil
}

func parseInner(inner string) (Link, error) {
	target, sep, alias := splitAliasSep(inner)
	name, sub := extractSubpath(target)
	dest := splitDest(name)
	if dest.Name == "" {
		// [[#Heading]] points into the current document, not at a note.
		return nil, ErrInvalidWikilink
	}
	switch {
	case strings.HasPrefix(sub, "#^"):
		return BlockRef{Dest: dest, BlockID: sub[2:], Sep: sep, Alias: alias}, nil
	case sub != "":
		return Heading{Dest: dest, Heading: sub[1:], Sep: sep, Alias: alias}, nil
	case sep != "":
		return Aliased{Dest: dest, Sep: sep, Alias: alias}, nil
	default:
		return Basic{Dest: dest}, nil
	}
}

// splitAliasSep splits "target|alias" at the first separator. A pipe
// escaped for use inside a markdown table (`\|`) is kept as the separator.
func splitAliasSep(inner string) (target, sep, alias string) {
	idx := strings.Index(inner, "|")
	if idx == -1 {
		return inner, "", ""
	}
	if idx > 0 && inner[idx-1] == '\\' {
		return inner[:idx-1], `\|`, inner[idx+1:]
	}
	return inner[:idx], "|", inner[idx+1:]
}

// extractSubpath splits "target#subpath" into (target, "#subpath").
// Returns (input, "") if no subpath.
func extractSubpath(input string) (string, string) {
	if idx := strings.Index(input, "#"); idx != -1 {
		return input[:idx], input[idx:]
	}
	return input, ""
}

func splitDest(s string) Dest {
	trimmedLeft := strings.TrimLeftFunc(s, unicode.IsSpace)
	name := strings.TrimRightFunc(trimmedLeft, unicode.IsSpace)
	return Dest{
		Name:  name,
		Lead:  s[:len(s)-len(trimmedLeft)],
		Trail: trimmedLeft[len(name):],
	}
}

// LinkReference is one occurrence of a wikilink in a document.
type LinkReference struct {
	SourceFile string
	Line       int // 1-based
	Column     int // 1-based byte column
	Offset     int // byte offset of Raw in the file
	Raw        string
	Link       Link
}

// Format returns the markup variant of the reference.
func (r LinkReference) Format() Format {
	if r.Link == nil {
		return ""
	}
	return r.Link.Format()
}

// TargetName returns the note the reference points at: the target without
// ".md", folders included when the link is folder-qualified.
func (r LinkReference) TargetName() string {
	if r.Link == nil {
		return ""
	}
	return r.Link.Destination().Normalized()
}

// IsEmbed reports whether the reference is an embed.
func (r LinkReference) IsEmbed() bool {
	return r.Format() == FormatEmbed
}

// Render returns the reference rewritten to target.
func (r LinkReference) Render(target string) string {
	return Render(r.Link, target)
}

type linkReferenceJSON struct {
	SourceFile string `json:"sourceFile"`
	Line       int    `json:"line"`
	Column     int    `json:"column"`
	Offset     int    `json:"offset"`
	Raw        string `json:"raw"`
	Format     Format `json:"format,omitempty"`
}

// MarshalJSON writes the raw text; the parsed link is rebuilt on decode.
func (r LinkReference) MarshalJSON() ([]byte, error) {
	return json.Marshal(linkReferenceJSON{
		SourceFile: r.SourceFile,
		Line:       r.Line,
		Column:     r.Column,
		Offset:     r.Offset,
		Raw:        r.Raw,
		Format:     r.Format(),
	})
}

func (r *LinkReference) UnmarshalJSON(data []byte) error {
	var v linkReferenceJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	l, err := ParseWikilink(v.Raw)
	if err != nil {
		return err
	}
	*r = LinkReference{
		SourceFile: v.SourceFile,
		Line:       v.Line,
		Column:     v.Column,
		Offset:     v.Offset,
		Raw:        v.Raw,
		Link:       l,
	}
	return nil
}
