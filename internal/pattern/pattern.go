// Package pattern compiles fixed-literal templates with named placeholders
// into matchers, and extracts placeholder values from rendered documents.
//
// A template is literal text with `{{ name }}` placeholders, typically the
// Jinja2 source of a SLURM batch script. Each placeholder occurrence becomes a
// lazy capture that may span lines; literal text must match exactly except for
// whitespace: a run of blanks matches one or more whitespace characters and a
// line break matches zero or more, so re-indented or re-wrapped documents
// still match. A template whose last line ends with a placeholder and a line
// break captures that placeholder up to a line end of the document.
//
// When a name occurs several times, the value captured by its last occurrence
// in document order wins.
package pattern

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	// ErrNoMatch is returned when a template cannot be located in a document.
	ErrNoMatch = errors.New("could not match template with document")
	// ErrMalformedTemplate is returned for delimiters that do not form a
	// placeholder.
	ErrMalformedTemplate = errors.New("malformed template")
)

// placeholderRE matches one well formed placeholder.
var placeholderRE = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// occurrenceSep separates a placeholder name from its occurrence index in
// capture group names.
const occurrenceSep = "__"

// Template is a compiled template. It is immutable and safe for concurrent use.
type Template struct {
	re    *regexp.Regexp
	names []string
	// slots[i] is the placeholder name captured by subexpression i, that is
	// the group name without its occurrence suffix.
	slots []string
}

// Compile compiles template text.
func Compile(text string) (*Template, error) {
	locs := placeholderRE.FindAllStringSubmatchIndex(text, -1)
	var b strings.Builder
	t := &Template{slots: []string{""}}
	seen := map[string]bool{}
	prev := 0
	for i, loc := range locs {
		if err := writeLiteral(&b, text, prev, loc[0]); err != nil {
			return nil, err
		}
		name := text[loc[2]:loc[3]]
		if !seen[name] {
			seen[name] = true
			t.names = append(t.names, name)
		}
		// Occurrence indexes are global and 1-based so that repeated names
		// get distinct, order-stable groups.
		fmt.Fprintf(&b, `(?P<%s%s%d>[\s\S]+?)`, name, occurrenceSep, i+1)
		t.slots = append(t.slots, name)
		prev = loc[1]
	}
	if err := writeLiteral(&b, text, prev, len(text)); err != nil {
		return nil, err
	}
	if endsWithPlaceholderLine(text, locs) {
		// Otherwise the lazy capture would stop after a single character.
		b.WriteString(`(?m:$)`)
	}
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedTemplate, err)
	}
	t.re = re
	return t, nil
}

// endsWithPlaceholderLine reports whether the last placeholder is followed
// only by whitespace containing a line break.
func endsWithPlaceholderLine(text string, locs [][]int) bool {
	if len(locs) == 0 {
		return false
	}
	end := locs[len(locs)-1][1]
	return end == len(strings.TrimRight(text, " \t\r\n")) && strings.ContainsAny(text[end:], "\r\n")
}

// CompileFile reads and compiles a template file.
func CompileFile(path string) (*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	t, err := Compile(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// writeLiteral escapes text[from:to] into b, relaxing whitespace. Stray
// delimiters are rejected.
func writeLiteral(b *strings.Builder, text string, from, to int) error {
	lit := text[from:to]
	for _, delim := range []string{"{{", "}}"} {
		if i := strings.Index(lit, delim); i >= 0 {
			return fmt.Errorf("%w: unbalanced or invalid %q at offset %d", ErrMalformedTemplate, delim, from+i)
		}
	}
	for i := 0; i < len(lit); {
		switch c := lit[i]; c {
		case ' ', '\t':
			for i < len(lit) && (lit[i] == ' ' || lit[i] == '\t') {
				i++
			}
			b.WriteString(`\s+`)
		case '\r':
			i++
			if i < len(lit) && lit[i] == '\n' {
				i++
			}
			b.WriteString(`\s*`)
		case '\n':
			i++
			b.WriteString(`\s*`)
		default:
			j := i
			for j < len(lit) && !strings.ContainsRune(" \t\r\n", rune(lit[j])) {
				j++
			}
			b.WriteString(regexp.QuoteMeta(lit[i:j]))
			i = j
		}
	}
	return nil
}

// Names returns the distinct placeholder names in order of first appearance.
func (t *Template) Names() []string {
	return append([]string(nil), t.names...)
}

// Pattern returns the regular expression the template compiled to.
func (t *Template) Pattern() string {
	return t.re.String()
}

// Result maps placeholder names to extracted, trimmed values.
type Result map[string]string

// Extract locates the template anywhere in text and returns the captured
// values. It returns ErrNoMatch when the template does not occur.
func (t *Template) Extract(text string) (Result, error) {
	m := t.re.FindStringSubmatch(text)
	if m == nil {
		return nil, ErrNoMatch
	}
	res := make(Result, len(t.names))
	// Groups are numbered in document order, so later occurrences overwrite.
	for i := 1; i < len(m); i++ {
		res[t.slots[i]] = strings.TrimSpace(m[i])
	}
	return res, nil
}

// ExtractFile compiles the template at templatePath and extracts its values
// from the document at targetPath. The compiled template is returned too, for
// its Names.
func ExtractFile(templatePath, targetPath string) (*Template, Result, error) {
	t, err := CompileFile(templatePath)
	if err != nil {
		return nil, nil, err
	}
	raw, err := os.ReadFile(targetPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read document: %w", err)
	}
	res, err := t.Extract(string(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", targetPath, err)
	}
	return t, res, nil
}
