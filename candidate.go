// lookahead/candidate.go
// Defines completion candidates and the prefix matchers used to filter them.
package lookahead

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Candidate is one suggestion produced by a provider. Candidates are immutable
// once emitted; the pointer is the candidate's identity.
type Candidate struct {
	Text         string  // Lookup string inserted on accept.
	Presentation string  // Stable tie-break key; defaults to Text.
	Group        string  // Sorter group id.
	Detail       string  // Type or signature shown next to the item.
	Kind         ItemKind
	Priority     float64 // Provider-assigned weight; higher sorts first.
	Policy       InsertPolicy
	Source       string // Name of the provider that produced it.
	Payload      any    // Opaque provider data.
}

// PresentationKey returns the presentation invariant used for stable ordering.
func (c *Candidate) PresentationKey() string {
	if c.Presentation != "" {
		return c.Presentation
	}
	return c.Text
}

// PrefixMatcher decides whether a candidate matches the text typed so far.
type PrefixMatcher interface {
	Prefix() string
	// Matches reports whether c should be shown for the current prefix at all.
	Matches(c *Candidate) bool
	// IsStartMatch reports whether the prefix matches at the start of c.
	IsStartMatch(c *Candidate) bool
	// CloneWithPrefix returns a matcher of the same flavour for a new prefix.
	CloneWithPrefix(prefix string) PrefixMatcher
}

// CamelMatcher matches case-insensitively at the start of the lookup string,
// at word starts (camel humps, underscores) and finally anywhere as a middle match.
type CamelMatcher struct {
	prefix string
	lower  string
}

// NewCamelMatcher returns a matcher for prefix.
func NewCamelMatcher(prefix string) *CamelMatcher {
	return &CamelMatcher{prefix: prefix, lower: strings.ToLower(prefix)}
}

func (m *CamelMatcher) Prefix() string { return m.prefix }

func (m *CamelMatcher) CloneWithPrefix(prefix string) PrefixMatcher { return NewCamelMatcher(prefix) }

func (m *CamelMatcher) IsStartMatch(c *Candidate) bool {
	return strings.HasPrefix(strings.ToLower(c.Text), m.lower)
}

func (m *CamelMatcher) Matches(c *Candidate) bool {
	if m.prefix == "" {
		return true
	}
	if m.IsStartMatch(c) {
		return true
	}
	if matchHumps(c.Text, m.prefix) {
		return true
	}
	return strings.Contains(strings.ToLower(c.Text), m.lower)
}

// matchHumps reports whether every rune of pattern can be taken, in order,
// from consecutive hump starts of text ("fB" matches "fooBar").
func matchHumps(text, pattern string) bool {
	starts := humpStarts(text)
	pi := 0
	for _, idx := range starts {
		if pi >= len(pattern) {
			break
		}
		r, _ := utf8.DecodeRuneInString(text[idx:])
		p, size := utf8.DecodeRuneInString(pattern[pi:])
		if unicode.ToLower(r) == unicode.ToLower(p) {
			pi += size
		}
	}
	return pi >= len(pattern) && pattern != ""
}

func humpStarts(text string) []int {
	var starts []int
	var prev rune
	for i, r := range text {
		switch {
		case i == 0:
			starts = append(starts, i)
		case prev == '_' && r != '_':
			starts = append(starts, i)
		case unicode.IsUpper(r) && !unicode.IsUpper(prev):
			starts = append(starts, i)
		}
		prev = r
	}
	return starts
}

// isIdentRune reports whether r may appear in an identifier prefix.
func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// identifierStart returns the byte offset where the identifier ending at caret begins.
func identifierStart(text string, caret int) int {
	if caret > len(text) {
		caret = len(text)
	}
	start := caret
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:start])
		if !isIdentRune(r) {
			break
		}
		start -= size
	}
	return start
}
