// lookahead/provider_words.go
// Word provider: identifiers already typed in the buffer and in other open documents.
package lookahead

import (
	"context"
	"unicode/utf8"
)

const minWordLength = 3

// DocumentSource lists the texts of other open documents, keyed by identifier.
type DocumentSource func() map[string]string

// WordProvider offers identifier-like words already present in the buffer.
// From the second invocation on it also scans the other open documents.
type WordProvider struct {
	Documents DocumentSource // May be nil.
}

func (WordProvider) Name() string { return ProviderWords }

func (p WordProvider) Produce(ctx context.Context, req *Request, sink Sink) error {
	offset := min(max(req.Offset, 0), len(req.Text))
	identStart := identifierStart(req.Text, offset)
	seen := map[string]bool{req.Text[identStart:offset]: true}
	ok := true
	scan := func(text string, skipStart, skipEnd int, priority float64) {
		for _, w := range scanWords(text) {
			if !ok || ctx.Err() != nil {
				ok = false
				return
			}
			if w.start == skipStart && w.end >= skipEnd || seen[w.text] {
				continue
			}
			seen[w.text] = true
			ok = sink.Emit(&Candidate{
				Text:     w.text,
				Group:    ProviderWords,
				Source:   ProviderWords,
				Kind:     ItemText,
				Priority: priority,
			})
		}
	}

	sink.Batch(func() { scan(req.Text, identStart, offset, 0) })
	if ok && req.InvocationCount >= 2 && p.Documents != nil {
		for id, text := range p.Documents() {
			if id == req.SurfaceID {
				continue
			}
			sink.Batch(func() { scan(text, -1, -1, -0.5) })
			if !ok {
				break
			}
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !ok {
		return ErrSessionCancelled
	}
	return nil
}

type word struct {
	text       string
	start, end int
}

// scanWords splits text into identifier words of at least minWordLength runes
// that do not start with a digit.
func scanWords(text string) []word {
	var words []word
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		w := text[start:end]
		first, _ := utf8.DecodeRuneInString(w)
		if utf8.RuneCountInString(w) >= minWordLength && !(first >= '0' && first <= '9') {
			words = append(words, word{text: w, start: start, end: end})
		}
		start = -1
	}
	for i, r := range text {
		if isIdentRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(text))
	return words
}
