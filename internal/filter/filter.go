// Package filter decides cheaply whether a chat message could mention a
// laundry machine at all. Only messages it accepts are sent for extraction.
package filter

import (
	"regexp"
	"strings"

	"stayuptodo-laundry/internal/parse"
)

// DefaultVocabulary is matched case-insensitively as substrings.
var DefaultVocabulary = []string{"washer", "dryer", "wash", "dry", "machine", "laundry"}

// blockRe finds a block number that is not part of a longer number, so "1255"
// or "557" do not count as block mentions.
var blockRe = regexp.MustCompile(`(?:^|\D)(55|57|59)(?:\D|$)`)

// Filter is a pure relevance classifier. The zero value is not usable; build
// one with New.
type Filter struct {
	vocabulary []string
	shorthand  bool
}

// Option customises a Filter.
type Option func(*Filter)

// WithVocabulary replaces the washer/dryer vocabulary. Blank words are ignored
// and an empty list keeps the default.
func WithVocabulary(words []string) Option {
	return func(f *Filter) {
		var vocab []string
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w != "" {
				vocab = append(vocab, w)
			}
		}
		if len(vocab) > 0 {
			f.vocabulary = vocab
		}
	}
}

// WithShorthand enables the rule that a machine id such as "55W4" alone makes
// a message relevant, even without a vocabulary word.
func WithShorthand(enabled bool) Option {
	return func(f *Filter) { f.shorthand = enabled }
}

// New returns a Filter using DefaultVocabulary. The shorthand rule is off.
func New(opts ...Option) *Filter {
	f := &Filter{vocabulary: DefaultVocabulary}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Classify reports whether text names a block and a washer/dryer word, or
// (with shorthand on) a machine id.
func (f *Filter) Classify(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	if f.shorthand && len(parse.FindMachineIDs(text)) > 0 {
		return true
	}
	return HasBlock(text) && f.hasVocabulary(text)
}

// HasBlock reports whether text mentions one of the block numbers.
func HasBlock(text string) bool {
	return blockRe.MatchString(text)
}

func (f *Filter) hasVocabulary(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range f.vocabulary {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
