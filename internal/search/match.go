// Package search matches books against query text and category filters for
// sources that search locally.
package search

import (
	"strings"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/mmcdole/libris/internal/domain"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Query is compiled query text. Every query word must match a word of the
// book's title, authors, series or tags, in any order.
//
// A query word matches a book word when it is equal, a prefix, a substring,
// or within a typo budget that grows with its length. Case and diacritics
// are ignored.
type Query struct {
	words []string
}

// Compile splits text into words.
func Compile(text string) Query {
	return Query{words: tokenize(text)}
}

// Empty reports whether the query matches every book.
func (q Query) Empty() bool {
	return len(q.words) == 0
}

// Match reports whether b matches every query word.
func (q Query) Match(b *domain.Book) bool {
	if q.Empty() {
		return true
	}
	words := bookWords(b)
	for _, qw := range q.words {
		if !matchAny(qw, words) {
			return false
		}
	}
	return true
}

// MatchFilters reports whether b satisfies filters: for every category at
// least one of its values equals one of the book's values, ignoring case.
func MatchFilters(b *domain.Book, filters map[string][]string) bool {
	for cat, wanted := range filters {
		if len(wanted) == 0 {
			continue
		}
		if !anyEqualFold(b.Category(strings.ToLower(cat)), wanted) {
			return false
		}
	}
	return true
}

func anyEqualFold(have, wanted []string) bool {
	for _, h := range have {
		for _, w := range wanted {
			if strings.EqualFold(strings.TrimSpace(h), w) {
				return true
			}
		}
	}
	return false
}

func bookWords(b *domain.Book) []string {
	words := tokenize(b.Title)
	for _, a := range b.Authors {
		words = append(words, tokenize(a)...)
	}
	words = append(words, tokenize(b.Series)...)
	for _, t := range b.Tags {
		words = append(words, tokenize(t)...)
	}
	return words
}

func matchAny(qw string, words []string) bool {
	for _, w := range words {
		if matchWord(qw, w) {
			return true
		}
	}
	return false
}

func matchWord(qw, w string) bool {
	if strings.Contains(w, qw) {
		return true
	}
	typos := allowedTypos(len([]rune(qw)))
	if typos == 0 {
		return false
	}
	// Compare against the word's prefix too so "foundaton" finds "foundations".
	if n := len([]rune(qw)); len([]rune(w)) > n+typos {
		w = string([]rune(w)[:n+typos])
	}
	return fuzzy.LevenshteinDistance(qw, w) <= typos
}

// allowedTypos returns the number of typos allowed based on word length:
// 1-3 chars = 0, 4-6 chars = 1, 7+ chars = 2
func allowedTypos(length int) int {
	switch {
	case length <= 3:
		return 0
	case length <= 6:
		return 1
	default:
		return 2
	}
}

// tokenize splits text into lowercase words of letters and digits with
// diacritics removed.
func tokenize(text string) []string {
	return strings.FieldsFunc(fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}
