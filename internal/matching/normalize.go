package matching

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds a display name into its comparison form: diacritics are
// removed, letters are lower-cased, every other rune except whitespace is
// dropped, and the remaining words are sorted alphabetically and joined by a
// single space. "Doe John" and " john   doe " both normalize to "doe john".
func Normalize(name string) string {
	return strings.Join(Tokens(name), " ")
}

// Tokens returns the sorted words of the normalized name.
func Tokens(name string) []string {
	folded := foldDiacritics(name)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r):
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}

	words := strings.Fields(b.String())
	if len(words) == 0 {
		return nil
	}
	sort.Strings(words)
	return words
}

func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
