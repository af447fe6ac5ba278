// Package normalize provides the canonical text normalization shared by
// ingestion, resolution, and catalog indexing. Every caller must produce
// byte-identical output for the same input; any divergence silently breaks
// catalog matching.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize lowercases, trims, and collapses internal whitespace to single
// spaces. Returns "" for empty input. Idempotent.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeNumber canonicalizes a collector number. A number may be
// expressed as "N/total"; only the part before the first slash counts.
// Leading zeros are stripped so "025/102" and "25" collide. Always returns
// a non-empty string ("0" when nothing survives).
func NormalizeNumber(s string) string {
	n := Normalize(s)
	if i := strings.IndexByte(n, '/'); i >= 0 {
		n = n[:i]
	}
	n = strings.TrimSpace(strings.TrimLeft(n, "0"))
	if n == "" {
		return "0"
	}
	return n
}

// NormalizePromo canonicalizes a promo code as an opaque uppercase token.
// Promo codes never participate in numeric normalization.
func NormalizePromo(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

var foldTransformer = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// Fold lowercases and strips diacritics for fuzzy comparison. "Pokémon"
// and "pokemon" fold to the same string. Used only by the fuzzy search
// path, never by canonical key construction.
func Fold(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

// Tokenize folds s and splits it into alphanumeric tokens for the
// full-text index.
func Tokenize(s string) []string {
	return strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
