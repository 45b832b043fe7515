// Package contenthash derives a strict fingerprint over the visible text of
// a document. The hash survives raster-only edits because it is computed
// over a canonical bag of normalized tokens rather than over bytes.
package contenthash

import (
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/crypto/hash"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/encoding/canonicaljson"
)

// Version is the token-bag payload version.
const Version = 1

// MaxPages bounds how much of a document contributes to the hash.
const MaxPages = 20

// maxPunctRun drops decorative separator lines ("-----", "....") while
// keeping ordinary punctuation tokens.
const maxPunctRun = 3

var quoteReplacer = strings.NewReplacer(
	"‘", "'", "’", "'", "‚", "'", "‛", "'",
	"“", `"`, "”", `"`, "„", `"`, "‟", `"`,
	"–", "-", "—", "-", "―", "-", "−", "-",
	" ", " ", " ", " ", " ", " ", " ", " ", " ", " ",
)

// Hash tokenizes the given page texts (at most MaxPages are considered),
// builds the canonical token-bag payload and returns its keccak-256 hex.
func Hash(pages []string) (string, error) {
	if len(pages) > MaxPages {
		pages = pages[:MaxPages]
	}
	counts, total := TokenBag(strings.Join(pages, "\n"))
	canonical, err := canonicaljson.Marshal(map[string]interface{}{
		"v":          Version,
		"counts":     counts,
		"tokenCount": total,
	})
	if err != nil {
		return "", errors.Wrap(err, "could not canonicalize token bag")
	}
	return hash.Keccak256Hex(canonical), nil
}

// TokenBag normalizes text and returns the token frequency map along with
// the total token count.
func TokenBag(text string) (map[string]int, int) {
	tokens := Tokenize(text)
	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		counts[tok]++
	}
	return counts, len(tokens)
}

// Tokenize splits normalized text into letter/digit runs and short
// punctuation runs. Fragmented single-letter runs, common in extracted PDF
// text layers, are merged back into words.
func Tokenize(text string) []string {
	text = norm.NFKC.String(text)
	text = strings.ToLower(text)
	text = quoteReplacer.Replace(text)

	var tokens []string
	var current strings.Builder
	currentKind := kindNone
	flush := func() {
		if current.Len() == 0 {
			return
		}
		tok := current.String()
		current.Reset()
		if currentKind == kindPunct && len(tok) > maxPunctRun {
			return
		}
		tokens = append(tokens, tok)
	}
	for _, r := range text {
		kind := classify(r)
		if kind == kindNone || kind != currentKind {
			flush()
			currentKind = kind
		}
		if kind != kindNone {
			current.WriteRune(r)
		}
	}
	flush()
	return mergeFragments(tokens)
}

type runeKind int

const (
	kindNone runeKind = iota
	kindWord
	kindPunct
)

func classify(r rune) runeKind {
	switch {
	case unicode.IsLetter(r) || unicode.IsNumber(r):
		return kindWord
	case r == '.' || r == ',' || r == '-' || r == '/':
		return kindPunct
	}
	return kindNone
}

// mergeFragments joins runs of three or more consecutive single-letter
// tokens, which appear when a PDF writer positions every glyph separately.
func mergeFragments(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	i := 0
	for i < len(tokens) {
		j := i
		for j < len(tokens) && isSingleLetter(tokens[j]) {
			j++
		}
		if j-i >= 3 {
			out = append(out, strings.Join(tokens[i:j], ""))
			i = j
			continue
		}
		out = append(out, tokens[i])
		i++
	}
	return out
}

func isSingleLetter(tok string) bool {
	runes := []rune(tok)
	return len(runes) == 1 && unicode.IsLetter(runes[0])
}
