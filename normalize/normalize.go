// Package normalize canonicalizes raw chat-network messages into a
// deterministic form and computes their dedup fingerprint: identical input
// bytes always produce identical output, and textually equivalent content
// (after normalization) always produces an identical hash.
package normalize

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sourcewatch/sourcewatch/domain"
)

// signatureTrailers matches channel-signature suffixes such as
// "[via @source]" or "(forwarded)", stripped from the end of a message
// before hashing. It is one generic pattern, not a list of known
// signatures: any trailing text of 1-80 characters in square brackets or
// parentheses is removed, whatever it says.
var signatureTrailers = regexp.MustCompile(`[\[\(][^\[\]\(\)]{1,80}[\]\)]\s*$`)

// bidiControls are the bidirectional control marks (LRM, RLM, LRE, RLE,
// PDF, LRO, RLO, LRI, RLI, FSI, PDI, ALM) stripped before diacritic
// folding, since they carry no content and would otherwise survive NFKD
// decomposition untouched.
var bidiControls = func() *strings.Replacer {
	pairs := make([]string, 0)
	for _, r := range []rune{
		'‎', '‏', '‪', '‫', '‬', '‭', '‮',
		'⁦', '⁧', '⁨', '⁩', '؜',
	} {
		pairs = append(pairs, string(r), "")
	}
	return strings.NewReplacer(pairs...)
}()

// stripDiacritics removes Unicode nonspacing marks (Mn) via NFKD
// decomposition, folding combining diacritics away from right-to-left
// scripts (e.g. Arabic tashkeel) without hand-maintaining a rune table.
var stripDiacritics = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize deterministically canonicalizes a RawMessage's text and
// computes its dedup hash.
func Normalize(raw domain.RawMessage) domain.NormalizedMessage {
	text := raw.Text
	text = bidiControls.Replace(text)
	text = signatureTrailers.ReplaceAllString(text, "")

	if folded, _, err := transform.String(stripDiacritics, text); err == nil {
		text = folded
	}

	text = collapseWhitespace(text)
	text = strings.ToLower(text)
	text = strings.TrimSpace(text)

	empty := text == ""
	sum := sha1.Sum([]byte(text))

	return domain.NormalizedMessage{
		RawMessage: raw,
		TextNorm:   text,
		Hash:       hex.EncodeToString(sum[:]),
		LangGuess:  guessLang(text),
		Empty:      empty,
	}
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return whitespaceRun.ReplaceAllString(s, " ")
}

// guessLang makes a coarse script-based guess: if the text contains any
// rune in the Arabic script it is tagged "ar", empty text is "und"
// (undetermined), and any other text is "en". No other package reads the
// result.
func guessLang(text string) string {
	for _, r := range text {
		if unicode.Is(unicode.Arabic, r) {
			return "ar"
		}
	}
	if text == "" {
		return "und"
	}
	return "en"
}
