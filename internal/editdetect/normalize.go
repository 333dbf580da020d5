package editdetect

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	urlRe        = regexp.MustCompile(`https?://\S+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Normalize canonicalizes post text for comparison: lowercase, URLs stripped,
// zero-width characters and emoji variation selectors removed, whitespace
// collapsed, trimmed. Idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = urlRe.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		switch r {
		// zero-width space/joiners, BOM, emoji variation selectors
		case '\u200b', '\u200c', '\u200d', '\ufeff', '\ufe0e', '\ufe0f':
			return -1
		}
		return r
	}, s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// HashText returns the SHA-256 hex digest of the normalized text, so two texts
// hash equal exactly when they normalize equal.
func HashText(s string) string {
	sum := sha256.Sum256([]byte(Normalize(s)))
	return hex.EncodeToString(sum[:])
}

// shingles returns the word 3-shingles of normalized text. Texts shorter than
// one shingle contribute their whole word sequence as a single shingle.
func shingles(normalized string) map[string]struct{} {
	words := strings.Fields(normalized)
	out := make(map[string]struct{})
	if len(words) == 0 {
		return out
	}
	if len(words) < 3 {
		out[strings.Join(words, " ")] = struct{}{}
		return out
	}
	for i := 0; i+3 <= len(words); i++ {
		out[strings.Join(words[i:i+3], " ")] = struct{}{}
	}
	return out
}

// Jaccard computes intersection over union of the word 3-shingles of two
// normalized texts.
func Jaccard(a, b string) float64 {
	sa := shingles(a)
	sb := shingles(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for sh := range sa {
		if _, ok := sb[sh]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

var numericIDRe = regexp.MustCompile(`^\d+$`)

// NewerID reports whether id a is newer than id b. Snowflake-style numeric ids
// compare numerically; anything else (e.g. base32 AT-Protocol TIDs, which sort
// chronologically) compares lexicographically.
func NewerID(a, b string) bool {
	if numericIDRe.MatchString(a) && numericIDRe.MatchString(b) {
		// Equal-length numeric strings compare correctly byte-wise; pad the
		// shorter one so "99" < "100".
		if len(a) != len(b) {
			return len(a) > len(b)
		}
	}
	return a > b
}
