package preview

import (
	"regexp"
	"strings"
)

// quoteFold maps typographic quote variants onto straight quotes, the same
// table the marking engine's preprocessor uses, so client-side matching
// agrees with what the service saw.
var quoteFold = strings.NewReplacer(
	"“", `"`, "”", `"`, "„", `"`, "‟", `"`,
	"‘", "'", "’", "'", "‚", "'", "‛", "'",
	"«", `"`, "»", `"`, "‹", "'", "›", "'",
	" ", " ",
	"\u200b", "", "\u200c", "", "\u200d", "", "\ufeff", "",
	"—", "-", "–", "-",
)

// FoldQuotes normalizes smart quotes, non-breaking spaces, zero-width
// characters, and dashes to their plain equivalents.
func FoldQuotes(s string) string {
	return quoteFold.Replace(s)
}

var (
	wsRun      = regexp.MustCompile(`\s+`)
	nonWordRun = regexp.MustCompile(`[^\w\s]`)
)

// Normalize lowercases, folds quotes, strips non-word characters, and
// collapses whitespace. This is the comparison form used by the locator
// and the rewrite-equals-original guard.
func Normalize(s string) string {
	s = strings.ToLower(FoldQuotes(s))
	s = nonWordRun.ReplaceAllString(s, " ")
	s = wsRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// CollapseSpace folds whitespace runs to single spaces without touching
// case or punctuation.
func CollapseSpace(s string) string {
	return strings.TrimSpace(wsRun.ReplaceAllString(s, " "))
}

// uniqueTokens returns the distinct normalized tokens of minimum length
// minLen, in first-seen order.
func uniqueTokens(s string, minLen int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range strings.Fields(Normalize(s)) {
		if len(tok) < minLen {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}
