package appserver

import (
	"regexp"
	"strings"
)

// Citation markers arrive embedded in assistant text as Unicode
// private-use-area wrapper characters around an opaque token, and
// occasionally as the bare token when the wrappers were already lost
// upstream. Neither form means anything to a web client.
const (
	citeOpen  = '\uE200'
	citeClose = '\uE201'
)

var bareCitationRe = regexp.MustCompile(`cite(turn|tool)\d+\w*`)

// CleanText strips citation tokens and private-use-area characters from
// assistant text. It removes whole wrapped segments first, then any stray
// private-use runes, then bare citation tokens. Applying it twice yields
// the same result as applying it once.
func CleanText(s string) string {
	if !strings.ContainsFunc(s, isCitationRune) && !bareCitationRe.MatchString(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	skipping := false
	for _, r := range s {
		switch {
		case r == citeOpen:
			skipping = true
		case r == citeClose:
			skipping = false
		case skipping:
			// inside a wrapped citation segment
		case isPrivateUse(r):
			// stray marker without a wrapper pair
		default:
			b.WriteRune(r)
		}
	}

	return bareCitationRe.ReplaceAllString(b.String(), "")
}

func isCitationRune(r rune) bool {
	return isPrivateUse(r)
}

// isPrivateUse reports whether r falls in the BMP private use area or the
// supplementary private use planes.
func isPrivateUse(r rune) bool {
	return (r >= 0xE000 && r <= 0xF8FF) ||
		(r >= 0xF0000 && r <= 0xFFFFD) ||
		(r >= 0x100000 && r <= 0x10FFFD)
}
