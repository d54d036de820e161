package router

import (
	"fmt"
	"regexp"
)

// compileTrigger builds the case-insensitive, word-bounded "@Name" matcher
// spec §4.H requires (e.g. "@Andy"). The pattern anchors on a non-word
// character or string boundary on either side of the token, since "@" is
// itself a non-word character and \b alone would not bound it correctly.
func compileTrigger(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(^|\W)@` + regexp.QuoteMeta(name) + `(\W|$)`)
}

// MatchesTrigger reports whether content contains the assistant's trigger
// token, per spec §4.H: "case-insensitive, word-bounded match."
func MatchesTrigger(triggerName, content string) bool {
	return compileTrigger(triggerName).MatchString(content)
}

// formatOutboundPrefix builds the "Andy: <text>" outbound prefix used in
// the literal end-to-end scenario of spec §8 scenario 1.
func formatOutboundPrefix(triggerName, text string) string {
	return fmt.Sprintf("%s: %s", triggerName, text)
}
