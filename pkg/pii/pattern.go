// Package pii scans text for personally identifiable information and
// prompt-injection heuristics. The compiled-pattern-registry architecture
// is adapted from the teacher's pkg/masking (service.go, pattern.go):
// where the teacher compiles named regexes to redact matches on output,
// this package compiles named regexes to classify and report matches on
// store, per spec §4.I ("scan content for PII and injection heuristics;
// record both but do not block").
package pii

import (
	"fmt"
	"regexp"
)

// compiledDetector pairs a detector's name with its compiled matcher.
type compiledDetector struct {
	name    string
	pattern *regexp.Regexp
	kind    Kind
}

// builtinPatterns mirrors the teacher's compileBuiltinPatterns: a fixed
// table of name→regex compiled once at construction time.
var builtinPatterns = []struct {
	name    string
	pattern string
	kind    Kind
}{
	{"email", `[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`, KindPII},
	{"phone_e164", `\+?[1-9]\d{1,2}[\s.\-]?\(?\d{2,4}\)?[\s.\-]?\d{3,4}[\s.\-]?\d{3,4}`, KindPII},
	{"ssn_us", `\b\d{3}-\d{2}-\d{4}\b`, KindPII},
	{"credit_card", `\b(?:\d[ -]*?){13,16}\b`, KindPII},
	{"aws_access_key", `AKIA[0-9A-Z]{16}`, KindPII},
	{"ip_address", `\b(?:\d{1,3}\.){3}\d{1,3}\b`, KindPII},
	{"prompt_injection_ignore", `(?i)ignore (all )?(previous|prior|above) instructions`, KindInjection},
	{"prompt_injection_system", `(?i)you are now (in )?(developer|dan|jailbreak) mode`, KindInjection},
	{"prompt_injection_reveal", `(?i)(reveal|print|repeat) (your |the )?(system prompt|instructions)`, KindInjection},
}

func compileBuiltins() ([]compiledDetector, error) {
	out := make([]compiledDetector, 0, len(builtinPatterns))
	for _, p := range builtinPatterns {
		re, err := regexp.Compile(p.pattern)
		if err != nil {
			// Unlike the teacher's log-and-skip handling for a single bad
			// pattern, a failure here is returned: the built-in table always
			// compiles, so a failure is a programming error worth surfacing.
			return nil, fmt.Errorf("compile builtin pattern %q: %w", p.name, err)
		}
		out = append(out, compiledDetector{name: p.name, pattern: re, kind: p.kind})
	}
	return out, nil
}
