// Package policy holds the rules applied to text before it leaves the live
// conversation and lands on disk.
package policy

import "regexp"

type rule struct {
	name    string
	pattern *regexp.Regexp
	mask    string
}

// Order matters: card numbers would otherwise match the phone rule.
var rules = []rule{
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{"card", regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED_SSN]"},
	{"phone", regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks common high-risk PII and reports which kinds it found.
func RedactPII(input string) (string, []string) {
	out := input
	var found []string
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out, r.mask)
		if next != out {
			found = append(found, r.name)
		}
		out = next
	}
	return out, found
}

// HighlightFilter decides what a persisted highlight looks like.
type HighlightFilter struct {
	Redact bool
}

// Apply returns the text to persist and whether it differs from the input.
func (f HighlightFilter) Apply(text string) (string, bool) {
	if !f.Redact {
		return text, false
	}
	out, found := RedactPII(text)
	return out, len(found) > 0
}
