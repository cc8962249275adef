// Package policy holds content rules applied before student text is stored.
package policy

import (
	"regexp"
	"strings"
)

type redactionRule struct {
	kind    string
	pattern *regexp.Regexp
	// minDigits rejects matches with fewer digits, so short arithmetic like
	// "12 - (3 + 4)" is left alone.
	minDigits int
}

// Card runs before phone so long digit runs are not reported as phone
// numbers.
var redactionRules = []redactionRule{
	{kind: "email", pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{kind: "card", pattern: regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`), minDigits: 13},
	{kind: "phone", pattern: regexp.MustCompile(`\+?\d[\d\-() ]{7,}\d`), minDigits: 10},
}

// RedactPII masks emails, card numbers and phone numbers. It reports which
// kinds were found, in rule order.
func RedactPII(input string) (string, []string) {
	out := input
	var kinds []string
	for _, rule := range redactionRules {
		marker := "[REDACTED_" + strings.ToUpper(rule.kind) + "]"
		hit := false
		out = rule.pattern.ReplaceAllStringFunc(out, func(m string) string {
			if rule.minDigits > 0 && countDigits(m) < rule.minDigits {
				return m
			}
			hit = true
			return marker
		})
		if hit {
			kinds = append(kinds, rule.kind)
		}
	}
	return out, kinds
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
