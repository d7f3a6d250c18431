// Package redact masks personal data in transcripts before they reach logs
// and timeline artifacts. Observers always receive the unmasked text.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

type rule struct {
	re   *regexp.Regexp
	mask string
}

// Rules run in order. A number with a leading + is always a phone. Cards
// must be grouped the way issuers print them (4-4-4-x or 4-6-5), so local
// phone numbers of twelve digits or fewer fall through to the last rule.
var rules = []rule{
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\+\d[\d\s\-]{7,}\d\b`), "[REDACTED_PHONE]"},
	{regexp.MustCompile(`\b(?:(?:\d{4}[ \-]?){3}\d{1,7}|\d{4}[ \-]?\d{6}[ \-]?\d{5})\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\b\d[\d\s\-]{7,}\d\b`), "[REDACTED_PHONE]"},
}

func SetEnabled(v bool) { enabled.Store(v) }

func Enabled() bool { return enabled.Load() }

// Text masks emails, card numbers and phone numbers when redaction is on.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	for _, r := range rules {
		in = r.re.ReplaceAllString(in, r.mask)
	}
	return in
}

// Number keeps the last four digits of a phone number, e.g. "+1******4567".
func Number(in string) string {
	if !enabled.Load() {
		return in
	}
	digits := 0
	for _, c := range in {
		if c >= '0' && c <= '9' {
			digits++
		}
	}
	if digits <= 4 {
		return in
	}
	var b strings.Builder
	seen := 0
	for _, c := range in {
		if c < '0' || c > '9' {
			b.WriteRune(c)
			continue
		}
		seen++
		if seen <= 1 || seen > digits-4 {
			b.WriteRune(c)
		} else {
			b.WriteByte('*')
		}
	}
	return b.String()
}
