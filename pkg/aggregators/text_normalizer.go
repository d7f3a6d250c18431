package aggregators

import (
	"regexp"
	"sort"
	"strings"
)

// TextNormalizer rewrites domain terms the recognizer tends to get wrong,
// matching whole words without regard to case.
type TextNormalizer struct {
	rules []replacement
}

type replacement struct {
	re *regexp.Regexp
	to string
}

func NewTextNormalizer(replacements map[string]string) *TextNormalizer {
	keys := make([]string, 0, len(replacements))
	for from := range replacements {
		if strings.TrimSpace(from) != "" {
			keys = append(keys, from)
		}
	}
	// Longer phrases first so "air conditioner" wins over "air".
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	n := &TextNormalizer{}
	for _, from := range keys {
		pattern := `(?i)\b` + regexp.QuoteMeta(strings.TrimSpace(from)) + `\b`
		n.rules = append(n.rules, replacement{re: regexp.MustCompile(pattern), to: replacements[from]})
	}
	return n
}

func (t *TextNormalizer) Name() string { return "text_normalizer" }

func (t *TextNormalizer) Apply(text string) string {
	if t == nil || text == "" {
		return text
	}
	for _, r := range t.rules {
		text = r.re.ReplaceAllLiteralString(text, r.to)
	}
	return text
}
