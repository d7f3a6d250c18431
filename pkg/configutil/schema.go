package configutil

import (
	"sort"
	"strings"
)

// Schema lists the keys a provider accepts under transcription.settings.
// Key matching ignores case, underscores and hyphens.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports every problem with a settings map at once.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var b strings.Builder
	if len(e.Missing) > 0 {
		b.WriteString("missing: ")
		b.WriteString(strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString("unknown: ")
		b.WriteString(strings.Join(e.Unknown, ", "))
	}
	return b.String()
}

// ValidateSettings returns a *SettingsError when input lacks a required key,
// holds a blank string for one, or carries a key the schema does not name.
func ValidateSettings(input map[string]any, schema Schema) error {
	return schema.Validate(input)
}

func (s Schema) Validate(input map[string]any) error {
	known := make(map[string]bool, len(s.Required)+len(s.Optional))
	for _, k := range s.Optional {
		known[normalizeKey(k)] = false
	}
	for _, k := range s.Required {
		known[normalizeKey(k)] = true
	}

	present := make(map[string]bool, len(input))
	var unknown []string
	for k, v := range input {
		nk := normalizeKey(k)
		if _, ok := known[nk]; !ok {
			if !s.AllowUnknown {
				unknown = append(unknown, k)
			}
			continue
		}
		present[nk] = !blank(v)
	}

	var missing []string
	for _, k := range s.Required {
		if !present[normalizeKey(k)] {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	return &SettingsError{Missing: missing, Unknown: unknown}
}

func blank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	}
	return false
}
