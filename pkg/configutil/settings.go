package configutil

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// DecodeSettings decodes a provider settings map into a typed struct.
// Durations accept Go duration strings such as "30s" and slices accept
// comma separated strings.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return fmt.Errorf("settings decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return nil
}

// RequireString fails with "<path> is required" when value is blank.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", path)
	}
	return nil
}

// Mask copies settings with the named secret keys replaced, for logging.
func Mask(settings map[string]any, secrets ...string) map[string]any {
	if len(settings) == 0 {
		return nil
	}
	hidden := make(map[string]struct{}, len(secrets))
	for _, k := range secrets {
		hidden[normalizeKey(k)] = struct{}{}
	}
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		if _, ok := hidden[normalizeKey(k)]; ok && !blank(v) {
			out[k] = "***"
			continue
		}
		out[k] = v
	}
	return out
}

func normalizeKey(value string) string {
	return strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(value))
}
