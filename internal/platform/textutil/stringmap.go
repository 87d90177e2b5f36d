package textutil

import (
	"strings"
	"unicode/utf8"
)

// CompactStringMap trims keys and values and drops entries where either is empty. Keys and values
// longer than the given byte limits are cut on a rune boundary; a limit <= 0 disables the cut.
func CompactStringMap(values map[string]string, maxKey, maxValue int) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		key = truncate(strings.TrimSpace(key), maxKey)
		value = truncate(strings.TrimSpace(value), maxValue)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
