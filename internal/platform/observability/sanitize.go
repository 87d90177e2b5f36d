package observability

import (
	"strings"
	"unicode/utf8"

	"github.com/rasoibox/api/internal/platform/textutil"
)

// Log fields that carry customer secrets or contact details are masked before they reach a log line.
var fieldMaskers = map[string]func(string) string{
	"email":            MaskEmail,
	"actor":            MaskEmail,
	"caller":           MaskEmail,
	"phone":            maskTail,
	"verificationCode": maskTail,
	"clientSecret":     func(string) string { return "[redacted]" },
}

// MaskEmail keeps the first character of the local part and the domain: asha@example.com becomes
// a***@example.com. Values without an @ are returned cleaned but otherwise unchanged so customer IDs
// pass through.
func MaskEmail(value string) string {
	value = textutil.SingleLine(value, 254)
	at := strings.LastIndexByte(value, '@')
	if at <= 0 {
		return value
	}
	first, _ := utf8.DecodeRuneInString(value)
	return string(first) + "***" + value[at:]
}

// maskTail keeps the last four characters.
func maskTail(value string) string {
	runes := []rune(textutil.SingleLine(value, 128))
	if len(runes) <= 4 {
		return strings.Repeat("*", len(runes))
	}
	return strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-4:])
}

// sanitizeField masks known sensitive keys and single-lines every other string value.
func sanitizeField(key string, value any) any {
	text, ok := value.(string)
	if !ok {
		return value
	}
	if mask, found := fieldMaskers[key]; found {
		return mask(text)
	}
	return textutil.SingleLine(text, 512)
}

func sanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return textutil.SingleLine(route, 180)
}
