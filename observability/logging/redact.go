package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Keys that carry redeemable payloads or credentials. Card codes must never
// reach log sinks: a logged code is a spendable code.
var sensitiveKeys = map[string]struct{}{
	"secret_value":  {},
	"code":          {},
	"card_code":     {},
	"api_key":       {},
	"api_secret":    {},
	"authorization": {},
}

// IsSensitive reports whether the provided key must be masked before emission.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// SensitiveKeys returns a sorted copy of the log keys that are always masked.
// Tests use this to ensure redeemable payloads remain hidden.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the canonical redacted placeholder for non-empty values.
// Empty values are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr with the value masked regardless of key. Use
// it when logging fields whose sensitivity the call site already knows.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}
