package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// safeKeys are emitted verbatim by MaskField. Everything else that reaches
// MaskField is treated as customer data.
var safeKeys = map[string]struct{}{
	"service":      {},
	"env":          {},
	"error":        {},
	"reason":       {},
	"component":    {},
	"swap_id":      {},
	"tracker":      {},
	"operation_id": {},
	"state":        {},
	"direction":    {},
}

// IsAllowlisted reports whether key is exempt from redaction.
func IsAllowlisted(key string) bool {
	_, ok := safeKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskValue redacts any non-empty value.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField redacts value unless key is allowlisted.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}

// MaskTail keeps the last four characters of an account reference so operators
// can correlate phone numbers without logging them in full.
func MaskTail(key, value string) slog.Attr {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) <= 4 {
		return MaskField(key, trimmed)
	}
	return slog.String(key, strings.Repeat("*", len(trimmed)-4)+trimmed[len(trimmed)-4:])
}
