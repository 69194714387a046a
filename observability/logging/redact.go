package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":        {},
	"env":            {},
	"message":        {},
	"severity":       {},
	"timestamp":      {},
	"error":          {},
	"job":            {},
	"asset":          {},
	"batch_id":       {},
	"order_id":       {},
	"context":        {},
	"correlation_id": {},
	"tx_id":          {},
}

// IsAllowlisted reports whether the provided key is exempt from redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns a sorted copy of the keys emitted verbatim.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue keeps the first and last four characters of values long enough to
// stay unidentifiable, and fully redacts shorter ones. Empty values are
// returned unchanged.
func MaskValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return value
	}
	if len(trimmed) <= 12 {
		return RedactedValue
	}
	return trimmed[:4] + "..." + trimmed[len(trimmed)-4:]
}

// MaskField returns a slog.Attr that masks the supplied value unless the key is
// allowlisted. The original key casing is preserved.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}
