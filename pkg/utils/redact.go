package utils

import (
	"regexp"
	"strings"
)

// Redacted replaces anything that looks like a credential.
const Redacted = "***REDACTED***"

//nolint:gochecknoglobals // compiled once
var secretPattern = regexp.MustCompile(`(?i)(sk|key|token|secret|password)[-_][\w]{8,}`)

//nolint:gochecknoglobals // read-only lookup table
var sensitiveKeys = map[string]struct{}{
	"api_key":       {},
	"api_secret":    {},
	"password":      {},
	"secret":        {},
	"token":         {},
	"authorization": {},
	"credential":    {},
	"private_key":   {},
}

// RedactString masks credential-like substrings such as "sk-abc123..." or
// "token_deadbeef..." so they never reach logs or clients.
func RedactString(s string) string {
	return secretPattern.ReplaceAllString(s, Redacted)
}

// RedactError returns the redacted message of err, or "" for nil.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return RedactString(err.Error())
}

// SanitizeMap returns a copy of m with the values of sensitive keys replaced
// by Redacted. Nested maps and maps inside slices are sanitized too.
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return SanitizeMap(t)
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = sanitizeValue(item)
		}
		return items
	default:
		return v
	}
}
