package statestore

import "regexp"

// secretPatterns scrubs known secret shapes before any value crosses the
// write path: events, facts, and input request payloads. This is
// best-effort defense-in-depth, never a substitute for caller hygiene.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]+`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{16,}`),
	regexp.MustCompile(`sk_live_[a-zA-Z0-9]{10,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`ghp_[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
}

// sensitiveKeys are map keys whose values are redacted outright regardless
// of shape, matching common vendor credential field names.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"api_key":       true,
	"apikey":        true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"client_secret": true,
}

const redactedPlaceholder = "[REDACTED]"

// RedactString scrubs known secret patterns out of a single string value.
func RedactString(s string) string {
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

// RedactValue walks an arbitrary structured value (as produced by JSON
// unmarshalling) and redacts sensitive map keys and string values
// carrying recognizable secret shapes. It returns a new value; the input
// is not mutated.
func RedactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitiveKeys[normalizeKey(k)] {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = RedactValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = RedactValue(e)
		}
		return out
	case string:
		return RedactString(t)
	default:
		return v
	}
}

func normalizeKey(k string) string {
	out := make([]byte, 0, len(k))
	for i := 0; i < len(k); i++ {
		c := k[i]
		if c >= 'A' && c <= 'Z' {
			c = c - 'A' + 'a'
		}
		out = append(out, c)
	}
	return string(out)
}

// RedactMap is a convenience wrapper for the common case of redacting a
// map[string]any payload in place of producing one from JSON.
func RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	red := RedactValue(m)
	out, _ := red.(map[string]any)
	return out
}
