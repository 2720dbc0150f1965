package audit

import "regexp"

// MaxFieldLength bounds the persisted size of reason and metadata values.
const MaxFieldLength = 512

// TruncationMarker is appended to any field cut at MaxFieldLength.
const TruncationMarker = "...[truncated]"

const redactedValue = "***"

// Credential-bearing key=value and key: value pairs. The value is replaced,
// the key and separator survive so the record stays readable.
var sensitivePairs = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(password|passwd|pwd)\b(\s*[=:]\s*)\S+`),
	regexp.MustCompile(`(?i)\b(secret(?:[_-]?key)?)\b(\s*[=:]\s*)\S+`),
	regexp.MustCompile(`(?i)\b(token|auth[_-]?token|access[_-]?token)\b(\s*[=:]\s*)\S+`),
	regexp.MustCompile(`(?i)\b(api[_-]?key|apikey)\b(\s*[=:]\s*)\S+`),
}

// Redact replaces the value side of credential key=value pairs with ***.
func Redact(input string) string {
	out := input
	for _, p := range sensitivePairs {
		out = p.ReplaceAllString(out, "${1}${2}"+redactedValue)
	}
	return out
}

// Truncate caps a field at maxLen runes, appending the truncation marker.
// It never splits a multi-byte character.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + TruncationMarker
}

// Sanitize returns a copy of the event with redacted, size-bounded fields.
// The caller's event is not modified.
func Sanitize(e *Event) *Event {
	out := *e
	out.Reason = Truncate(Redact(e.Reason), MaxFieldLength)
	if len(e.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = Truncate(Redact(v), MaxFieldLength)
		}
	}
	return &out
}
