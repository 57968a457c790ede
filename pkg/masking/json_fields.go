package masking

import (
	"encoding/json"
	"regexp"
	"strings"
)

// MaskedFieldValue replaces the value of a secret-named JSON field.
const MaskedFieldValue = "[MASKED_SECRET_VALUE]"

// secretFieldName matches JSON object keys that carry credentials.
var secretFieldName = regexp.MustCompile(
	`(?i)(?:password|passwd|secret|token|credential|authorization|api[_-]?key|apikey|private[_-]?key|access[_-]?key)`)

// fieldIndicators gates the expensive parse: at least one must appear in
// the payload before the masker bothers decoding it.
var fieldIndicators = []string{
	"password", "passwd", "secret", "token", "credential", "authorization", "key",
}

// JSONSecretFieldMasker masks the values of secret-named fields in JSON
// tool results while leaving the surrounding structure intact. A field
// whose name mentions a credential gets its entire value replaced, nested
// objects included.
type JSONSecretFieldMasker struct{}

// Name returns the unique identifier for this masker.
func (m *JSONSecretFieldMasker) Name() string { return "json_secret_fields" }

// AppliesTo performs a lightweight check on whether this masker should
// process the data.
func (m *JSONSecretFieldMasker) AppliesTo(data string) bool {
	trimmed := strings.TrimSpace(data)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return false
	}
	lower := strings.ToLower(data)
	for _, indicator := range fieldIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

// Mask parses the data as JSON and replaces the values of secret-named
// fields. Returns original data on parse/processing errors (defensive).
func (m *JSONSecretFieldMasker) Mask(data string) string {
	var doc any
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return data
	}

	doc, changed := maskSecretFields(doc)
	if !changed {
		return data
	}

	masked, err := json.Marshal(doc)
	if err != nil {
		return data
	}

	out := string(masked)
	if strings.HasSuffix(data, "\n") {
		out += "\n"
	}
	return out
}

// maskSecretFields walks a decoded JSON value, replacing the value of any
// object field whose name looks like a credential. Reports whether
// anything changed.
func maskSecretFields(v any) (any, bool) {
	switch val := v.(type) {
	case map[string]any:
		changed := false
		for key, inner := range val {
			if secretFieldName.MatchString(key) {
				val[key] = MaskedFieldValue
				changed = true
				continue
			}
			masked, c := maskSecretFields(inner)
			if c {
				val[key] = masked
				changed = true
			}
		}
		return val, changed
	case []any:
		changed := false
		for i, inner := range val {
			masked, c := maskSecretFields(inner)
			if c {
				val[i] = masked
				changed = true
			}
		}
		return val, changed
	default:
		return v, false
	}
}
