package webhooklog

import "strings"

const Redacted = "[REDACTED]"

// Redact returns a copy of value with every map entry whose key is in
// sensitive replaced by Redacted. Keys match case-insensitively at any depth.
func Redact(value any, sensitive []string) any {
	keys := make(map[string]struct{}, len(sensitive))
	for _, key := range sensitive {
		key = strings.ToLower(strings.TrimSpace(key))
		if key != "" {
			keys[key] = struct{}{}
		}
	}
	return redact(value, keys)
}

func redact(value any, keys map[string]struct{}) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			if _, ok := keys[strings.ToLower(key)]; ok {
				out[key] = Redacted
				continue
			}
			out[key] = redact(item, keys)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redact(item, keys)
		}
		return out
	default:
		return v
	}
}
